// Package manifest provides loading and validation of pushdeploy job manifests.
//
// A job manifest is a YAML or JSON file that configures all aspects of a
// deployment target: source repository, environment provisioning, the
// supervised service, release layout, and post-restart verification.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source:
//	  url: https://github.com/galadon/flask-app.git
//	  branch: main
//	environment:
//	  venv: /home/ubuntu/flask-app/venv
//	  packages: [flask, gunicorn]
//	service:
//	  unit: flask-app
//	releases:
//	  root: /home/ubuntu/flask-app
//	verify:
//	  url: http://127.0.0.1:8000/
package manifest

import "time"

// Manifest represents a validated job manifest.
//
// A manifest configures one deployment target. Required fields are
// Version, Source, and Service. Environment, Releases, Verify, and
// Provision are optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Source configures the repository to deploy.
	Source SourceConfig `json:"source" yaml:"source"`

	// Environment configures the isolated Python environment.
	Environment EnvironmentConfig `json:"environment,omitempty" yaml:"environment,omitempty"`

	// Service configures the supervised service unit.
	Service ServiceConfig `json:"service" yaml:"service"`

	// Releases configures the on-host release layout.
	Releases ReleasesConfig `json:"releases,omitempty" yaml:"releases,omitempty"`

	// Verify configures post-restart liveness verification.
	Verify VerifyConfig `json:"verify,omitempty" yaml:"verify,omitempty"`

	// Output configures deploy event output (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`

	// Provision configures EC2 host provisioning (optional). Used only by
	// the provision command; the deploy pipeline never reads it.
	Provision *ProvisionConfig `json:"provision,omitempty" yaml:"provision,omitempty"`
}

// SourceConfig configures the repository checkout.
type SourceConfig struct {
	// URL is the clone URL of the repository (required).
	URL string `json:"url" yaml:"url"`

	// Branch is the branch whose pushes trigger deploys. Default: "main".
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`

	// Depth is the clone depth. Zero means a shallow clone of depth 1;
	// set -1 for a full clone.
	Depth int `json:"depth,omitempty" yaml:"depth,omitempty"`
}

// EnvironmentConfig configures the isolated package environment.
//
// Each run recreates the environment from scratch: there is no caching,
// no lockfile, and no version pinning. The package set is fixed by the
// manifest and never derived from repository content.
type EnvironmentConfig struct {
	// Interpreter is the Python interpreter used to create the venv.
	// Default: "python3".
	Interpreter string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`

	// Venv is the virtualenv path. Default: <releases.root>/venv.
	Venv string `json:"venv,omitempty" yaml:"venv,omitempty"`

	// Packages is the fixed set of packages installed into the venv.
	// Default: [flask, gunicorn].
	Packages []string `json:"packages,omitempty" yaml:"packages,omitempty"`

	// Recreate wipes the venv before provisioning. Default: true.
	Recreate *bool `json:"recreate,omitempty" yaml:"recreate,omitempty"`
}

// ServiceConfig configures the supervised service unit.
type ServiceConfig struct {
	// Unit is the supervisor unit name (required), e.g. "flask-app".
	Unit string `json:"unit" yaml:"unit"`

	// Supervisor selects the process supervisor. Currently only "systemd"
	// is supported. Default: "systemd".
	Supervisor string `json:"supervisor,omitempty" yaml:"supervisor,omitempty"`

	// Sudo prefixes supervisor commands with sudo. Default: true, matching
	// the common case of an unprivileged deploy user.
	Sudo *bool `json:"sudo,omitempty" yaml:"sudo,omitempty"`

	// RestartTimeout bounds the restart command. Default: 60s.
	RestartTimeout Duration `json:"restart_timeout,omitempty" yaml:"restart_timeout,omitempty"`
}

// ReleasesConfig configures the on-host release layout.
//
// Releases live under <root>/releases/<id>; <root>/current is a symlink
// to the active release. The service unit's WorkingDirectory should point
// at current so a restart picks up the newly activated code.
type ReleasesConfig struct {
	// Root is the deployment root directory. Required; must be an
	// absolute path.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Keep is how many releases to retain after a deploy. Default: 5.
	Keep int `json:"keep,omitempty" yaml:"keep,omitempty"`

	// Excludes are glob patterns excluded when materializing a release
	// from the checkout. Defaults: **/.git/**, **/__pycache__/**.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Archive configures optional S3 release archiving.
	Archive *ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// ArchiveConfig configures S3 release archiving.
type ArchiveConfig struct {
	// Bucket is the S3 bucket name (required when archive is set).
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region. Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Prefix is the key prefix for uploaded archives. Default: "releases/".
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// AccessKeyID and SecretAccessKey are explicit static credentials
	// for S3-compatible stores. Leave empty for the default chain.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
}

// VerifyConfig configures post-restart liveness verification.
//
// When enabled, a deploy is reported successful only after the restarted
// service demonstrates liveness. When disabled, the restart is
// fire-and-forget and the run ends at the ServiceRestarted state.
type VerifyConfig struct {
	// Enabled turns verification on. Default: true.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// URL is the liveness endpoint polled after restart.
	// Default: http://127.0.0.1:8000/.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// ExpectStatus is the expected HTTP status. Default: 200.
	ExpectStatus int `json:"expect_status,omitempty" yaml:"expect_status,omitempty"`

	// BodyRegex, when set, must match the response body.
	BodyRegex string `json:"body_regex,omitempty" yaml:"body_regex,omitempty"`

	// JSONFields are optional assertions on a JSON response body.
	JSONFields []VerifyJSONField `json:"json_fields,omitempty" yaml:"json_fields,omitempty"`

	// Attempts is the maximum number of liveness probes. Default: 10.
	Attempts int `json:"attempts,omitempty" yaml:"attempts,omitempty"`

	// Interval is the initial spacing between probes. Default: 2s.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`

	// BackoffFactor grows the probe interval after each failure.
	// Default: 1.5.
	BackoffFactor float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`

	// MaxInterval caps the grown probe interval. Default: 15s.
	MaxInterval Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`

	// AttemptTimeout bounds a single probe request. Default: 5s.
	AttemptTimeout Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`

	// Rollback restores the previous release when verification fails.
	// Default: true.
	Rollback *bool `json:"rollback,omitempty" yaml:"rollback,omitempty"`
}

// VerifyJSONField asserts one field of a JSON liveness response.
type VerifyJSONField struct {
	// Path is a dotted field path, e.g. "status" or "info.version".
	Path string `json:"path" yaml:"path"`

	// Equals is the required string form of the value.
	Equals string `json:"equals" yaml:"equals"`
}

// OutputConfig configures deploy event output.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/output.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// ProvisionConfig configures EC2 host provisioning.
type ProvisionConfig struct {
	// Region is the AWS region (required for provisioning).
	Region string `json:"region" yaml:"region"`

	// InstanceType is the EC2 instance type. Default: "t2.micro".
	InstanceType string `json:"instance_type,omitempty" yaml:"instance_type,omitempty"`

	// ImageID is the AMI to launch (required for provisioning).
	ImageID string `json:"image_id" yaml:"image_id"`

	// KeyName is the EC2 key pair name. Optional.
	KeyName string `json:"key_name,omitempty" yaml:"key_name,omitempty"`

	// SecurityGroupID attaches an existing security group. Optional.
	SecurityGroupID string `json:"security_group_id,omitempty" yaml:"security_group_id,omitempty"`

	// SubnetID launches into a specific subnet. Optional.
	SubnetID string `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`

	// Name tags the instance; also used for idempotent lookup.
	// Default: the service unit name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// OpenHTTP authorizes ingress on port 80 for the security group.
	OpenHTTP bool `json:"open_http,omitempty" yaml:"open_http,omitempty"`

	// OpenSSH authorizes ingress on port 22 for the security group.
	OpenSSH bool `json:"open_ssh,omitempty" yaml:"open_ssh,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultBranch is the branch whose pushes trigger deploys.
	DefaultBranch = "main"

	// DefaultInterpreter creates the virtualenv.
	DefaultInterpreter = "python3"

	// DefaultSupervisor is the process supervisor type.
	DefaultSupervisor = "systemd"

	// DefaultKeep is how many releases to retain.
	DefaultKeep = 5

	// DefaultArchivePrefix is the S3 key prefix for release archives.
	DefaultArchivePrefix = "releases/"

	// DefaultVerifyURL is the liveness endpoint polled after restart.
	DefaultVerifyURL = "http://127.0.0.1:8000/"

	// DefaultVerifyAttempts is the maximum number of liveness probes.
	DefaultVerifyAttempts = 10

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultInstanceType is the EC2 instance type for provisioning.
	DefaultInstanceType = "t2.micro"
)

// Default durations and factors.
const (
	DefaultRestartTimeout       = Duration(60 * time.Second)
	DefaultVerifyInterval       = Duration(2 * time.Second)
	DefaultVerifyMaxInterval    = Duration(15 * time.Second)
	DefaultVerifyAttemptTimeout = Duration(5 * time.Second)
)

// DefaultBackoffFactor grows the probe interval after each failed probe.
const DefaultBackoffFactor = 1.5

// DefaultExcludes are the glob patterns excluded from releases.
var DefaultExcludes = []string{"**/.git/**", "**/__pycache__/**"}

// DefaultPackages is the fixed package set installed into the venv.
var DefaultPackages = []string{"flask", "gunicorn"}

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to
// ensure all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	if m.Source.Branch == "" {
		m.Source.Branch = DefaultBranch
	}

	// Environment defaults
	if m.Environment.Interpreter == "" {
		m.Environment.Interpreter = DefaultInterpreter
	}
	if len(m.Environment.Packages) == 0 {
		m.Environment.Packages = append([]string(nil), DefaultPackages...)
	}
	if m.Environment.Recreate == nil {
		recreate := true
		m.Environment.Recreate = &recreate
	}

	// Service defaults
	if m.Service.Supervisor == "" {
		m.Service.Supervisor = DefaultSupervisor
	}
	if m.Service.Sudo == nil {
		sudo := true
		m.Service.Sudo = &sudo
	}
	if m.Service.RestartTimeout == 0 {
		m.Service.RestartTimeout = DefaultRestartTimeout
	}

	// Releases defaults
	if m.Releases.Keep == 0 {
		m.Releases.Keep = DefaultKeep
	}
	if len(m.Releases.Excludes) == 0 {
		m.Releases.Excludes = append([]string(nil), DefaultExcludes...)
	}
	if m.Releases.Root != "" && m.Environment.Venv == "" {
		m.Environment.Venv = m.Releases.Root + "/venv"
	}
	if m.Releases.Archive != nil && m.Releases.Archive.Prefix == "" {
		m.Releases.Archive.Prefix = DefaultArchivePrefix
	}

	// Verify defaults
	if m.Verify.Enabled == nil {
		enabled := true
		m.Verify.Enabled = &enabled
	}
	if m.Verify.URL == "" {
		m.Verify.URL = DefaultVerifyURL
	}
	if m.Verify.ExpectStatus == 0 {
		m.Verify.ExpectStatus = 200
	}
	if m.Verify.Attempts == 0 {
		m.Verify.Attempts = DefaultVerifyAttempts
	}
	if m.Verify.Interval == 0 {
		m.Verify.Interval = DefaultVerifyInterval
	}
	if m.Verify.BackoffFactor == 0 {
		m.Verify.BackoffFactor = DefaultBackoffFactor
	}
	if m.Verify.MaxInterval == 0 {
		m.Verify.MaxInterval = DefaultVerifyMaxInterval
	}
	if m.Verify.AttemptTimeout == 0 {
		m.Verify.AttemptTimeout = DefaultVerifyAttemptTimeout
	}
	if m.Verify.Rollback == nil {
		rollback := true
		m.Verify.Rollback = &rollback
	}

	// Output defaults
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}

	// Provision defaults
	if m.Provision != nil {
		if m.Provision.InstanceType == "" {
			m.Provision.InstanceType = DefaultInstanceType
		}
		if m.Provision.Name == "" {
			m.Provision.Name = m.Service.Unit
		}
	}
}

// VerifyEnabled returns whether post-restart verification runs.
func (m *Manifest) VerifyEnabled() bool {
	if m.Verify.Enabled == nil {
		return true
	}
	return *m.Verify.Enabled
}

// RollbackEnabled returns whether a failed verify restores the previous release.
func (m *Manifest) RollbackEnabled() bool {
	if m.Verify.Rollback == nil {
		return true
	}
	return *m.Verify.Rollback
}

// RecreateEnv returns whether the venv is wiped before provisioning.
func (m *Manifest) RecreateEnv() bool {
	if m.Environment.Recreate == nil {
		return true
	}
	return *m.Environment.Recreate
}

// SudoEnabled returns whether supervisor commands run under sudo.
func (m *Manifest) SudoEnabled() bool {
	if m.Service.Sudo == nil {
		return true
	}
	return *m.Service.Sudo
}
