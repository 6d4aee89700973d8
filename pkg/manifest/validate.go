package manifest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// ValidationError describes a manifest field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest validation: %s: %s", e.Field, e.Message)
}

// Validate checks the manifest for structural and semantic errors.
//
// Validate runs before defaults are applied, so only required fields and
// explicitly set values are checked.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return &ValidationError{Field: "version", Message: "is required"}
	}
	if m.Version != DefaultVersion {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %q (expected %q)", m.Version, DefaultVersion)}
	}

	if err := m.Source.validate(); err != nil {
		return err
	}
	if err := m.Service.validate(); err != nil {
		return err
	}
	if err := m.Releases.validate(); err != nil {
		return err
	}
	if err := m.Verify.validate(); err != nil {
		return err
	}
	if m.Provision != nil {
		if err := m.Provision.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SourceConfig) validate() error {
	if strings.TrimSpace(s.URL) == "" {
		return &ValidationError{Field: "source.url", Message: "is required"}
	}
	if s.Depth < -1 {
		return &ValidationError{Field: "source.depth", Message: "must be -1 (full), 0 (default), or a positive depth"}
	}
	return nil
}

func (s *ServiceConfig) validate() error {
	if strings.TrimSpace(s.Unit) == "" {
		return &ValidationError{Field: "service.unit", Message: "is required"}
	}
	if strings.ContainsAny(s.Unit, " \t/") {
		return &ValidationError{Field: "service.unit", Message: fmt.Sprintf("invalid unit name %q", s.Unit)}
	}
	if s.Supervisor != "" && s.Supervisor != "systemd" {
		return &ValidationError{Field: "service.supervisor", Message: fmt.Sprintf("unsupported supervisor %q (only systemd)", s.Supervisor)}
	}
	if s.RestartTimeout < 0 {
		return &ValidationError{Field: "service.restart_timeout", Message: "must not be negative"}
	}
	return nil
}

func (r *ReleasesConfig) validate() error {
	root := strings.TrimSpace(r.Root)
	if root == "" {
		// Without a root the release tree would materialize relative to
		// whatever directory the process happens to run in.
		return &ValidationError{Field: "releases.root", Message: "is required"}
	}
	if !filepath.IsAbs(root) {
		return &ValidationError{Field: "releases.root", Message: "must be an absolute path"}
	}
	if r.Keep < 0 {
		return &ValidationError{Field: "releases.keep", Message: "must not be negative"}
	}
	if r.Archive != nil && strings.TrimSpace(r.Archive.Bucket) == "" {
		return &ValidationError{Field: "releases.archive.bucket", Message: "is required when archive is configured"}
	}
	return nil
}

func (v *VerifyConfig) validate() error {
	if v.URL != "" {
		u, err := url.Parse(v.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Field: "verify.url", Message: fmt.Sprintf("invalid URL %q", v.URL)}
		}
	}
	if v.ExpectStatus != 0 && (v.ExpectStatus < 100 || v.ExpectStatus > 599) {
		return &ValidationError{Field: "verify.expect_status", Message: "must be a valid HTTP status"}
	}
	if v.Attempts < 0 {
		return &ValidationError{Field: "verify.attempts", Message: "must not be negative"}
	}
	if v.BackoffFactor != 0 && v.BackoffFactor < 1 {
		return &ValidationError{Field: "verify.backoff_factor", Message: "must be at least 1"}
	}
	for i, f := range v.JSONFields {
		if strings.TrimSpace(f.Path) == "" {
			return &ValidationError{Field: fmt.Sprintf("verify.json_fields[%d].path", i), Message: "is required"}
		}
	}
	return nil
}

func (p *ProvisionConfig) validate() error {
	if strings.TrimSpace(p.Region) == "" {
		return &ValidationError{Field: "provision.region", Message: "is required"}
	}
	if strings.TrimSpace(p.ImageID) == "" {
		return &ValidationError{Field: "provision.image_id", Message: "is required"}
	}
	return nil
}
