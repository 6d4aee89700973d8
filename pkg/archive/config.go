// Package archive uploads activated releases to S3 for retention.
package archive

// Config configures the release archive destination.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  2. Shared credentials file (~/.aws/credentials)
//  3. Shared config file (~/.aws/config) with profile
//  4. EC2 instance metadata / ECS task role / EKS IRSA
//
// For S3-compatible stores (Wasabi, MinIO, DigitalOcean Spaces), set
// Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region.
	// Defaults to us-east-1 if not specified via config or environment.
	Region string

	// Prefix is the key prefix for uploaded archives, e.g. "releases/".
	Prefix string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	// Leave empty for AWS S3.
	Endpoint string

	// Profile is the AWS profile name to use from shared config.
	// Leave empty to use the default profile or environment credentials.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	// Leave empty to use the default credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "archive config: " + e.Field + ": " + e.Message
}
