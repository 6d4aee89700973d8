package jobregistry

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// identityTimeout bounds the metadata lookup so job startup on
// non-cloud hosts is not delayed by a hanging IMDS endpoint.
const identityTimeout = 2 * time.Second

// DetectHostIdentity queries the EC2 instance metadata service and
// returns a shallow host summary, or nil when the host is not an EC2
// instance or metadata is unreachable. Failures are never errors; the
// identity is informational only.
func DetectHostIdentity(ctx context.Context) *HostIdentity {
	ctx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil
	}

	client := imds.NewFromConfig(cfg)
	doc, err := client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil
	}

	return &HostIdentity{
		CloudProvider: "aws",
		Region:        doc.Region,
		InstanceID:    doc.InstanceID,
		InstanceType:  doc.InstanceType,
	}
}
