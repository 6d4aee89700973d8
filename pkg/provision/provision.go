// Package provision launches and tags the EC2 host a service deploys to.
//
// Provisioning is idempotent on the instance Name tag: a pending or
// running instance with the configured name is reused instead of
// launching a duplicate.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/pkg/manifest"
)

// api is the EC2 surface the provisioner uses.
type api interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
}

// Instance describes the provisioned host.
type Instance struct {
	ID        string
	State     string
	PublicIP  string
	PublicDNS string

	// Reused is true when an existing instance matched the Name tag.
	Reused bool
}

// Provisioner launches deployment hosts.
type Provisioner struct {
	client api
	logger *zap.Logger

	// waitInterval and waitAttempts bound the running-state poll.
	waitInterval time.Duration
	waitAttempts int
}

// New creates a Provisioner from an EC2 client.
func New(client api, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		client:       client,
		logger:       logger,
		waitInterval: 5 * time.Second,
		waitAttempts: 24,
	}
}

// NewClient builds an EC2 client from the default AWS credential chain.
func NewClient(ctx context.Context, region, profile string) (*ec2.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("provision: load AWS config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// Provision ensures a host exists for the manifest's provision config.
//
// Existing pending/running instances with the same Name tag are reused.
// The call returns once the instance reaches the running state or the
// bounded wait is exhausted.
func (p *Provisioner) Provision(ctx context.Context, cfg *manifest.ProvisionConfig) (*Instance, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provision: config is required")
	}

	existing, err := p.findByName(ctx, cfg.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.logger.Info("reusing existing instance",
			zap.String("instance_id", existing.ID),
			zap.String("name", cfg.Name))
		existing.Reused = true
		if existing.State != string(ec2types.InstanceStateNameRunning) {
			inst, err := p.waitRunning(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			// waitRunning re-describes the instance; keep the reuse marker.
			inst.Reused = true
			return inst, nil
		}
		return existing, nil
	}

	if cfg.SecurityGroupID != "" {
		if err := p.openIngress(ctx, cfg); err != nil {
			return nil, err
		}
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(cfg.ImageID),
		InstanceType: ec2types.InstanceType(cfg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(cfg.Name)},
					{Key: aws.String("managed-by"), Value: aws.String("pushdeploy")},
				},
			},
		},
	}
	if cfg.KeyName != "" {
		input.KeyName = aws.String(cfg.KeyName)
	}
	if cfg.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{cfg.SecurityGroupID}
	}
	if cfg.SubnetID != "" {
		input.SubnetId = aws.String(cfg.SubnetID)
	}

	out, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("provision: run instance: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, fmt.Errorf("provision: run instance returned no instances")
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	p.logger.Info("instance launched",
		zap.String("instance_id", id),
		zap.String("instance_type", cfg.InstanceType),
		zap.String("image_id", cfg.ImageID))

	return p.waitRunning(ctx, id)
}

// findByName looks for a pending or running instance with the Name tag.
func (p *Provisioner) findByName(ctx context.Context, name string) (*Instance, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("provision: describe instances: %w", err)
	}

	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return toInstance(inst), nil
		}
	}
	return nil, nil
}

// waitRunning polls until the instance is running.
func (p *Provisioner) waitRunning(ctx context.Context, id string) (*Instance, error) {
	for attempt := 0; attempt < p.waitAttempts; attempt++ {
		out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{id},
		})
		if err != nil {
			return nil, fmt.Errorf("provision: describe instance %s: %w", id, err)
		}

		for _, res := range out.Reservations {
			for _, ec2inst := range res.Instances {
				inst := toInstance(ec2inst)
				switch inst.State {
				case string(ec2types.InstanceStateNameRunning):
					return inst, nil
				case string(ec2types.InstanceStateNameTerminated), string(ec2types.InstanceStateNameShuttingDown):
					return nil, fmt.Errorf("provision: instance %s entered state %s", id, inst.State)
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.waitInterval):
		}
	}
	return nil, fmt.Errorf("provision: instance %s not running after %d checks", id, p.waitAttempts)
}

// openIngress authorizes the ports the manifest asks for. Duplicate rules
// are fine; the security group already allows the traffic.
func (p *Provisioner) openIngress(ctx context.Context, cfg *manifest.ProvisionConfig) error {
	var ports []int32
	if cfg.OpenHTTP {
		ports = append(ports, 80)
	}
	if cfg.OpenSSH {
		ports = append(ports, 22)
	}

	for _, port := range ports {
		_, err := p.client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:    aws.String(cfg.SecurityGroupID),
			IpProtocol: aws.String("tcp"),
			FromPort:   aws.Int32(port),
			ToPort:     aws.Int32(port),
			CidrIp:     aws.String("0.0.0.0/0"),
		})
		if err != nil && !isDuplicateRule(err) {
			return fmt.Errorf("provision: authorize port %d: %w", port, err)
		}
	}
	return nil
}

func isDuplicateRule(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidPermission.Duplicate"
}

func toInstance(inst ec2types.Instance) *Instance {
	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	return &Instance{
		ID:        aws.ToString(inst.InstanceId),
		State:     state,
		PublicIP:  aws.ToString(inst.PublicIpAddress),
		PublicDNS: aws.ToString(inst.PublicDnsName),
	}
}
