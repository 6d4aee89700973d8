package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	errwrap "github.com/galadon/pushdeploy/internal/errors"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/manifest"
	"github.com/galadon/pushdeploy/pkg/provision"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the deployment host on EC2",
	Long: `Provision the deployment host described by the manifest's provision
section.

Provisioning is idempotent on the instance Name tag: an existing
pending or running instance with the same name is reused instead of
launching a duplicate.

Examples:
  pushdeploy provision --job deploy.yaml
  pushdeploy provision --job deploy.yaml --dry-run`,
	RunE: runProvision,
}

var (
	provisionJobPath string
	provisionDryRun  bool
)

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().StringVarP(&provisionJobPath, "job", "j", "", "Path to deploy manifest (required)")
	_ = provisionCmd.MarkFlagRequired("job")
	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false, "Print the provisioning plan without calling AWS")
}

func runProvision(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(provisionJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}
	if m.Provision == nil {
		return exitError(foundry.ExitInvalidArgument, "Manifest has no provision section",
			fmt.Errorf("add a provision block with region and image_id"))
	}

	if provisionDryRun {
		printProvisionPlan(m.Provision)
		return nil
	}

	client, err := provision.NewClient(ctx, m.Provision.Region, "")
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot create EC2 client",
			errwrap.NewExternalServiceError("ec2", err))
	}

	p := provision.New(client, observability.CLILogger)
	inst, err := p.Provision(ctx, m.Provision)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Provisioning failed",
			errwrap.NewExternalServiceError("ec2", err))
	}

	_, _ = fmt.Fprintf(os.Stdout, "instance_id=%s\n", inst.ID)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", inst.State)
	if inst.PublicIP != "" {
		_, _ = fmt.Fprintf(os.Stdout, "public_ip=%s\n", inst.PublicIP)
	}
	if inst.PublicDNS != "" {
		_, _ = fmt.Fprintf(os.Stdout, "public_dns=%s\n", inst.PublicDNS)
	}
	_, _ = fmt.Fprintf(os.Stdout, "reused=%t\n", inst.Reused)
	return nil
}

// printProvisionPlan prints what provisioning would do without calling AWS.
func printProvisionPlan(pc *manifest.ProvisionConfig) {
	fmt.Printf("Provision plan (dry run):\n")
	fmt.Printf("  Region:         %s\n", pc.Region)
	fmt.Printf("  Image:          %s\n", pc.ImageID)
	fmt.Printf("  Instance type:  %s\n", pc.InstanceType)
	fmt.Printf("  Name tag:       %s\n", pc.Name)
	if pc.KeyName != "" {
		fmt.Printf("  Key pair:       %s\n", pc.KeyName)
	}
	if pc.SecurityGroupID != "" {
		ports := "none"
		switch {
		case pc.OpenHTTP && pc.OpenSSH:
			ports = "80, 22"
		case pc.OpenHTTP:
			ports = "80"
		case pc.OpenSSH:
			ports = "22"
		}
		fmt.Printf("  Security group: %s (open ports: %s)\n", pc.SecurityGroupID, ports)
	}
	if pc.SubnetID != "" {
		fmt.Printf("  Subnet:         %s\n", pc.SubnetID)
	}
	fmt.Printf("\nExisting pending/running instances with the Name tag are reused.\n")
	fmt.Printf("No AWS calls made.\n")
}
