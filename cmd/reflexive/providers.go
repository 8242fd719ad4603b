package main

import (
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"

	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/sandbox"
)

// buildSandboxProvider constructs the sandbox.Provider named by
// cfg.Sandbox.Provider. Podman needs only a local data directory; AWS and
// Azure need account credentials and image/network identifiers that spec.md
// never names (they're deployment secrets, not supervisor behavior), so
// those are sourced from environment variables here rather than from
// config.Config, mirroring how the teacher's cmd/server/main.go reads AWS/S3
// credentials straight from its own cfg fields populated by env.
func buildSandboxProvider(cfg *config.Config) (sandbox.Provider, error) {
	switch cfg.Sandbox.Provider {
	case "aws":
		return sandbox.NewAWSProvider(sandbox.AWSProviderConfig{
			Region:             os.Getenv("REFLEXIVE_AWS_REGION"),
			AccessKeyID:        os.Getenv("REFLEXIVE_AWS_ACCESS_KEY_ID"),
			SecretAccessKey:    os.Getenv("REFLEXIVE_AWS_SECRET_ACCESS_KEY"),
			AMI:                os.Getenv("REFLEXIVE_AWS_AMI"),
			InstanceType:       os.Getenv("REFLEXIVE_AWS_INSTANCE_TYPE"),
			SubnetID:           os.Getenv("REFLEXIVE_AWS_SUBNET_ID"),
			SecurityGroupID:    os.Getenv("REFLEXIVE_AWS_SECURITY_GROUP_ID"),
			IAMInstanceProfile: os.Getenv("REFLEXIVE_AWS_IAM_INSTANCE_PROFILE"),
		})
	case "azure":
		return sandbox.NewAzureProvider(sandbox.AzureProviderConfig{
			SubscriptionID: os.Getenv("REFLEXIVE_AZURE_SUBSCRIPTION_ID"),
			ResourceGroup:  os.Getenv("REFLEXIVE_AZURE_RESOURCE_GROUP"),
			Location:       os.Getenv("REFLEXIVE_AZURE_LOCATION"),
			VMSize:         os.Getenv("REFLEXIVE_AZURE_VM_SIZE"),
			ImageReference: armcompute.ImageReference{
				ID: stringPtrOrNil(os.Getenv("REFLEXIVE_AZURE_IMAGE_ID")),
			},
			SubnetID:      os.Getenv("REFLEXIVE_AZURE_SUBNET_ID"),
			AdminUsername: os.Getenv("REFLEXIVE_AZURE_ADMIN_USERNAME"),
			SSHPublicKey:  os.Getenv("REFLEXIVE_AZURE_SSH_PUBLIC_KEY"),
			KeyVaultURL:   os.Getenv("REFLEXIVE_AZURE_KEYVAULT_URL"),
		})
	case "podman", "":
		dataDir := os.Getenv("REFLEXIVE_PODMAN_DATA_DIR")
		if dataDir == "" {
			dataDir = "."
		}
		return sandbox.NewPodmanProvider(dataDir)
	default:
		return nil, fmt.Errorf("unrecognized sandbox provider %q", cfg.Sandbox.Provider)
	}
}

func stringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
