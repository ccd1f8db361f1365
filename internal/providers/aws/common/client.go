package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// ProfileConfig is a resolved AWS profile: the SDK configuration, the
// account it authenticates as and the partition that account lives in.
type ProfileConfig struct {
	// ProfileName is the name from ~/.aws/credentials or "default".
	ProfileName string

	// AccountID is the AWS account ID resolved through STS.
	AccountID string

	// Partition is derived from the profile's home region.
	Partition string

	// Region is the home region of the profile.
	Region string

	Config aws.Config

	// Clients are scoped to Region. Use a ClientPool for per-scope clients.
	Clients *ClientSet
}

// AWSClientProvider loads AWS configurations and resolves active regions.
// It is the only place credentials are read.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile.
	// Pass an empty string to load the default profile.
	LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error)

	// LoadAllProfiles returns ProfileConfigs for every usable profile found in
	// ~/.aws/credentials and ~/.aws/config.
	LoadAllProfiles(ctx context.Context) ([]*ProfileConfig, error)

	// GetActiveRegions returns the regions enabled for the profile's account.
	GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error)

	// ConfigForRegion clones cfg with the target region set.
	ConfigForRegion(cfg *ProfileConfig, region string) aws.Config
}

// ClientSource hands auditors the clients for one scope. Checks call it from
// inside their sequence, so implementations must be safe for concurrent use.
type ClientSource interface {
	For(scope models.Scope) (*ClientSet, error)
}
