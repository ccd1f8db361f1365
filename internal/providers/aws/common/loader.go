package common

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gopkg.in/ini.v1"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/version"
)

// notOptedIn is the DescribeRegions OptInStatus of a disabled opt-in region.
const notOptedIn = "not-opted-in"

// DefaultAWSClientProvider is the production AWSClientProvider. It reads the
// shared config and credentials files through the SDK default chain.
type DefaultAWSClientProvider struct {
	factory ClientFactory

	// loadConfig is swapped in tests to avoid touching ~/.aws.
	loadConfig func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error)
}

// NewDefaultAWSClientProvider returns a provider backed by the real AWS SDK.
func NewDefaultAWSClientProvider() *DefaultAWSClientProvider {
	return NewDefaultAWSClientProviderWithFactory(NewClientSet)
}

// NewDefaultAWSClientProviderWithFactory returns a provider that uses f to
// create its ClientSet. Pass a mock factory in tests.
func NewDefaultAWSClientProviderWithFactory(f ClientFactory) *DefaultAWSClientProvider {
	return &DefaultAWSClientProvider{factory: f, loadConfig: awsconfig.LoadDefaultConfig}
}

// LoadProfile loads the SDK config for the named profile and resolves the
// account ID and partition. Pass an empty string for the default profile.
func (p *DefaultAWSClientProvider) LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error) {
	name, ver := version.UserAgent()
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithAppID(name + "/" + ver)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}

	cfg, err := p.loadConfig(ctx, opts...)
	if err != nil {
		name := profileDisplayName(profile)
		return nil, fmt.Errorf("load AWS profile %q: %w", name, err)
	}

	if cfg.Region == "" {
		cfg.Region = GlobalRegion(PartitionAWS)
	}

	clients := p.factory(cfg)

	accountID, err := resolveAccountID(ctx, clients.STS)
	if err != nil {
		return nil, fmt.Errorf("resolve account ID for profile %q: %w", profileDisplayName(profile), err)
	}

	return &ProfileConfig{
		ProfileName: profileDisplayName(profile),
		AccountID:   accountID,
		Partition:   PartitionForRegion(cfg.Region),
		Region:      cfg.Region,
		Config:      cfg,
		Clients:     clients,
	}, nil
}

// LoadAllProfiles loads every profile defined in ~/.aws/credentials and
// ~/.aws/config. Profiles that fail to load are logged and skipped.
func (p *DefaultAWSClientProvider) LoadAllProfiles(ctx context.Context) ([]*ProfileConfig, error) {
	names, err := discoverProfileNames()
	if err != nil {
		return nil, fmt.Errorf("discover AWS profiles: %w", err)
	}

	var profiles []*ProfileConfig
	for _, name := range names {
		// LoadProfile uses an empty string for the default profile.
		arg := ""
		if name != "default" {
			arg = name
		}

		pc, loadErr := p.LoadProfile(ctx, arg)
		if loadErr != nil {
			zerolog.Ctx(ctx).Warn().Err(loadErr).Str("profile", name).Msg("skipping profile")
			continue
		}
		profiles = append(profiles, pc)
	}

	if len(profiles) == 0 {
		return nil, fmt.Errorf("no usable AWS profiles among %d discovered", len(names))
	}
	return profiles, nil
}

// GetActiveRegions returns the regions enabled for the account behind cfg.
// Regions reported as not-opted-in are dropped even if the API returns them.
func (p *DefaultAWSClientProvider) GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error) {
	out, err := cfg.Clients.EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe regions for profile %q: %w", cfg.ProfileName, err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName == nil || aws.ToString(r.OptInStatus) == notOptedIn {
			continue
		}
		regions = append(regions, *r.RegionName)
	}
	return regions, nil
}

// ConfigForRegion returns a copy of cfg.Config with Region set to region.
func (p *DefaultAWSClientProvider) ConfigForRegion(cfg *ProfileConfig, region string) aws.Config {
	regional := cfg.Config
	regional.Region = region
	return regional
}

// profileDisplayName returns a human-readable profile identifier. An empty
// string (the default profile) is shown as "default".
func profileDisplayName(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}

// resolveAccountID returns the account behind the loaded credentials.
func resolveAccountID(ctx context.Context, stsClient STSClient) (string, error) {
	out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("STS GetCallerIdentity: %w", err)
	}
	if out.Account == nil {
		return "", fmt.Errorf("STS GetCallerIdentity: %w: nil account", ErrMalformedResponse)
	}
	return aws.ToString(out.Account), nil
}

// discoverProfileNames returns the deduplicated profile names from the shared
// credentials and config files. AWS_SHARED_CREDENTIALS_FILE and
// AWS_CONFIG_FILE override the default locations.
func discoverProfileNames() ([]string, error) {
	credPath, cfgPath := os.Getenv("AWS_SHARED_CREDENTIALS_FILE"), os.Getenv("AWS_CONFIG_FILE")
	if credPath == "" || cfgPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		if credPath == "" {
			credPath = filepath.Join(home, ".aws", "credentials")
		}
		if cfgPath == "" {
			cfgPath = filepath.Join(home, ".aws", "config")
		}
	}

	credProfiles, err := parseProfilesFromFile(credPath, false)
	if err != nil {
		return nil, err
	}
	// Non-default sections in the config file read "[profile name]".
	cfgProfiles, err := parseProfilesFromFile(cfgPath, true)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(lo.Compact(append(credProfiles, cfgProfiles...))), nil
}

// parseProfilesFromFile returns the profile sections of a shared config or
// credentials file in file order. A missing file yields no names and no error.
func parseProfilesFromFile(path string, stripProfilePrefix bool) ([]string, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{SkipUnrecognizableLines: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var profiles []string
	for _, section := range f.Sections() {
		name := section.Name()
		switch {
		case name == ini.DefaultSection:
			continue
		case strings.HasPrefix(name, "sso-session "), strings.HasPrefix(name, "services "):
			continue
		}
		if stripProfilePrefix {
			name = strings.TrimPrefix(name, "profile ")
		}
		profiles = append(profiles, strings.TrimSpace(name))
	}
	return profiles, nil
}
