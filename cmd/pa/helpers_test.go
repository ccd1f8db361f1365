package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/configservice"
	cfgtypes "github.com/aws/aws-sdk-go-v2/service/configservice/types"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
)

// ── AWS mocks ─────────────────────────────────────────────────────────────────

type mockAWSProvider struct {
	profileResult *common.ProfileConfig
	profileErr    error
	regionsResult []string
	regionsErr    error
	lastProfile   string
}

func (m *mockAWSProvider) LoadProfile(_ context.Context, profile string) (*common.ProfileConfig, error) {
	m.lastProfile = profile
	return m.profileResult, m.profileErr
}

func (m *mockAWSProvider) LoadAllProfiles(context.Context) ([]*common.ProfileConfig, error) {
	if m.profileResult != nil {
		return []*common.ProfileConfig{m.profileResult}, nil
	}
	return nil, m.profileErr
}

func (m *mockAWSProvider) GetActiveRegions(context.Context, *common.ProfileConfig) ([]string, error) {
	return m.regionsResult, m.regionsErr
}

func (m *mockAWSProvider) ConfigForRegion(*common.ProfileConfig, string) aws.Config {
	return aws.Config{}
}

type mockConfigService struct {
	common.ConfigClient
	recording bool
}

func (m *mockConfigService) DescribeConfigurationRecorderStatus(context.Context, *configservice.DescribeConfigurationRecorderStatusInput, ...func(*configservice.Options)) (*configservice.DescribeConfigurationRecorderStatusOutput, error) {
	return &configservice.DescribeConfigurationRecorderStatusOutput{
		ConfigurationRecordersStatus: []cfgtypes.ConfigurationRecorderStatus{{Name: aws.String("default"), Recording: m.recording}},
	}, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func goodMockAWS() *mockAWSProvider {
	return &mockAWSProvider{
		profileResult: &common.ProfileConfig{
			ProfileName: "default",
			AccountID:   "123456789012",
			Partition:   "aws",
			Region:      "us-east-1",
			Config:      aws.Config{Region: "us-east-1"},
		},
		regionsResult: []string{"us-east-1", "eu-west-1"},
	}
}

func badMockAWS() *mockAWSProvider {
	return &mockAWSProvider{profileErr: errors.New("no credentials found")}
}

func factoryWith(cs *common.ClientSet) common.ClientFactory {
	return func(aws.Config) *common.ClientSet { return cs }
}

// isolate points HOME and the working directory at fresh temp dirs so no
// user config or pa.yaml leaks into the test.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// execute runs the root command with args and returns stdout, stderr and
// the command error.
func execute(t *testing.T, a *app, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmdWith(a)
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}
