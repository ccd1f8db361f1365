package auditors

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var (
	fixedNow      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	globalScope   = models.Scope{AccountID: "111122223333", Region: "us-east-1", Partition: "aws"}
	regionalScope = models.Scope{AccountID: "111122223333", Region: "eu-west-1", Partition: "aws"}
)

// fakeSource hands out the same client set for every scope and remembers
// the regions it was asked for.
type fakeSource struct {
	cs *common.ClientSet

	mu      sync.Mutex
	regions []string
}

func (f *fakeSource) For(scope models.Scope) (*common.ClientSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions = append(f.regions, scope.Region)
	return f.cs, nil
}

func testDeps(cs *common.ClientSet) Deps {
	return Deps{Clients: &fakeSource{cs: cs}, Now: func() time.Time { return fixedNow }}
}

type staticParams map[string]float64

func (p staticParams) Threshold(_ registry.Identity, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// collect drains seq, failing the test on any yielded error.
func collect(t *testing.T, seq iter.Seq2[models.Finding, error]) []models.Finding {
	t.Helper()
	var out []models.Finding
	if seq == nil {
		return nil
	}
	for f, err := range seq {
		if err != nil {
			t.Fatalf("unexpected check error: %v", err)
		}
		out = append(out, f)
	}
	return out
}

// drain returns findings and errors without failing.
func drain(seq iter.Seq2[models.Finding, error]) ([]models.Finding, []error) {
	var out []models.Finding
	var errs []error
	if seq == nil {
		return nil, nil
	}
	for f, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, f)
	}
	return out, errs
}

func statuses(findings []models.Finding) map[string]models.ComplianceStatus {
	out := make(map[string]models.ComplianceStatus, len(findings))
	for _, f := range findings {
		out[f.Resource.ID] = f.Compliance.Status
	}
	return out
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func newCache() *cache.ResponseCache { return cache.New() }

// ── ec2 ───────────────────────────────────────────────────────────────────────

type fakeEC2 struct {
	common.EC2Client
	instances      *ec2.DescribeInstancesOutput
	images         map[string]*ec2.DescribeImagesOutput
	imageErr       error
	volumes        *ec2.DescribeVolumesOutput
	groups         *ec2.DescribeSecurityGroupsOutput
	serialConsole  bool
	imageCalls     atomic.Int32
	instancesCalls atomic.Int32
}

func (f *fakeEC2) DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.instancesCalls.Add(1)
	if f.instances == nil {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return f.instances, nil
}

func (f *fakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.imageCalls.Add(1)
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	if out, ok := f.images[in.ImageIds[0]]; ok {
		return out, nil
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (f *fakeEC2) DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if f.volumes == nil {
		return &ec2.DescribeVolumesOutput{}, nil
	}
	return f.volumes, nil
}

func (f *fakeEC2) DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if f.groups == nil {
		return &ec2.DescribeSecurityGroupsOutput{}, nil
	}
	return f.groups, nil
}

func (f *fakeEC2) GetSerialConsoleAccessStatus(context.Context, *ec2.GetSerialConsoleAccessStatusInput, ...func(*ec2.Options)) (*ec2.GetSerialConsoleAccessStatusOutput, error) {
	v := f.serialConsole
	return &ec2.GetSerialConsoleAccessStatusOutput{SerialConsoleAccessEnabled: &v}, nil
}
