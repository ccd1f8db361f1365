package auditors

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
)

type fakeIAM struct {
	common.IAMClient
	users        []string
	console      map[string]bool
	mfa          map[string]int
	summary      map[string]int32
	summaryCalls atomic.Int32
}

func (f *fakeIAM) ListUsers(context.Context, *iam.ListUsersInput, ...func(*iam.Options)) (*iam.ListUsersOutput, error) {
	out := &iam.ListUsersOutput{}
	for _, u := range f.users {
		out.Users = append(out.Users, iamtypes.User{
			UserName: aws.String(u),
			Arn:      aws.String("arn:aws:iam::111122223333:user/" + u),
		})
	}
	return out, nil
}

func (f *fakeIAM) GetLoginProfile(_ context.Context, in *iam.GetLoginProfileInput, _ ...func(*iam.Options)) (*iam.GetLoginProfileOutput, error) {
	if !f.console[aws.ToString(in.UserName)] {
		return nil, apiError("NoSuchEntity")
	}
	return &iam.GetLoginProfileOutput{}, nil
}

func (f *fakeIAM) ListMFADevices(_ context.Context, in *iam.ListMFADevicesInput, _ ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error) {
	n := f.mfa[aws.ToString(in.UserName)]
	return &iam.ListMFADevicesOutput{MFADevices: make([]iamtypes.MFADevice, n)}, nil
}

func (f *fakeIAM) GetAccountSummary(context.Context, *iam.GetAccountSummaryInput, ...func(*iam.Options)) (*iam.GetAccountSummaryOutput, error) {
	f.summaryCalls.Add(1)
	return &iam.GetAccountSummaryOutput{SummaryMap: f.summary}, nil
}

func newIAMAuditor(fake *fakeIAM) *iamAuditor {
	return &iamAuditor{base{name: "iam", deps: testDeps(&common.ClientSet{IAM: fake})}}
}

func TestIAM_UserMFA(t *testing.T) {
	fake := &fakeIAM{
		users:   []string{"alice", "bob", "ci-bot"},
		console: map[string]bool{"alice": true, "bob": true},
		mfa:     map[string]int{"alice": 1},
	}
	got := collect(t, newIAMAuditor(fake).userMFA(t.Context(), newCache(), globalScope))

	// ci-bot has no console access and is not evaluated.
	assert.Equal(t, map[string]models.ComplianceStatus{
		"arn:aws:iam::111122223333:user/alice": models.CompliancePassed,
		"arn:aws:iam::111122223333:user/bob":   models.ComplianceFailed,
	}, statuses(got))
}

func TestIAM_RootChecksShareSummary(t *testing.T) {
	fake := &fakeIAM{summary: map[string]int32{"AccountMFAEnabled": 0, "AccountAccessKeysPresent": 1}}
	a := newIAMAuditor(fake)
	c := newCache()

	mfa := collect(t, a.rootMFA(t.Context(), c, globalScope))
	keys := collect(t, a.rootAccessKey(t.Context(), c, globalScope))

	require.Len(t, mfa, 1)
	require.Len(t, keys, 1)
	assert.Equal(t, models.ComplianceFailed, mfa[0].Compliance.Status)
	assert.Equal(t, models.SeverityCritical, mfa[0].Severity)
	assert.Equal(t, models.ComplianceFailed, keys[0].Compliance.Status)
	assert.Equal(t, "arn:aws:iam::111122223333:root", keys[0].Resource.ID)
	assert.Equal(t, int32(1), fake.summaryCalls.Load())
}

func TestIAM_EmptySummaryIsMalformed(t *testing.T) {
	_, errs := drain(newIAMAuditor(&fakeIAM{}).rootMFA(t.Context(), newCache(), globalScope))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], common.ErrMalformedResponse)
}

func TestIAM_OnlyEvaluatesInGlobalRegion(t *testing.T) {
	a := newIAMAuditor(&fakeIAM{})
	for _, c := range a.Checks() {
		assert.Nil(t, c.Func(t.Context(), newCache(), regionalScope), c.Name)
	}
}
