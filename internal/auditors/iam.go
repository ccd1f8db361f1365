package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var (
	iamUserMFA = control{
		check:    "iam-user-mfa-check",
		title:    "[IAM.1] IAM users with console access should have MFA enabled",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "To learn how to enable MFA for IAM users refer to the Using Multi-Factor Authentication (MFA) in AWS section of the IAM User Guide",
			URL:  "https://docs.aws.amazon.com/IAM/latest/UserGuide/id_credentials_mfa_enable.html",
		},
		types:        typesBestPractice,
		requirements: reqIdentity,
	}
	iamRootMFA = control{
		check:    "iam-root-mfa-check",
		title:    "[IAM.2] The root user should have MFA enabled",
		severity: models.SeverityCritical,
		remediation: models.Remediation{
			Text: "To learn how to enable MFA for the root user refer to the Enable a virtual MFA device for your AWS account root user section of the IAM User Guide",
			URL:  "https://docs.aws.amazon.com/IAM/latest/UserGuide/enable-virt-mfa-for-root.html",
		},
		types:        typesBestPractice,
		requirements: reqIdentity,
	}
	iamRootAccessKey = control{
		check:    "iam-root-access-key-check",
		title:    "[IAM.3] The root user should not have access keys",
		severity: models.SeverityCritical,
		remediation: models.Remediation{
			Text: "Delete the root user's access keys and use IAM roles or users for programmatic access",
			URL:  "https://docs.aws.amazon.com/IAM/latest/UserGuide/id_root-user_manage_add-key.html",
		},
		types:        typesBestPractice,
		requirements: reqIdentity,
	}
)

type iamAuditor struct{ base }

func (a *iamAuditor) Checks() []registry.Check {
	return []registry.Check{
		a.check(iamUserMFA, a.userMFA),
		a.check(iamRootMFA, a.rootMFA),
		a.check(iamRootAccessKey, a.rootAccessKey),
	}
}

type userView struct {
	Name string
	ARN  string
}

func (a *iamAuditor) users(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]userView, error) {
	return cache.Fetch(ctx, c, "iam:list_users", func(ctx context.Context) ([]userView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := iam.NewListUsersPaginator(cs.IAM, &iam.ListUsersInput{})
		var out []userView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "iam", "ListUsers", func(ctx context.Context) (*iam.ListUsersOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, u := range page.Users {
				if u.UserName == nil || u.Arn == nil {
					return nil, common.Malformed("iam", "ListUsers", "user without name or ARN")
				}
				out = append(out, userView{Name: aws.ToString(u.UserName), ARN: aws.ToString(u.Arn)})
			}
		}
		return out, nil
	})
}

// hasConsoleAccess reports whether the user has a login profile. A missing
// profile is a successful "no".
func (a *iamAuditor) hasConsoleAccess(ctx context.Context, c *cache.ResponseCache, scope models.Scope, user string) (bool, error) {
	return fetch(ctx, a.base, c, "iam:login_profile:"+user, "iam", "GetLoginProfile", func(ctx context.Context) (bool, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return false, err
		}
		_, err = cs.IAM.GetLoginProfile(ctx, &iam.GetLoginProfileInput{UserName: aws.String(user)})
		if common.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	})
}

func (a *iamAuditor) mfaDevices(ctx context.Context, c *cache.ResponseCache, scope models.Scope, user string) (int, error) {
	return fetch(ctx, a.base, c, "iam:mfa_devices:"+user, "iam", "ListMFADevices", func(ctx context.Context) (int, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return 0, err
		}
		out, err := cs.IAM.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: aws.String(user)})
		if err != nil {
			return 0, err
		}
		return len(out.MFADevices), nil
	})
}

// accountSummary is shared by the root checks.
func (a *iamAuditor) accountSummary(ctx context.Context, c *cache.ResponseCache, scope models.Scope) (map[string]int32, error) {
	return fetch(ctx, a.base, c, "iam:account_summary", "iam", "GetAccountSummary", func(ctx context.Context) (map[string]int32, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		out, err := cs.IAM.GetAccountSummary(ctx, &iam.GetAccountSummaryInput{})
		if err != nil {
			return nil, err
		}
		if out.SummaryMap == nil {
			return nil, common.Malformed("iam", "GetAccountSummary", "empty SummaryMap")
		}
		return out.SummaryMap, nil
	})
}

func (a *iamAuditor) userMFA(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		users, err := a.users(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, u := range users {
			console, err := a.hasConsoleAccess(ctx, c, scope, u.Name)
			if err != nil {
				registry.SkipResource(ctx, "AwsIamUser", u.Name, err)
				continue
			}
			if !console {
				continue
			}
			devices, err := a.mfaDevices(ctx, c, scope, u.Name)
			if err != nil {
				registry.SkipResource(ctx, "AwsIamUser", u.Name, err)
				continue
			}
			status := models.CompliancePassed
			desc := fmt.Sprintf("IAM user %s has console access and %d MFA device(s).", u.Name, devices)
			if devices == 0 {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("IAM user %s has console access without MFA.", u.Name)
			}
			res := models.Resource{Type: "AwsIamUser", ID: u.ARN, Region: scope.Region}
			if !yield(a.finding(scope, iamUserMFA, res, status, desc)) {
				return
			}
		}
	}
}

func (a *iamAuditor) rootResource(scope models.Scope) models.Resource {
	return models.Resource{Type: "AwsAccount", ID: fmt.Sprintf("arn:%s:iam::%s:root", scope.Partition, scope.AccountID)}
}

func (a *iamAuditor) rootMFA(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		summary, err := a.accountSummary(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("The root user of AWS Account %s has MFA enabled.", scope.AccountID)
		if summary["AccountMFAEnabled"] == 0 {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("The root user of AWS Account %s does not have MFA enabled.", scope.AccountID)
		}
		yield(a.finding(scope, iamRootMFA, a.rootResource(scope), status, desc))
	}
}

func (a *iamAuditor) rootAccessKey(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		summary, err := a.accountSummary(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("The root user of AWS Account %s has no access keys.", scope.AccountID)
		if n := summary["AccountAccessKeysPresent"]; n > 0 {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("The root user of AWS Account %s has %d access key(s).", scope.AccountID, n)
		}
		yield(a.finding(scope, iamRootAccessKey, a.rootResource(scope), status, desc))
	}
}
