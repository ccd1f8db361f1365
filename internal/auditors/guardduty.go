package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/guardduty"
	gdtypes "github.com/aws/aws-sdk-go-v2/service/guardduty/types"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var guardDutyEnabled = control{
	check:    "guardduty-enabled-check",
	title:    "[GuardDuty.1] GuardDuty should be enabled",
	severity: models.SeverityHigh,
	remediation: models.Remediation{
		Text: "To learn how to enable GuardDuty refer to the Getting started with GuardDuty section of the Amazon GuardDuty User Guide",
		URL:  "https://docs.aws.amazon.com/guardduty/latest/ug/guardduty_settingup.html",
	},
	types:        typesBestPractice,
	requirements: reqMonitoring,
}

type guardDutyAuditor struct{ base }

func (a *guardDutyAuditor) Checks() []registry.Check {
	return []registry.Check{a.check(guardDutyEnabled, a.enabled)}
}

// detectorEnabled reports whether the region has an ENABLED detector. An
// account that is not subscribed has none.
func (a *guardDutyAuditor) detectorEnabled(ctx context.Context, c *cache.ResponseCache, scope models.Scope) (bool, error) {
	return cache.Fetch(ctx, c, "guardduty:detector_status", func(ctx context.Context) (bool, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return false, err
		}
		list, err := common.Do(ctx, a.deps.Fetcher, "guardduty", "ListDetectors", func(ctx context.Context) (*guardduty.ListDetectorsOutput, error) {
			return cs.GuardDuty.ListDetectors(ctx, &guardduty.ListDetectorsInput{})
		})
		if common.IsSubscriptionRequired(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, id := range list.DetectorIds {
			det, err := common.Do(ctx, a.deps.Fetcher, "guardduty", "GetDetector", func(ctx context.Context) (*guardduty.GetDetectorOutput, error) {
				return cs.GuardDuty.GetDetector(ctx, &guardduty.GetDetectorInput{DetectorId: aws.String(id)})
			})
			if err != nil {
				return false, err
			}
			if det.Status == gdtypes.DetectorStatusEnabled {
				return true, nil
			}
		}
		return false, nil
	})
}

func (a *guardDutyAuditor) enabled(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		on, err := a.detectorEnabled(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("GuardDuty is enabled for AWS Account %s in Region %s.", scope.AccountID, scope.Region)
		if !on {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("GuardDuty is not enabled for AWS Account %s in Region %s.", scope.AccountID, scope.Region)
		}
		yield(a.finding(scope, guardDutyEnabled, accountResource(scope, true), status, desc))
	}
}
