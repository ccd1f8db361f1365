package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/service/configservice"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var configRecorder = control{
	check:    "config-recorder-check",
	title:    "[Config.1] AWS Config should be enabled and recording",
	severity: models.SeverityMedium,
	remediation: models.Remediation{
		Text: "To learn how to set up AWS Config refer to the Setting Up AWS Config with the Console section of the AWS Config Developer Guide",
		URL:  "https://docs.aws.amazon.com/config/latest/developerguide/gs-console.html",
	},
	types:        typesBestPractice,
	requirements: reqAssetManagement,
}

type configAuditor struct{ base }

func (a *configAuditor) Checks() []registry.Check {
	return []registry.Check{a.check(configRecorder, a.recorder)}
}

func (a *configAuditor) recorder(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		recording, err := fetch(ctx, a.base, c, "config:recorder_status", "config", "DescribeConfigurationRecorderStatus", func(ctx context.Context) (bool, error) {
			cs, err := a.clients(scope)
			if err != nil {
				return false, err
			}
			out, err := cs.Config.DescribeConfigurationRecorderStatus(ctx, &configservice.DescribeConfigurationRecorderStatusInput{})
			if err != nil {
				return false, err
			}
			for _, s := range out.ConfigurationRecordersStatus {
				if s.Recording {
					return true, nil
				}
			}
			return false, nil
		})
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("AWS Config is recording for AWS Account %s in Region %s.", scope.AccountID, scope.Region)
		if !recording {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("AWS Config has no active recorder for AWS Account %s in Region %s.", scope.AccountID, scope.Region)
		}
		yield(a.finding(scope, configRecorder, accountResource(scope, true), status, desc))
	}
}
