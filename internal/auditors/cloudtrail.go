package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var cloudTrailMultiRegion = control{
	check:    "cloudtrail-multi-region-check",
	title:    "[CloudTrail.1] At least one multi-Region CloudTrail trail should be enabled",
	severity: models.SeverityHigh,
	remediation: models.Remediation{
		Text: "To learn how to create a multi-Region trail refer to the Creating a trail section of the AWS CloudTrail User Guide",
		URL:  "https://docs.aws.amazon.com/awscloudtrail/latest/userguide/cloudtrail-create-and-update-a-trail.html",
	},
	types:        typesBestPractice,
	requirements: reqMonitoring,
}

type cloudTrailAuditor struct{ base }

func (a *cloudTrailAuditor) Checks() []registry.Check {
	return []registry.Check{a.check(cloudTrailMultiRegion, a.multiRegion)}
}

func (a *cloudTrailAuditor) multiRegion(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		trails, err := fetch(ctx, a.base, c, "cloudtrail:describe_trails", "cloudtrail", "DescribeTrails", func(ctx context.Context) ([]string, error) {
			cs, err := a.clients(scope)
			if err != nil {
				return nil, err
			}
			// Shadow trails make multi-Region trails homed elsewhere visible here.
			out, err := cs.CloudTrail.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{IncludeShadowTrails: aws.Bool(true)})
			if err != nil {
				return nil, err
			}
			var multi []string
			for _, t := range out.TrailList {
				if aws.ToBool(t.IsMultiRegionTrail) {
					multi = append(multi, aws.ToString(t.Name))
				}
			}
			return multi, nil
		})
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		status := models.CompliancePassed
		desc := fmt.Sprintf("AWS Account %s has multi-Region trail %s.", scope.AccountID, firstOr(trails, ""))
		if len(trails) == 0 {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("AWS Account %s has no multi-Region CloudTrail trail.", scope.AccountID)
		}
		yield(a.finding(scope, cloudTrailMultiRegion, accountResource(scope, false), status, desc))
	}
}

func firstOr(s []string, def string) string {
	if len(s) == 0 {
		return def
	}
	return s[0]
}
