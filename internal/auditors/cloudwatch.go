package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var cloudWatchAlarmActions = control{
	check:    "cloudwatch-alarm-actions-check",
	title:    "[CloudWatch.1] CloudWatch alarms should have actions enabled",
	severity: models.SeverityLow,
	remediation: models.Remediation{
		Text: "Enable alarm actions and configure at least one action for the ALARM state",
		URL:  "https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/AlarmThatSendsEmail.html",
	},
	types:        typesBestPractice,
	requirements: reqMonitoring,
}

type cloudWatchAuditor struct{ base }

func (a *cloudWatchAuditor) Checks() []registry.Check {
	return []registry.Check{a.check(cloudWatchAlarmActions, a.alarmActions)}
}

type alarmView struct {
	Name           string
	ARN            string
	ActionsEnabled bool
	Actions        int
}

func (a *cloudWatchAuditor) alarms(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]alarmView, error) {
	return cache.Fetch(ctx, c, "cloudwatch:describe_alarms", func(ctx context.Context) ([]alarmView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := cloudwatch.NewDescribeAlarmsPaginator(cs.CloudWatch, &cloudwatch.DescribeAlarmsInput{})
		var out []alarmView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "cloudwatch", "DescribeAlarms", func(ctx context.Context) (*cloudwatch.DescribeAlarmsOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, al := range page.MetricAlarms {
				if al.AlarmArn == nil {
					return nil, common.Malformed("cloudwatch", "DescribeAlarms", "alarm without ARN")
				}
				out = append(out, alarmView{
					Name:           aws.ToString(al.AlarmName),
					ARN:            aws.ToString(al.AlarmArn),
					ActionsEnabled: aws.ToBool(al.ActionsEnabled),
					Actions:        len(al.AlarmActions),
				})
			}
		}
		return out, nil
	})
}

func (a *cloudWatchAuditor) alarmActions(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		alarms, err := a.alarms(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, al := range alarms {
			var status models.ComplianceStatus
			var desc string
			switch {
			case !al.ActionsEnabled:
				status = models.ComplianceFailed
				desc = fmt.Sprintf("CloudWatch alarm %s has actions disabled.", al.Name)
			case al.Actions == 0:
				status = models.ComplianceFailed
				desc = fmt.Sprintf("CloudWatch alarm %s has no action for the ALARM state.", al.Name)
			default:
				status = models.CompliancePassed
				desc = fmt.Sprintf("CloudWatch alarm %s has %d action(s) enabled.", al.Name, al.Actions)
			}
			res := models.Resource{Type: "AwsCloudWatchAlarm", ID: al.ARN}
			if !yield(a.finding(scope, cloudWatchAlarmActions, res, status, desc)) {
				return
			}
		}
	}
}
