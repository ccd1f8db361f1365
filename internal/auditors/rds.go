package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var (
	rdsEncryption = control{
		check:    "rds-encryption-check",
		title:    "[RDS.1] RDS DB instances should have encryption at rest enabled",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "Encryption cannot be enabled on an existing instance. Restore an encrypted copy of a snapshot to a new instance",
			URL:  "https://docs.aws.amazon.com/AmazonRDS/latest/UserGuide/Overview.Encryption.html",
		},
		types:        typesDataExposure,
		requirements: reqDataAtRest,
	}
	rdsPublicAccess = control{
		check:    "rds-public-access-check",
		title:    "[RDS.2] RDS DB instances should prohibit public access",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "Modify the DB instance and set PubliclyAccessible to false",
			URL:  "https://docs.aws.amazon.com/AmazonRDS/latest/UserGuide/Overview.DBInstance.Modifying.html",
		},
		types:        typesDataExposure,
		requirements: reqNetworkIntegrity,
	}
)

type rdsAuditor struct{ base }

func (a *rdsAuditor) Checks() []registry.Check {
	return []registry.Check{
		a.check(rdsEncryption, a.encryption),
		a.check(rdsPublicAccess, a.publicAccess),
	}
}

type dbInstanceView struct {
	ID        string
	ARN       string
	Engine    string
	Encrypted bool
	Public    bool
}

func (v dbInstanceView) resource() models.Resource {
	return models.Resource{
		Type:    "AwsRdsDbInstance",
		ID:      v.ARN,
		Details: map[string]string{"DBInstanceIdentifier": v.ID, "Engine": v.Engine},
	}
}

func (a *rdsAuditor) instances(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]dbInstanceView, error) {
	return cache.Fetch(ctx, c, "rds:describe_db_instances", func(ctx context.Context) ([]dbInstanceView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := rds.NewDescribeDBInstancesPaginator(cs.RDS, &rds.DescribeDBInstancesInput{})
		var out []dbInstanceView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "rds", "DescribeDBInstances", func(ctx context.Context) (*rds.DescribeDBInstancesOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, db := range page.DBInstances {
				if db.DBInstanceArn == nil {
					return nil, common.Malformed("rds", "DescribeDBInstances", "instance without ARN")
				}
				out = append(out, dbInstanceView{
					ID:        aws.ToString(db.DBInstanceIdentifier),
					ARN:       aws.ToString(db.DBInstanceArn),
					Engine:    aws.ToString(db.Engine),
					Encrypted: aws.ToBool(db.StorageEncrypted),
					Public:    aws.ToBool(db.PubliclyAccessible),
				})
			}
		}
		return out, nil
	})
}

func (a *rdsAuditor) each(ctx context.Context, c *cache.ResponseCache, scope models.Scope, fn func(dbInstanceView) (models.Finding, error)) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		dbs, err := a.instances(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, db := range dbs {
			if !yield(fn(db)) {
				return
			}
		}
	}
}

func (a *rdsAuditor) encryption(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.each(ctx, c, scope, func(db dbInstanceView) (models.Finding, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("RDS DB instance %s has storage encryption enabled.", db.ID)
		if !db.Encrypted {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("RDS DB instance %s does not have storage encryption enabled.", db.ID)
		}
		return a.finding(scope, rdsEncryption, db.resource(), status, desc)
	})
}

func (a *rdsAuditor) publicAccess(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.each(ctx, c, scope, func(db dbInstanceView) (models.Finding, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("RDS DB instance %s is not publicly accessible.", db.ID)
		if db.Public {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("RDS DB instance %s is publicly accessible.", db.ID)
		}
		return a.finding(scope, rdsPublicAccess, db.resource(), status, desc)
	})
}
