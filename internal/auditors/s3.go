package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var (
	s3PublicPolicy = control{
		check:    "s3-bucket-public-policy-check",
		title:    "[S3.1] S3 buckets should not have a public bucket policy",
		severity: models.SeverityHigh,
		remediation: models.Remediation{
			Text: "Remove public principals from the bucket policy and enable S3 Block Public Access",
			URL:  "https://docs.aws.amazon.com/AmazonS3/latest/userguide/access-control-block-public-access.html",
		},
		types:        typesDataExposure,
		requirements: reqAccessControl,
	}
	s3Encryption = control{
		check:    "s3-bucket-encryption-check",
		title:    "[S3.2] S3 buckets should have default server-side encryption configured",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "To learn how to configure default encryption refer to the Setting default server-side encryption behavior section of the Amazon S3 User Guide",
			URL:  "https://docs.aws.amazon.com/AmazonS3/latest/userguide/bucket-encryption.html",
		},
		types:        typesDataExposure,
		requirements: reqDataAtRest,
	}
)

type s3Auditor struct{ base }

func (a *s3Auditor) Checks() []registry.Check {
	return []registry.Check{
		a.check(s3PublicPolicy, a.publicPolicy),
		a.check(s3Encryption, a.encryption),
	}
}

type bucketView struct {
	Name   string
	Region string
}

func (b bucketView) resource(partition string) models.Resource {
	return models.Resource{
		Type:   "AwsS3Bucket",
		ID:     fmt.Sprintf("arn:%s:s3:::%s", partition, b.Name),
		Region: b.Region,
	}
}

func (a *s3Auditor) buckets(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]bucketView, error) {
	return cache.Fetch(ctx, c, "s3:list_buckets", func(ctx context.Context) ([]bucketView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := s3.NewListBucketsPaginator(cs.S3, &s3.ListBucketsInput{})
		var out []bucketView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "s3", "ListBuckets", func(ctx context.Context) (*s3.ListBucketsOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, b := range page.Buckets {
				if b.Name == nil {
					return nil, common.Malformed("s3", "ListBuckets", "bucket without name")
				}
				region := aws.ToString(b.BucketRegion)
				if region == "" {
					region = scope.Region
				}
				out = append(out, bucketView{Name: aws.ToString(b.Name), Region: region})
			}
		}
		return out, nil
	})
}

// bucketClients returns clients in the bucket's home region so bucket calls
// are not redirected.
func (a *s3Auditor) bucketClients(scope models.Scope, b bucketView) (*common.ClientSet, error) {
	return a.clients(models.Scope{AccountID: scope.AccountID, Region: b.Region, Partition: scope.Partition})
}

func (a *s3Auditor) publicPolicy(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		buckets, err := a.buckets(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, b := range buckets {
			public, err := fetch(ctx, a.base, c, "s3:policy_status:"+b.Name, "s3", "GetBucketPolicyStatus", func(ctx context.Context) (bool, error) {
				cs, err := a.bucketClients(scope, b)
				if err != nil {
					return false, err
				}
				out, err := cs.S3.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{Bucket: aws.String(b.Name)})
				if common.IsNotFound(err) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				return out.PolicyStatus != nil && aws.ToBool(out.PolicyStatus.IsPublic), nil
			})
			if err != nil {
				registry.SkipResource(ctx, "AwsS3Bucket", b.Name, err)
				continue
			}
			status := models.CompliancePassed
			desc := fmt.Sprintf("S3 bucket %s does not have a public bucket policy.", b.Name)
			if public {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("S3 bucket %s has a bucket policy that grants public access.", b.Name)
			}
			if !yield(a.finding(scope, s3PublicPolicy, b.resource(scope.Partition), status, desc)) {
				return
			}
		}
	}
}

func (a *s3Auditor) encryption(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	if !onGlobalRegion(scope) {
		return nil
	}
	return func(yield func(models.Finding, error) bool) {
		buckets, err := a.buckets(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, b := range buckets {
			encrypted, err := fetch(ctx, a.base, c, "s3:encryption:"+b.Name, "s3", "GetBucketEncryption", func(ctx context.Context) (bool, error) {
				cs, err := a.bucketClients(scope, b)
				if err != nil {
					return false, err
				}
				out, err := cs.S3.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(b.Name)})
				if common.IsNotFound(err) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				return out.ServerSideEncryptionConfiguration != nil && len(out.ServerSideEncryptionConfiguration.Rules) > 0, nil
			})
			if err != nil {
				registry.SkipResource(ctx, "AwsS3Bucket", b.Name, err)
				continue
			}
			status := models.CompliancePassed
			desc := fmt.Sprintf("S3 bucket %s has default server-side encryption configured.", b.Name)
			if !encrypted {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("S3 bucket %s has no default server-side encryption configuration.", b.Name)
			}
			if !yield(a.finding(scope, s3Encryption, b.resource(scope.Partition), status, desc)) {
				return
			}
		}
	}
}
