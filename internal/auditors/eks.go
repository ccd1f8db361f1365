package auditors

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var (
	eksPublicEndpoint = control{
		check:    "eks-public-endpoint-check",
		title:    "[EKS.1] EKS cluster endpoints should not be publicly accessible from anywhere",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "Disable public endpoint access or restrict it to known CIDR ranges",
			URL:  "https://docs.aws.amazon.com/eks/latest/userguide/cluster-endpoint.html",
		},
		types:        typesDataExposure,
		requirements: reqNetworkIntegrity,
	}
	eksSecretsEncryption = control{
		check:    "eks-secrets-encryption-check",
		title:    "[EKS.2] EKS clusters should use encrypted Kubernetes secrets",
		severity: models.SeverityMedium,
		remediation: models.Remediation{
			Text: "Associate a KMS key with the cluster for envelope encryption of secrets",
			URL:  "https://docs.aws.amazon.com/eks/latest/userguide/enable-kms.html",
		},
		types:        typesDataExposure,
		requirements: reqDataAtRest,
	}
)

type eksAuditor struct{ base }

func (a *eksAuditor) Checks() []registry.Check {
	return []registry.Check{
		a.check(eksPublicEndpoint, a.publicEndpoint),
		a.check(eksSecretsEncryption, a.secretsEncryption),
	}
}

type clusterView struct {
	Name             string
	ARN              string
	PublicEndpoint   bool
	OpenToWorld      bool
	SecretsEncrypted bool
}

func (a *eksAuditor) clusterNames(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]string, error) {
	return cache.Fetch(ctx, c, "eks:list_clusters", func(ctx context.Context) ([]string, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := eks.NewListClustersPaginator(cs.EKS, &eks.ListClustersInput{})
		var names []string
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "eks", "ListClusters", func(ctx context.Context) (*eks.ListClustersOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			names = append(names, page.Clusters...)
		}
		return names, nil
	})
}

func (a *eksAuditor) cluster(ctx context.Context, c *cache.ResponseCache, scope models.Scope, name string) (clusterView, error) {
	return fetch(ctx, a.base, c, "eks:describe_cluster:"+name, "eks", "DescribeCluster", func(ctx context.Context) (clusterView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return clusterView{}, err
		}
		out, err := cs.EKS.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(name)})
		if err != nil {
			return clusterView{}, err
		}
		if out.Cluster == nil {
			return clusterView{}, common.Malformed("eks", "DescribeCluster", "empty cluster")
		}
		v := clusterView{Name: name, ARN: aws.ToString(out.Cluster.Arn)}
		if vpc := out.Cluster.ResourcesVpcConfig; vpc != nil {
			v.PublicEndpoint = vpc.EndpointPublicAccess
			// An empty CIDR list on a public endpoint means the default of 0.0.0.0/0.
			v.OpenToWorld = vpc.EndpointPublicAccess &&
				(len(vpc.PublicAccessCidrs) == 0 || slices.Contains(vpc.PublicAccessCidrs, "0.0.0.0/0"))
		}
		for _, ec := range out.Cluster.EncryptionConfig {
			if slices.Contains(ec.Resources, "secrets") {
				v.SecretsEncrypted = true
			}
		}
		return v, nil
	})
}

func (a *eksAuditor) each(ctx context.Context, c *cache.ResponseCache, scope models.Scope, fn func(clusterView) (models.Finding, error)) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		names, err := a.clusterNames(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, name := range names {
			cl, err := a.cluster(ctx, c, scope, name)
			if common.IsNotFound(err) {
				continue
			}
			if err != nil {
				registry.SkipResource(ctx, "AwsEksCluster", name, err)
				continue
			}
			if !yield(fn(cl)) {
				return
			}
		}
	}
}

func (v clusterView) resource() models.Resource {
	return models.Resource{Type: "AwsEksCluster", ID: v.ARN, Details: map[string]string{"Name": v.Name}}
}

func (a *eksAuditor) publicEndpoint(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.each(ctx, c, scope, func(cl clusterView) (models.Finding, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("EKS cluster %s endpoint is private or restricted to specific CIDR ranges.", cl.Name)
		if cl.OpenToWorld {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EKS cluster %s endpoint is publicly accessible from 0.0.0.0/0.", cl.Name)
		}
		return a.finding(scope, eksPublicEndpoint, cl.resource(), status, desc)
	})
}

func (a *eksAuditor) secretsEncryption(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return a.each(ctx, c, scope, func(cl clusterView) (models.Finding, error) {
		status := models.CompliancePassed
		desc := fmt.Sprintf("EKS cluster %s encrypts Kubernetes secrets with KMS.", cl.Name)
		if !cl.SecretsEncrypted {
			status = models.ComplianceFailed
			desc = fmt.Sprintf("EKS cluster %s does not encrypt Kubernetes secrets with KMS.", cl.Name)
		}
		return a.finding(scope, eksSecretsEncryption, cl.resource(), status, desc)
	})
}
