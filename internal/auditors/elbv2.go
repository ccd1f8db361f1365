package auditors

import (
	"context"
	"fmt"
	"iter"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/registry"
)

var elbv2PlaintextListener = control{
	check:    "elbv2-plaintext-listener-check",
	title:    "[ELBv2.1] Application Load Balancers should redirect HTTP requests to HTTPS",
	severity: models.SeverityMedium,
	remediation: models.Remediation{
		Text: "Add a default redirect action to HTTPS on every HTTP listener",
		URL:  "https://docs.aws.amazon.com/elasticloadbalancing/latest/application/load-balancer-listeners.html#redirect-actions",
	},
	types:        typesDataExposure,
	requirements: reqDataInTransit,
}

type elbv2Auditor struct{ base }

func (a *elbv2Auditor) Checks() []registry.Check {
	return []registry.Check{a.check(elbv2PlaintextListener, a.plaintextListener)}
}

type loadBalancerView struct {
	Name string
	ARN  string
	DNS  string
}

type listenerView struct {
	ARN            string
	Port           int32
	Plaintext      bool
	RedirectsToTLS bool
}

func (a *elbv2Auditor) applicationLoadBalancers(ctx context.Context, c *cache.ResponseCache, scope models.Scope) ([]loadBalancerView, error) {
	return cache.Fetch(ctx, c, "elbv2:describe_load_balancers", func(ctx context.Context) ([]loadBalancerView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		p := elbv2.NewDescribeLoadBalancersPaginator(cs.ELBv2, &elbv2.DescribeLoadBalancersInput{})
		var out []loadBalancerView
		for p.HasMorePages() {
			page, err := common.Do(ctx, a.deps.Fetcher, "elbv2", "DescribeLoadBalancers", func(ctx context.Context) (*elbv2.DescribeLoadBalancersOutput, error) {
				return p.NextPage(ctx)
			})
			if err != nil {
				return nil, err
			}
			for _, lb := range page.LoadBalancers {
				if lb.Type != elbv2types.LoadBalancerTypeEnumApplication {
					continue
				}
				if lb.LoadBalancerArn == nil {
					return nil, common.Malformed("elbv2", "DescribeLoadBalancers", "load balancer without ARN")
				}
				out = append(out, loadBalancerView{
					Name: aws.ToString(lb.LoadBalancerName),
					ARN:  aws.ToString(lb.LoadBalancerArn),
					DNS:  aws.ToString(lb.DNSName),
				})
			}
		}
		return out, nil
	})
}

func (a *elbv2Auditor) listeners(ctx context.Context, c *cache.ResponseCache, scope models.Scope, lbARN string) ([]listenerView, error) {
	return fetch(ctx, a.base, c, "elbv2:describe_listeners:"+lbARN, "elbv2", "DescribeListeners", func(ctx context.Context) ([]listenerView, error) {
		cs, err := a.clients(scope)
		if err != nil {
			return nil, err
		}
		out, err := cs.ELBv2.DescribeListeners(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(lbARN)})
		if err != nil {
			return nil, err
		}
		views := make([]listenerView, 0, len(out.Listeners))
		for _, l := range out.Listeners {
			views = append(views, listenerView{
				ARN:            aws.ToString(l.ListenerArn),
				Port:           aws.ToInt32(l.Port),
				Plaintext:      l.Protocol == elbv2types.ProtocolEnumHttp,
				RedirectsToTLS: redirectsToHTTPS(l.DefaultActions),
			})
		}
		return views, nil
	})
}

func redirectsToHTTPS(actions []elbv2types.Action) bool {
	for _, act := range actions {
		if act.Type == elbv2types.ActionTypeEnumRedirect && act.RedirectConfig != nil &&
			aws.ToString(act.RedirectConfig.Protocol) == "HTTPS" {
			return true
		}
	}
	return false
}

func (a *elbv2Auditor) plaintextListener(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
	return func(yield func(models.Finding, error) bool) {
		lbs, err := a.applicationLoadBalancers(ctx, c, scope)
		if err != nil {
			yield(models.Finding{}, err)
			return
		}
		for _, lb := range lbs {
			ls, err := a.listeners(ctx, c, scope, lb.ARN)
			if err != nil {
				registry.SkipResource(ctx, "AwsElbv2LoadBalancer", lb.ARN, err)
				continue
			}
			var offending []int32
			for _, l := range ls {
				if l.Plaintext && !l.RedirectsToTLS {
					offending = append(offending, l.Port)
				}
			}
			status := models.CompliancePassed
			desc := fmt.Sprintf("Application Load Balancer %s has no plaintext HTTP listener without an HTTPS redirect.", lb.Name)
			if len(offending) > 0 {
				status = models.ComplianceFailed
				desc = fmt.Sprintf("Application Load Balancer %s serves plaintext HTTP on port(s) %v without redirecting to HTTPS.", lb.Name, offending)
			}
			res := models.Resource{Type: "AwsElbv2LoadBalancer", ID: lb.ARN, Details: map[string]string{"DNSName": lb.DNS}}
			if !yield(a.finding(scope, elbv2PlaintextListener, res, status, desc)) {
				return
			}
		}
	}
}
