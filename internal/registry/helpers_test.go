package registry

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/cache"
	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

var testScope = models.Scope{AccountID: "111122223333", Region: "us-east-1", Partition: "aws"}

func mustFinding(auditor, check, resourceID string, status models.ComplianceStatus) models.Finding {
	f, err := models.NewFinding(models.FindingInput{
		Scope:    testScope,
		Auditor:  auditor,
		Check:    check,
		Resource: models.Resource{Type: "AwsTestResource", ID: resourceID},
		Status:   status,
		Severity: models.SeverityLow,
		Title:    "[TEST.1] test check",
	})
	if err != nil {
		panic(err)
	}
	return f
}

// invocationLog records which checks were invoked, in order.
type invocationLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *invocationLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *invocationLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// emitting returns a check that records its invocation and yields one
// FAILED finding per resource id.
func emitting(log *invocationLog, auditor, check string, resources ...string) CheckFunc {
	return func(ctx context.Context, c *cache.ResponseCache, scope models.Scope) iter.Seq2[models.Finding, error] {
		if log != nil {
			log.add(auditor + "/" + check)
		}
		return func(yield func(models.Finding, error) bool) {
			for _, id := range resources {
				if !yield(mustFinding(auditor, check, id, models.ComplianceFailed), nil) {
					return
				}
			}
		}
	}
}

func ids(findings []models.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.ID
	}
	return out
}
