package common

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/pankaj-dahiya-devops/posture-auditor/internal/models"
)

// ErrUnknownAccount is returned by ClientPool.For for an account that was
// never registered.
var ErrUnknownAccount = errors.New("account not registered with client pool")

// ClientPool builds and memoises one ClientSet per (account, region). It is
// the production ClientSource.
type ClientPool struct {
	factory ClientFactory

	mu       sync.Mutex
	accounts map[string]aws.Config
	clients  map[string]*ClientSet
}

// NewClientPool returns an empty pool that creates clients with f.
func NewClientPool(f ClientFactory) *ClientPool {
	return &ClientPool{
		factory:  f,
		accounts: make(map[string]aws.Config),
		clients:  make(map[string]*ClientSet),
	}
}

// Register makes the profile's account available to For. Registering the
// same account twice keeps the first profile.
func (p *ClientPool) Register(profile *ProfileConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[profile.AccountID]; ok {
		return
	}
	p.accounts[profile.AccountID] = profile.Config
}

// Accounts returns the registered account IDs, sorted.
func (p *ClientPool) Accounts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.accounts))
	for id := range p.accounts {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// For returns the clients for the scope's account and region.
func (p *ClientPool) For(scope models.Scope) (*ClientSet, error) {
	key := scope.AccountID + "/" + scope.Region

	p.mu.Lock()
	defer p.mu.Unlock()
	if cs, ok := p.clients[key]; ok {
		return cs, nil
	}
	cfg, ok := p.accounts[scope.AccountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, scope.AccountID)
	}
	cfg.Region = scope.Region
	cs := p.factory(cfg)
	p.clients[key] = cs
	return cs, nil
}
