package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkesani1/stockclerk-sub001/discovery"
)

// Registry is an in-process discovery.Registry for tests and single-node
// development, where no Consul agent is available.
type Registry struct {
	sync.RWMutex
	addrs map[string]map[string]*workerInstance
}

type workerInstance struct {
	hostPort   string
	lastActive time.Time
}

func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*workerInstance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, tenantID, hostPort string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[tenantID]; !ok {
		r.addrs[tenantID] = map[string]*workerInstance{}
	}

	r.addrs[tenantID][instanceID] = &workerInstance{
		hostPort:   hostPort,
		lastActive: time.Now(),
	}

	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, tenantID string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[tenantID]; !ok {
		return nil
	}

	delete(r.addrs[tenantID], instanceID)

	return nil
}

// HealthCheck refreshes the lastActive timestamp, simulating Consul's TTL
// check renewal.
func (r *Registry) HealthCheck(instanceID, tenantID string) error {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.addrs[tenantID]; !ok {
		return errors.New("tenant worker is not registered yet")
	}

	if _, ok := r.addrs[tenantID][instanceID]; !ok {
		return errors.New("tenant worker instance is not registered yet")
	}

	r.addrs[tenantID][instanceID].lastActive = time.Now()

	return nil
}

// Discover returns every registered instance for a tenant, regardless of
// how stale its last health check is.
func (r *Registry) Discover(ctx context.Context, tenantID string) ([]string, error) {
	r.RLock()
	defer r.RUnlock()

	if len(r.addrs[tenantID]) == 0 {
		return nil, errors.New("no worker address found")
	}

	var res []string
	for _, i := range r.addrs[tenantID] {
		res = append(res, i.hostPort)
	}

	return res, nil
}

// LiveAddresses is like Discover but drops instances whose health check
// has not renewed in the last 5 seconds, simulating Consul's 5s TTL check
// turning critical and dropping the instance from passing-only lookups.
func (r *Registry) LiveAddresses(ctx context.Context, tenantID string) ([]string, error) {
	r.RLock()
	defer r.RUnlock()

	if len(r.addrs[tenantID]) == 0 {
		return nil, errors.New("no worker address found")
	}

	var res []string
	for _, i := range r.addrs[tenantID] {
		if i.lastActive.Before(time.Now().Add(-5 * time.Second)) {
			continue
		}
		res = append(res, i.hostPort)
	}

	return res, nil
}

var _ discovery.Registry = (*Registry)(nil)
