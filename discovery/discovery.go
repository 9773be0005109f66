package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Registry tracks which tenant workers are alive and where their health
// endpoint lives. The orchestrator registers a worker when it starts a
// tenant's goroutine tree and deregisters it on clean shutdown; an external
// prober can then cross-check the in-process heartbeat against this
// registry to detect a worker wedged hard enough to stop registering.
type Registry interface {
	Register(ctx context.Context, instanceID, tenantID, hostPort string) error
	Deregister(ctx context.Context, instanceID, tenantID string) error
	Discover(ctx context.Context, tenantID string) ([]string, error)
	HealthCheck(instanceID, tenantID string) error
}

// GenerateInstanceID builds a unique registry instance ID for one tenant
// worker process, e.g. "tenant-42-3f29e1b4-...".
func GenerateInstanceID(tenantID string) string {
	return fmt.Sprintf("%s-%s", tenantID, uuid.New().String())
}
