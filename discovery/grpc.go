package discovery

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// HealthConnection discovers the live instances of a tenant worker's health
// endpoint and dials one at random, with OpenTelemetry stats propagation
// wired in so the resulting health probes show up in the same traces as the
// sync pipeline they are checking on. Used by the admin health prober, not
// by the sync pipeline itself: tenant workers never call each other over
// gRPC, they talk through the job queue and the event bus.
func HealthConnection(ctx context.Context, tenantID string, registry Registry) (*grpc.ClientConn, error) {
	addrs, err := registry.Discover(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no live instances found for tenant %s", tenantID)
	}

	log.Printf("discovered %d instance(s) of tenant %s", len(addrs), tenantID)

	selectedAddr := addrs[rand.Intn(len(addrs))]

	return grpc.DialContext(
		ctx,
		selectedAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}
