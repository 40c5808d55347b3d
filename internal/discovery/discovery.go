// Package discovery defines the service registry interface used by both
// binaries to register themselves for operator visibility and health
// checking. Neither binary calls another over RPC through this interface;
// it exists purely for ambient registration/discovery, backed either by
// Consul or, in tests, an in-memory implementation.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique instance id for registration.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%d", serviceName, rand.New(rand.NewSource(time.Now().UnixNano())).Int())
}
