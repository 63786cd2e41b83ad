package fanout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	instancesKey           = "collab:instances"
	instanceKeyPrefix      = "collab:instance:"
	defaultHeartbeat       = 10 * time.Second
	heartbeatTTLMultiplier = 3
)

// RegistryConfig wires the instance registry.
type RegistryConfig struct {
	Client     redis.UniversalClient
	InstanceID string
	Heartbeat  time.Duration
	Logger     *zap.Logger
}

// Registry advertises this instance and lists the live ones. An instance is live while its
// heartbeat key exists.
type Registry struct {
	client     redis.UniversalClient
	instanceID string
	heartbeat  time.Duration
	logger     *zap.Logger
}

// NewRegistry validates the configuration and constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.InstanceID == "" {
		return nil, errMissingInstance
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{client: cfg.Client, instanceID: cfg.InstanceID, heartbeat: heartbeat, logger: logger}, nil
}

// InstanceID returns the registered identifier.
func (registry *Registry) InstanceID() string {
	return registry.instanceID
}

// Register adds the instance to the registry and writes the first heartbeat.
func (registry *Registry) Register(ctx context.Context) error {
	pipeline := registry.client.TxPipeline()
	pipeline.SAdd(ctx, instancesKey, registry.instanceID)
	pipeline.Set(ctx, instanceKeyPrefix+registry.instanceID, time.Now().UTC().Unix(), registry.ttl())
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("registry register: %w", err)
	}
	return nil
}

// Heartbeat refreshes the liveness key.
func (registry *Registry) Heartbeat(ctx context.Context) error {
	return registry.Register(ctx)
}

// Deregister removes the instance immediately.
func (registry *Registry) Deregister(ctx context.Context) error {
	pipeline := registry.client.TxPipeline()
	pipeline.SRem(ctx, instancesKey, registry.instanceID)
	pipeline.Del(ctx, instanceKeyPrefix+registry.instanceID)
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("registry deregister: %w", err)
	}
	return nil
}

// Live lists instances with a current heartbeat, sorted, pruning dead members from the set.
func (registry *Registry) Live(ctx context.Context) ([]string, error) {
	members, err := registry.client.SMembers(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("registry members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	pipeline := registry.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for index, member := range members {
		checks[index] = pipeline.Exists(ctx, instanceKeyPrefix+member)
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return nil, fmt.Errorf("registry liveness: %w", err)
	}
	live := make([]string, 0, len(members))
	dead := make([]any, 0)
	for index, member := range members {
		if checks[index].Val() > 0 {
			live = append(live, member)
			continue
		}
		dead = append(dead, member)
	}
	if len(dead) > 0 {
		if err := registry.client.SRem(ctx, instancesKey, dead...).Err(); err != nil {
			registry.logger.Warn("registry prune failed", zap.Error(err))
		}
	}
	sort.Strings(live)
	return live, nil
}

// IsLeader reports whether this instance is the advisory leader for key. With no live instances
// every caller is considered the leader.
func (registry *Registry) IsLeader(ctx context.Context, key string) bool {
	live, err := registry.Live(ctx)
	if err != nil {
		registry.logger.Debug("leader lookup failed", zap.Error(err))
		return true
	}
	leader := PickLeader(live, key)
	return leader == "" || leader == registry.instanceID
}

// Start registers and then heartbeats until ctx is done, deregistering on the way out.
func (registry *Registry) Start(ctx context.Context) {
	if err := registry.Register(ctx); err != nil {
		registry.logger.Warn("instance registration failed", zap.Error(err))
	}
	ticker := time.NewTicker(registry.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := registry.Deregister(context.WithoutCancel(ctx)); err != nil {
				registry.logger.Warn("instance deregistration failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := registry.Heartbeat(ctx); err != nil {
				registry.logger.Warn("instance heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (registry *Registry) ttl() time.Duration {
	return registry.heartbeat * heartbeatTTLMultiplier
}
