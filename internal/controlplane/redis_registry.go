// Package controlplane tracks sandbox ownership across a horizontally
// scaled pool of reflexive hosted-mode instances sharing one Redis
// deployment.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sandboxKeyPrefix = "reflexive:sandbox:"
	sandboxKeyTTL    = 30 * time.Second
	heartbeatChannel = "reflexive:sandbox:heartbeat"
	reconcileEvery   = 10 * time.Second
)

// ownerHeartbeat is published on heartbeatChannel whenever an instance
// claims or releases a sandbox, so peers update their cache faster than the
// next SCAN-based reconcile.
type ownerHeartbeat struct {
	SandboxID  string `json:"sandboxId"`
	InstanceID string `json:"instanceId"`
	Released   bool   `json:"released"`
}

// RedisSandboxRegistry tracks which reflexive instance owns each sandbox id
// in a horizontally scaled hosted deployment. It does not proxy requests
// between instances (that's the job of whatever load balancer sits in
// front of the pool) — it only answers "who owns this sandbox" so a
// misrouted request can be rejected with a useful error instead of a
// confusing 404. Grounded on the teacher's Redis-backed worker registry's
// pub/sub-plus-periodic-SCAN reconciliation shape; its gRPC worker-dialing
// half has no analogue here since MultiSandboxManager serves sandboxes
// in-process rather than over RPC to a separate worker fleet.
type RedisSandboxRegistry struct {
	rdb        *redis.Client
	instanceID string

	mu      sync.RWMutex
	owners  map[string]string // sandboxID -> instanceID
	stop    chan struct{}
	stopped bool
}

// NewRedisSandboxRegistry connects to redisURL and returns a registry that
// identifies this process as instanceID in published heartbeats.
func NewRedisSandboxRegistry(redisURL, instanceID string) (*RedisSandboxRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("controlplane: invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("controlplane: redis ping failed: %w", err)
	}

	return &RedisSandboxRegistry{
		rdb:        rdb,
		instanceID: instanceID,
		owners:     make(map[string]string),
		stop:       make(chan struct{}),
	}, nil
}

// Start begins the pub/sub subscriber and periodic reconciliation loops.
func (r *RedisSandboxRegistry) Start() {
	go r.subscribeLoop()
	go r.reconcileLoop()
}

// Register claims sandboxID for this instance under a TTL, refreshed on
// every reconcile pass, so a crashed instance's claims expire instead of
// sticking forever.
func (r *RedisSandboxRegistry) Register(ctx context.Context, sandboxID string) error {
	if err := r.rdb.Set(ctx, sandboxKeyPrefix+sandboxID, r.instanceID, sandboxKeyTTL).Err(); err != nil {
		return fmt.Errorf("controlplane: register %s: %w", sandboxID, err)
	}
	r.mu.Lock()
	r.owners[sandboxID] = r.instanceID
	r.mu.Unlock()
	r.publish(ownerHeartbeat{SandboxID: sandboxID, InstanceID: r.instanceID})
	return nil
}

// Unregister releases sandboxID, e.g. on destroy.
func (r *RedisSandboxRegistry) Unregister(ctx context.Context, sandboxID string) error {
	if err := r.rdb.Del(ctx, sandboxKeyPrefix+sandboxID).Err(); err != nil {
		return fmt.Errorf("controlplane: unregister %s: %w", sandboxID, err)
	}
	r.mu.Lock()
	delete(r.owners, sandboxID)
	r.mu.Unlock()
	r.publish(ownerHeartbeat{SandboxID: sandboxID, InstanceID: r.instanceID, Released: true})
	return nil
}

// Owner returns the instance id that owns sandboxID, from the local cache.
func (r *RedisSandboxRegistry) Owner(sandboxID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[sandboxID]
	return id, ok
}

// IsLocal reports whether this instance owns sandboxID.
func (r *RedisSandboxRegistry) IsLocal(sandboxID string) bool {
	owner, ok := r.Owner(sandboxID)
	return ok && owner == r.instanceID
}

func (r *RedisSandboxRegistry) publish(hb ownerHeartbeat) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := json.Marshal(hb)
	if err != nil {
		log.Printf("controlplane: heartbeat marshal failed for %s: %v", hb.SandboxID, err)
		return
	}
	if err := r.rdb.Publish(ctx, heartbeatChannel, payload).Err(); err != nil {
		log.Printf("controlplane: heartbeat publish failed for %s: %v", hb.SandboxID, err)
	}
}

func (r *RedisSandboxRegistry) subscribeLoop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		pubsub := r.rdb.Subscribe(context.Background(), heartbeatChannel)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					goto reconnect
				}
				r.handleMessage(msg.Payload)
			case <-r.stop:
				pubsub.Close()
				return
			}
		}
	reconnect:
		pubsub.Close()
		time.Sleep(2 * time.Second)
	}
}

func (r *RedisSandboxRegistry) handleMessage(payload string) {
	var hb ownerHeartbeat
	if err := json.Unmarshal([]byte(payload), &hb); err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if hb.Released {
		delete(r.owners, hb.SandboxID)
	} else {
		r.owners[hb.SandboxID] = hb.InstanceID
	}
}

func (r *RedisSandboxRegistry) reconcileLoop() {
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	r.reconcile()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

func (r *RedisSandboxRegistry) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(map[string]string)
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, sandboxKeyPrefix+"*", 100).Result()
		if err != nil {
			log.Printf("controlplane: reconcile scan failed: %v", err)
			return
		}
		for _, key := range keys {
			owner, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			seen[key[len(sandboxKeyPrefix):]] = owner
			if owner == r.instanceID {
				r.rdb.Expire(ctx, key, sandboxKeyTTL)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = seen
}

// Stop closes the Redis client and subscriber loops.
func (r *RedisSandboxRegistry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stop)
	r.rdb.Close()
}
