package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntor/agentcore/pkg/events"
)

// RedisConfig holds the Redis mirror connection settings
type RedisConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Address      string        `json:"address" yaml:"address"`
	Password     string        `json:"password,omitempty" yaml:"password,omitempty"`
	DB           int           `json:"db" yaml:"db"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	EventHistory int64         `json:"event_history" yaml:"event_history"`
	FinishedTTL  time.Duration `json:"finished_ttl" yaml:"finished_ttl"`
}

// DefaultRedisConfig returns default Redis mirror configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		KeyPrefix:    "agentcore:",
		EventHistory: 1000,
		FinishedTTL:  time.Hour,
	}
}

// Key layout under the configured prefix
const (
	keyPrefixAgent      = "agent:"
	keyPrefixCapability = "capability:"
	keyPrefixTask       = "task:"
	keyPrefixExecution  = "execution:"
	keyAgentSet         = "agents:all"
	keyEventLog         = "events"
)

// RedisMirror keeps a read-only snapshot of the directory and of task and
// workflow states in Redis, fed from the event stream. The in-memory
// directory stays the source of truth; the mirror lets dashboards and
// other processes observe it.
type RedisMirror struct {
	client    *redis.Client
	config    RedisConfig
	mu        sync.RWMutex
	connected bool
}

// NewRedisMirror creates an unconnected mirror
func NewRedisMirror(config RedisConfig) *RedisMirror {
	if config.EventHistory <= 0 {
		config.EventHistory = DefaultRedisConfig().EventHistory
	}
	if config.FinishedTTL <= 0 {
		config.FinishedTTL = DefaultRedisConfig().FinishedTTL
	}
	return &RedisMirror{config: config}
}

// Connect dials Redis and verifies the connection
func (r *RedisMirror) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.config.Address,
		Password: r.config.Password,
		DB:       r.config.DB,
	})
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	r.connected = true
	return nil
}

// Name implements events.Sink
func (r *RedisMirror) Name() string { return "redis" }

// Close implements events.Sink
func (r *RedisMirror) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// Write implements events.Sink by applying the event to the snapshot
func (r *RedisMirror) Write(ctx context.Context, e events.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return fmt.Errorf("redis mirror not connected")
	}

	record, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	// capabilities are needed to clean the index on removal
	var caps []string
	if e.Type == events.AgentUnregistered || e.Type == events.AgentEvicted {
		raw, err := r.client.HGet(ctx, r.agentKey(e.AgentID), "capabilities").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("failed to read agent %s: %w", e.AgentID, err)
		}
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &caps)
		}
	}

	pipe := r.client.TxPipeline()
	r.apply(ctx, pipe, e, caps)
	pipe.LPush(ctx, r.key(keyEventLog), record)
	pipe.LTrim(ctx, r.key(keyEventLog), 0, r.config.EventHistory-1)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror %s: %w", e.Type, err)
	}
	return nil
}

func (r *RedisMirror) apply(ctx context.Context, pipe redis.Pipeliner, e events.Event, caps []string) {
	stamp := e.Time.UTC().Format(time.RFC3339Nano)

	switch e.Type {
	case events.AgentRegistered:
		capsJSON, _ := json.Marshal(e.Data["capabilities"])
		pipe.HSet(ctx, r.agentKey(e.AgentID),
			"type", fmt.Sprint(e.Data["type"]),
			"capabilities", string(capsJSON),
			"status", "idle",
			"registered_at", stamp,
			"updated_at", stamp,
		)
		pipe.SAdd(ctx, r.key(keyAgentSet), e.AgentID)
		for _, c := range stringSlice(e.Data["capabilities"]) {
			pipe.SAdd(ctx, r.key(keyPrefixCapability+c), e.AgentID)
		}

	case events.AgentStatusChanged:
		pipe.HSet(ctx, r.agentKey(e.AgentID), "status", fmt.Sprint(e.Data["status"]), "updated_at", stamp)

	case events.AgentUnregistered, events.AgentEvicted:
		pipe.Del(ctx, r.agentKey(e.AgentID))
		pipe.SRem(ctx, r.key(keyAgentSet), e.AgentID)
		for _, c := range caps {
			pipe.SRem(ctx, r.key(keyPrefixCapability+c), e.AgentID)
		}

	case events.HealthAlert:
		if e.AgentID != "" {
			pipe.HSet(ctx, r.agentKey(e.AgentID), "last_alert", fmt.Sprint(e.Data["message"]), "updated_at", stamp)
		}
	}

	switch e.Type.Category() {
	case "task":
		key := r.key(keyPrefixTask + e.TaskID)
		fields := []interface{}{"state", stateOf(e.Type), "updated_at", stamp}
		if e.AgentID != "" {
			fields = append(fields, "agent", e.AgentID)
		}
		if msg, ok := e.Data["error"]; ok {
			fields = append(fields, "error", fmt.Sprint(msg))
		}
		pipe.HSet(ctx, key, fields...)
		if isFinished(e.Type) {
			pipe.Expire(ctx, key, r.config.FinishedTTL)
		}

	case "workflow":
		key := r.key(keyPrefixExecution + e.ExecutionID)
		pipe.HSet(ctx, key, "state", stateOf(e.Type), "workflow_id", fmt.Sprint(e.Data["workflow_id"]), "updated_at", stamp)
		if isFinished(e.Type) {
			pipe.Expire(ctx, key, r.config.FinishedTTL)
		}
	}
}

// Agents returns the mirrored agent ids
func (r *RedisMirror) Agents(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key(keyAgentSet)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return ids, nil
}

// AgentsWithCapability returns the mirrored ids indexed under capability
func (r *RedisMirror) AgentsWithCapability(ctx context.Context, capability string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key(keyPrefixCapability+capability)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents for %s: %w", capability, err)
	}
	return ids, nil
}

// TaskState returns the mirrored state of a task, empty when unknown
func (r *RedisMirror) TaskState(ctx context.Context, taskID string) (string, error) {
	state, err := r.client.HGet(ctx, r.key(keyPrefixTask+taskID), "state").Result()
	if err == redis.Nil {
		return "", nil
	}
	return state, err
}

func (r *RedisMirror) key(suffix string) string {
	return r.config.KeyPrefix + suffix
}

func (r *RedisMirror) agentKey(id string) string {
	return r.key(keyPrefixAgent + id)
}

// stateOf turns "task.completed" into "completed"
func stateOf(t events.Type) string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func isFinished(t events.Type) bool {
	switch t {
	case events.TaskCompleted, events.TaskFailed, events.TaskCancelled,
		events.WorkflowCompleted, events.WorkflowFailed, events.WorkflowCancelled:
		return true
	}
	return false
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, x := range vs {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
