package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	activeVersionKey = "anomaly:model:active"
	snapshotKeyFmt   = "anomaly:model:snapshot:%s"
	snapshotTTL      = 30 * 24 * time.Hour
)

// RedisRegistry stores trained forest snapshots in Redis. Training jobs
// publish with Publish; scoring processes poll the active version and
// swap their local Handle when it changes.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

// Publish stores the snapshot and marks its version active.
func (r *RedisRegistry) Publish(ctx context.Context, f *Forest, version string) error {
	if f == nil || !f.Trained() {
		return fmt.Errorf("refusing to publish untrained forest")
	}
	if version == "" {
		return fmt.Errorf("model version is required")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal forest: %w", err)
	}
	key := fmt.Sprintf(snapshotKeyFmt, version)
	if err := r.client.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("store snapshot %s: %w", version, err)
	}
	if err := r.client.Set(ctx, activeVersionKey, version, 0).Err(); err != nil {
		return fmt.Errorf("activate snapshot %s: %w", version, err)
	}
	return nil
}

// LoadActive fetches the currently active snapshot. Returns nil forest
// and empty version when no model has been published yet.
func (r *RedisRegistry) LoadActive(ctx context.Context) (*Forest, string, error) {
	version, err := r.client.Get(ctx, activeVersionKey).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read active version: %w", err)
	}
	data, err := r.client.Get(ctx, fmt.Sprintf(snapshotKeyFmt, version)).Bytes()
	if err != nil {
		return nil, "", fmt.Errorf("read snapshot %s: %w", version, err)
	}
	var f Forest
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("decode snapshot %s: %w", version, err)
	}
	return &f, version, nil
}

// Refresh loads the active snapshot into the handle once it differs
// from the one currently held.
func (r *RedisRegistry) Refresh(ctx context.Context, h *Handle) error {
	_, held := h.ActiveForest()
	f, version, err := r.LoadActive(ctx)
	if err != nil {
		return err
	}
	if f == nil || version == held {
		return nil
	}
	h.Swap(f, version)
	return nil
}

// Watch polls the registry at the given interval and swaps the handle
// when a new version is published. Errors are logged and the next tick
// retries; scoring keeps reading the snapshot it already holds.
func (r *RedisRegistry) Watch(ctx context.Context, h *Handle, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx, h); err != nil {
				log.Printf("[anomaly] model refresh failed: %v", err)
			}
		}
	}
}
