package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/wsgate/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	sessionsKey    = "wsgate:sessions"
	totalKey       = "wsgate:sessions_total"
	instancePrefix = "wsgate:instance:"
)

// Redis is a Store that keeps the local view in memory and mirrors it to a shared Redis hash.
// Each instance advertises itself with a heartbeat key; entries left behind by instances whose
// key expired are reaped by the survivors.
type Redis struct {
	local  *Memory
	client *redis.Client
	// mu orders the local update and its Redis write, so a state update cannot land after Remove.
	mu sync.Mutex

	heartbeatInterval time.Duration
	instanceTTL       time.Duration
	opTimeout         time.Duration
}

var _ Store = (*Redis)(nil)

func NewRedis(instance, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	r := &Redis{
		local:             NewMemory(instance),
		client:            rdb,
		heartbeatInterval: 10 * time.Second,
		instanceTTL:       30 * time.Second,
		opTimeout:         2 * time.Second,
	}
	r.heartbeat()
	return r, nil
}

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

func (r *Redis) SetClosing(closing bool) { r.local.SetClosing(closing) }
func (r *Redis) SetReady(ready bool)     { r.local.SetReady(ready) }
func (r *Redis) Closing() bool           { return r.local.Closing() }
func (r *Redis) Ready() bool             { return r.local.Ready() }
func (r *Redis) List() []Info            { return r.local.List() }

func (r *Redis) Add(info Info) error {
	if info.Instance == "" {
		info.Instance = r.local.instance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.local.Add(info); err != nil {
		return err
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, sessionsKey, info.ID, data)
	pipe.Incr(ctx, totalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add session: %w", err)
	}
	return nil
}

func (r *Redis) SetState(id, state string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.local.SetState(id, state); err != nil {
		return err
	}
	info, ok := r.local.get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.HSet(ctx, sessionsKey, id, data).Err(); err != nil {
		return fmt.Errorf("redis set state: %w", err)
	}
	return nil
}

func (r *Redis) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.local.Remove(id)
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.HDel(ctx, sessionsKey, id).Err(); err != nil {
		return fmt.Errorf("redis remove session: %w", err)
	}
	return nil
}

// Stats reports local counts plus the cluster-wide session count and total. Redis failures
// degrade to the local view.
func (r *Redis) Stats() Stats {
	st := r.local.Stats()
	ctx, cancel := r.ctx()
	defer cancel()
	if n, err := r.client.HLen(ctx, sessionsKey).Result(); err != nil {
		obs.Error("redis.stats.hlen", obs.Fields{"err": err.Error()})
	} else {
		st.Cluster = int(n)
	}
	total, err := r.client.Get(ctx, totalKey).Int64()
	switch {
	case err == nil:
		st.Total = total
	case !errors.Is(err, redis.Nil):
		obs.Error("redis.stats.total", obs.Fields{"err": err.Error()})
	}
	return st
}

// Close removes this instance's sessions and heartbeat from Redis and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, cancel := r.ctx()
	defer cancel()
	list := r.local.List()
	pipe := r.client.Pipeline()
	for _, info := range list {
		pipe.HDel(ctx, sessionsKey, info.ID)
	}
	pipe.Del(ctx, instancePrefix+r.local.instance)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.close", obs.Fields{"err": err.Error()})
	}
	return r.client.Close()
}

// StartMaintenance refreshes the instance heartbeat and reaps sessions of dead instances until ctx ends.
func (r *Redis) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
			if n := r.reap(); n > 0 {
				obs.Info("registry.reaped", obs.Fields{"sessions": n})
			}
		}
	}
}

func (r *Redis) heartbeat() {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Set(ctx, instancePrefix+r.local.instance, time.Now().UTC().Format(time.RFC3339), r.instanceTTL).Err(); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "instance": r.local.instance})
	}
}

// reap deletes hash entries owned by instances without a live heartbeat key.
func (r *Redis) reap() int {
	ctx, cancel := r.ctx()
	defer cancel()
	all, err := r.client.HGetAll(ctx, sessionsKey).Result()
	if err != nil {
		obs.Error("redis.reap.scan", obs.Fields{"err": err.Error()})
		return 0
	}
	alive := map[string]bool{r.local.instance: true}
	var stale []string
	for id, raw := range all {
		var info Info
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			stale = append(stale, id)
			continue
		}
		live, checked := alive[info.Instance]
		if !checked {
			n, err := r.client.Exists(ctx, instancePrefix+info.Instance).Result()
			if err != nil {
				obs.Error("redis.reap.exists", obs.Fields{"err": err.Error(), "instance": info.Instance})
				continue
			}
			live = n > 0
			alive[info.Instance] = live
		}
		if !live {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0
	}
	if err := r.client.HDel(ctx, sessionsKey, stale...).Err(); err != nil {
		obs.Error("redis.reap.hdel", obs.Fields{"err": err.Error()})
		return 0
	}
	return len(stale)
}
