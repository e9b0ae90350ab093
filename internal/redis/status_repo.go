// Package redis mirrors stream status and lifecycle events into Redis so
// dashboards and other processes can read them without calling the daemon.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edirooss/restreamd/internal/supervisor"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	LivenessLive = "Live"
	LivenessDead = "Dead"

	// MaxEvents is how many events are kept per stream.
	MaxEvents = 100

	streamIDsKey = "restreamd:streams" // SET of stream IDs with a status key
)

func statusKey(id string) string { return "restreamd:stream:" + id + ":status" }
func eventsKey(id string) string { return "restreamd:stream:" + id + ":events" }

// StreamStatus mirrors the JSON stored at restreamd:stream:<id>:status.
//
//	{
//	  "liveness": "Dead" | "Live",
//	  "state": "RUNNING",
//	  ...
//	  "timestamp": 0
//	}
type StreamStatus struct {
	Liveness     string `json:"liveness"`
	State        string `json:"state"`
	Backend      string `json:"backend,omitempty"`
	Attempt      int    `json:"attempt"`
	PID          int    `json:"pid,omitempty"`
	RestartCount int    `json:"restart_count"`
	LastError    string `json:"last_error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// NewStreamStatus projects a supervisor status onto the stored shape.
func NewStreamStatus(st supervisor.Status) StreamStatus {
	liveness := LivenessDead
	if st.State == supervisor.StateRunning {
		liveness = LivenessLive
	}
	return StreamStatus{
		Liveness:     liveness,
		State:        string(st.State),
		Backend:      string(st.Backend),
		Attempt:      st.Attempt,
		PID:          st.PID,
		RestartCount: st.RestartCount,
		LastError:    st.LastError,
		Timestamp:    st.UpdatedAt.Unix(),
	}
}

// StatusRepository deals with keys restreamd:stream:<id>:*
type StatusRepository struct {
	client *Client
	log    *zap.Logger
}

func NewStatusRepository(log *zap.Logger, client *Client) *StatusRepository {
	return &StatusRepository{
		log:    log.Named("status_repo"),
		client: client,
	}
}

// SaveStatus overwrites the status of id and indexes it.
func (r *StatusRepository) SaveStatus(ctx context.Context, id string, st StreamStatus) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, statusKey(id), payload, 0)
	pipe.SAdd(ctx, streamIDsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// AppendEvent pushes ev onto the stream's capped event list.
func (r *StatusRepository) AppendEvent(ctx context.Context, ev supervisor.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	key := eventsKey(ev.StreamID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, MaxEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Events returns up to n of id's most recent events, newest first.
func (r *StatusRepository) Events(ctx context.Context, id string, n int) ([]supervisor.Event, error) {
	if n <= 0 || n > MaxEvents {
		n = MaxEvents
	}
	vals, err := r.client.LRange(ctx, eventsKey(id), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	out := make([]supervisor.Event, 0, len(vals))
	for _, raw := range vals {
		var ev supervisor.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			r.log.Warn("bad event json", zap.String("stream_id", id), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// GetStatus returns redis.Nil (wrapped) if id has no status.
func (r *StatusRepository) GetStatus(ctx context.Context, id string) (*StreamStatus, error) {
	raw, err := r.client.Get(ctx, statusKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	var st StreamStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &st, nil
}

// BulkStatus fetches the status of all ids in one MGET. Missing keys are ignored.
func (r *StatusRepository) BulkStatus(ctx context.Context, ids []string) (map[string]*StreamStatus, error) {
	out := make(map[string]*StreamStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, statusKey(id))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget status: %w", err)
	}

	for i, v := range vals {
		if v == nil {
			continue // key missing
		}
		raw, ok := v.(string)
		if !ok {
			r.log.Warn("unexpected redis type for status", zap.Any("type", v))
			continue
		}
		var st StreamStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			r.log.Warn("bad status json", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out[ids[i]] = &st
	}
	return out, nil
}

// IDs lists every stream with a stored status.
func (r *StatusRepository) IDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, streamIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	return ids, nil
}

// Delete removes every key of id.
func (r *StatusRepository) Delete(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, statusKey(id), eventsKey(id))
	pipe.SRem(ctx, streamIDsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// ReconcileStale marks every Live status as Dead. It runs at boot, before
// any session exists, so a Live status can only be left over from a
// previous run. It returns the number of statuses changed.
func (r *StatusRepository) ReconcileStale(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.IDs(ctx)
	if err != nil {
		return 0, err
	}
	statuses, err := r.BulkStatus(ctx, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	for id, st := range statuses {
		if st.Liveness != LivenessLive {
			continue
		}
		st.Liveness = LivenessDead
		st.State = string(supervisor.StateStopped)
		st.PID = 0
		st.LastError = "daemon restarted"
		st.Timestamp = now.Unix()
		if err := r.SaveStatus(ctx, id, *st); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Info("marked stale statuses dead", zap.Int("count", n))
	}
	return n, nil
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
