package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/schemacollab/liveshare-core/internal/v1/logging"
	"github.com/schemacollab/liveshare-core/internal/v1/metrics"
)

// snapshotsToKeep mirrors the default server-side retention trim; the
// session-level SnapshotsToKeep config knob governs the in-process ring,
// this is the belt-and-braces cap applied to the persisted list.
const snapshotsToKeep = 10

// sessionRecord is the JSON shape stored at liveshare:session:<id>.
type sessionRecord struct {
	ID        string     `json:"id"`
	DiagramID string     `json:"diagram_id"`
	OwnerID   string     `json:"owner_id"`
	Name      string     `json:"name"`
	MaxUsers  int        `json:"max_users"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type participantRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	JoinedAt    time.Time  `json:"joined_at"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

type snapshotRecord struct {
	ID           string    `json:"id"`
	SnapshotData []byte    `json:"snapshot_data"`
	ElementCount int       `json:"element_count"`
	CreatedAt    time.Time `json:"created_at"`
	SizeBytes    int       `json:"size_bytes"`
}

// RedisPort implements Port against Redis, behind a circuit breaker so a
// Redis outage degrades the core rather than blocking it. Every method
// no-ops or returns ErrStorageUnavailable under an open breaker, the same
// graceful-degradation shape as the teacher's bus.Service.
type RedisPort struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisPort wraps an existing client. Call Ping once at startup to
// fail fast on a misconfigured address.
func NewRedisPort(client *redis.Client) *RedisPort {
	st := gobreaker.Settings{
		Name:        "storage-redis",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("storage-redis").Set(stateVal)
		},
	}
	return &RedisPort{client: client, cb: gobreaker.NewCircuitBreaker(st)}
}

func sessionKey(id string) string            { return "liveshare:session:" + id }
func activeDiagramKey(diagramID string) string { return "liveshare:diagram:" + diagramID + ":active_session" }
func snapshotsKey(roomID string) string        { return "liveshare:session:" + roomID + ":snapshots" }
func rateLimitKey(roomID, userID string) string {
	return "liveshare:session:" + roomID + ":ratelimit:" + userID
}

func (r *RedisPort) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	v, err := r.cb.Execute(fn)
	metrics.StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.StorageOperationsTotal.WithLabelValues(op, "breaker_open").Inc()
			logging.Warn(ctx, "storage circuit breaker open, degrading")
			return nil, ErrStorageUnavailable
		}
		metrics.StorageOperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.StorageOperationsTotal.WithLabelValues(op, "ok").Inc()
	return v, nil
}

// CreateRoomSession SETNX-guards liveshare:diagram:<id>:active_session so
// only one session can be active per diagram at a time; on conflict it
// resolves the new room-id against the existing one and returns
// *ErrAlreadyActive, per the mandated tightening of the source's optional
// uniqueness comment.
func (r *RedisPort) CreateRoomSession(ctx context.Context, row RoomSessionRow) (string, error) {
	id := row.RoomID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()

	v, err := r.execute(ctx, "create_room_session", func() (any, error) {
		ok, err := r.client.SetNX(ctx, activeDiagramKey(row.DiagramID), id, 0).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			existing, err := r.client.Get(ctx, activeDiagramKey(row.DiagramID)).Result()
			if err != nil {
				return nil, err
			}
			return nil, &ErrAlreadyActive{ExistingRoomID: existing}
		}

		rec := sessionRecord{
			ID: id, DiagramID: row.DiagramID, OwnerID: row.OwnerID, Name: row.Name,
			MaxUsers: row.MaxUsers, IsActive: true, CreatedAt: now, UpdatedAt: now,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return nil, r.client.Set(ctx, sessionKey(id), data, 0).Err()
	})
	if err != nil {
		var already *ErrAlreadyActive
		if ok := asAlreadyActive(err, &already); ok {
			return "", already
		}
		return "", err
	}
	_ = v
	return id, nil
}

func asAlreadyActive(err error, target **ErrAlreadyActive) bool {
	if aa, ok := err.(*ErrAlreadyActive); ok {
		*target = aa
		return true
	}
	return false
}

func (r *RedisPort) EndRoomSession(ctx context.Context, roomID string) error {
	_, err := r.execute(ctx, "end_room_session", func() (any, error) {
		data, err := r.client.Get(ctx, sessionKey(roomID)).Bytes()
		if err != nil {
			return nil, err
		}
		var rec sessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		now := time.Now()
		rec.IsActive = false
		rec.EndedAt = &now
		rec.UpdatedAt = now
		out, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, sessionKey(roomID), out, 0)
		pipe.Del(ctx, activeDiagramKey(rec.DiagramID))
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *RedisPort) RecordParticipantJoin(ctx context.Context, roomID, userID, displayName string) (string, error) {
	id := uuid.New().String()
	_, err := r.execute(ctx, "record_participant_join", func() (any, error) {
		rec := participantRecord{ID: id, SessionID: roomID, UserID: userID, DisplayName: displayName, JoinedAt: time.Now()}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return nil, r.client.Set(ctx, "liveshare:participant:"+id, data, 0).Err()
	})
	return id, err
}

func (r *RedisPort) RecordParticipantLeave(ctx context.Context, participantID string) error {
	_, err := r.execute(ctx, "record_participant_leave", func() (any, error) {
		key := "liveshare:participant:" + participantID
		data, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			return nil, err
		}
		var rec participantRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		now := time.Now()
		rec.LeftAt = &now
		out, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return nil, r.client.Set(ctx, key, out, 0).Err()
	})
	return err
}

// PersistSnapshot pushes onto a capped list, trimming server-side to the
// last ten per session regardless of what the in-process ring retains.
func (r *RedisPort) PersistSnapshot(ctx context.Context, roomID string, snap SnapshotRow) error {
	_, err := r.execute(ctx, "persist_snapshot", func() (any, error) {
		if snap.ID == "" {
			snap.ID = uuid.New().String()
		}
		rec := snapshotRecord{
			ID: snap.ID, SnapshotData: snap.SnapshotData, ElementCount: snap.ElementCount,
			CreatedAt: snap.CreatedAt, SizeBytes: snap.SizeBytes,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		key := snapshotsKey(roomID)
		pipe := r.client.TxPipeline()
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, snapshotsToKeep-1)
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *RedisPort) LatestSnapshot(ctx context.Context, roomID string) (SnapshotRow, bool, error) {
	v, err := r.execute(ctx, "latest_snapshot", func() (any, error) {
		data, err := r.client.LIndex(ctx, snapshotsKey(roomID), 0).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var rec snapshotRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		return &rec, nil
	})
	if err != nil {
		return SnapshotRow{}, false, err
	}
	if v == nil {
		return SnapshotRow{}, false, nil
	}
	rec := v.(*snapshotRecord)
	return SnapshotRow{ID: rec.ID, SnapshotData: rec.SnapshotData, ElementCount: rec.ElementCount, CreatedAt: rec.CreatedAt, SizeBytes: rec.SizeBytes}, true, nil
}

func (r *RedisPort) TrackRateLimitWindow(ctx context.Context, roomID, userID string, count int, windowStart, windowEnd time.Time) error {
	_, err := r.execute(ctx, "track_rate_limit_window", func() (any, error) {
		rec := map[string]any{
			"session_id": roomID, "user_id": userID, "message_count": count,
			"window_start": windowStart, "window_end": windowEnd,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		return nil, r.client.Set(ctx, rateLimitKey(roomID, userID), data, windowEnd.Sub(windowStart)+time.Minute).Err()
	})
	return err
}

func (r *RedisPort) EndSessionsForDiagram(ctx context.Context, diagramID string) error {
	_, err := r.execute(ctx, "end_sessions_for_diagram", func() (any, error) {
		existing, err := r.client.Get(ctx, activeDiagramKey(diagramID)).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return nil, r.client.Del(ctx, activeDiagramKey(diagramID), sessionKey(existing)).Err()
	})
	return err
}

func (r *RedisPort) Ping(ctx context.Context) error {
	_, err := r.execute(ctx, "ping", func() (any, error) {
		return nil, r.client.Ping(ctx).Err()
	})
	return err
}
