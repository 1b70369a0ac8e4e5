// Package persistence implements the Persistence Adapter: a
// write-through store for the latest per-session simulation state plus an
// append-only event log. Both operations are fire-and-forget from the
// core's perspective — callers invoke them outside the session lock and
// swallow failures at this package's edge,
// logging rather than propagating so a database outage never blocks a
// heartbeat tick.
//
// Storage is a Postgres table holding the latest JSONB document per
// session and an append-only table of event rows.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/simgateway/pkg/types"
)

// Store is the PostgreSQL-backed Persistence Adapter. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, pings it, and runs [Migrate]. Prefer
// [config.PersistenceConfig.DSN] as the dsn argument so the emulator-host
// test hook is honoured automatically.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping is used by the health readiness checker to verify the pool can still reach Postgres.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const ddlSimState = `
CREATE TABLE IF NOT EXISTS sim_state (
    sim_id     TEXT        PRIMARY KEY,
    state      JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const ddlSimEvents = `
CREATE TABLE IF NOT EXISTS sim_events (
    id       BIGSERIAL   PRIMARY KEY,
    sim_id   TEXT        NOT NULL,
    ts       TIMESTAMPTZ NOT NULL DEFAULT now(),
    type     TEXT        NOT NULL,
    payload  JSONB
);

CREATE INDEX IF NOT EXISTS idx_sim_events_sim_id
    ON sim_events (sim_id);

CREATE INDEX IF NOT EXISTS idx_sim_events_sim_id_ts
    ON sim_events (sim_id, ts);
`

// Migrate creates the sim_state and sim_events tables if they do not
// already exist. Idempotent; safe to call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSimState, ddlSimEvents} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: migrate: %w", err)
		}
	}
	return nil
}

// PersistSimState upserts the latest state document for simID. state is
// marshalled to JSON as-is; callers typically pass a snapshot struct such
// as [scenario.State] or [validate.SimState].
func (s *Store) PersistSimState(ctx context.Context, simID string, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persistence: marshal sim state: %w", err)
	}

	const q = `
		INSERT INTO sim_state (sim_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (sim_id) DO UPDATE SET state = $2, updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, simID, body); err != nil {
		return fmt.Errorf("persistence: persist sim state: %w", err)
	}
	return nil
}

// LogSimEvent appends evt to simID's event log. The timestamp is assigned
// by the store (the database's now()), not by the caller.
func (s *Store) LogSimEvent(ctx context.Context, simID string, evt types.Event) error {
	var payload []byte
	if evt.Payload != nil {
		var err error
		payload, err = json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("persistence: marshal event payload: %w", err)
		}
	}

	const q = `INSERT INTO sim_events (sim_id, type, payload) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, simID, string(evt.Type), payload); err != nil {
		return fmt.Errorf("persistence: log sim event: %w", err)
	}
	return nil
}

// WriteThrough issues a sim-state upsert and every event-log append
// concurrently via an errgroup. Returns the first error encountered, if
// any; callers (the gateway's heartbeat and order handler glue) are
// expected to log and swallow it rather than propagate it into the
// session lock.
func (s *Store) WriteThrough(ctx context.Context, simID string, state any, events []types.Event) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.PersistSimState(gctx, simID, state)
	})
	for _, evt := range events {
		evt := evt
		g.Go(func() error {
			return s.LogSimEvent(gctx, simID, evt)
		})
	}

	return g.Wait()
}

// EventRow is one row scanned back from sim_events, used by external
// debrief/operator tooling reading the event log directly.
type EventRow struct {
	Ts      time.Time
	Type    types.EventType
	Payload map[string]any
}

// RecentEvents returns simID's events with ts >= now()-since, oldest first.
func (s *Store) RecentEvents(ctx context.Context, simID string, since time.Duration) ([]EventRow, error) {
	const q = `
		SELECT ts, type, payload
		FROM   sim_events
		WHERE  sim_id = $1
		  AND  ts     >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY ts`

	rows, err := s.pool.Query(ctx, q, simID, since.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("persistence: recent events: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventRow, error) {
		var (
			e       EventRow
			evtType string
			payload []byte
		)
		if err := row.Scan(&e.Ts, &evtType, &payload); err != nil {
			return EventRow{}, err
		}
		e.Type = types.EventType(evtType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return EventRow{}, err
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: scan events: %w", err)
	}
	if out == nil {
		out = []EventRow{}
	}
	return out, nil
}

// SwallowingWriteThrough calls WriteThrough and logs-but-never-returns
// any failure, so a store outage drops the write rather than blocking the
// session. recordError, when non-nil, is invoked with the
// failed operation's name so callers can feed an observability counter
// (e.g. [observe.Metrics.RecordPersistenceError]) without this package
// importing internal/observe directly.
func (s *Store) SwallowingWriteThrough(ctx context.Context, simID string, state any, events []types.Event, recordError func(operation string)) {
	if err := s.WriteThrough(ctx, simID, state, events); err != nil {
		slog.Warn("persistence: write-through failed, dropping", "simId", simID, "err", err)
		if recordError != nil {
			recordError("write_through")
		}
	}
}
