package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfsettle/internal/domain"
)

// EventJournal implements domain.EventJournal using PostgreSQL.
type EventJournal struct {
	pool *pgxpool.Pool
}

var _ domain.EventJournal = (*EventJournal)(nil)

// NewEventJournal creates a new EventJournal backed by the given connection pool.
func NewEventJournal(pool *pgxpool.Pool) *EventJournal {
	return &EventJournal{pool: pool}
}

// Emit appends ev to the journal. Replaying an event with the same id is a
// no-op. The attrs map is stored as JSONB.
func (j *EventJournal) Emit(ctx context.Context, ev domain.Event) error {
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return fmt.Errorf("postgres: journal event id %q: %w", ev.ID, err)
	}
	attrs, err := json.Marshal(ev.Attrs)
	if err != nil {
		return fmt.Errorf("postgres: marshal event attrs: %w", err)
	}

	const query = `
		INSERT INTO event_journal (id, kind, attrs, occurred_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`
	if _, err := j.pool.Exec(ctx, query, id, string(ev.Kind), attrs, ev.At); err != nil {
		return fmt.Errorf("postgres: journal event %s: %w", ev.Kind, err)
	}
	return nil
}

// ListBefore returns every journaled event that occurred strictly before the
// cutoff, oldest first.
func (j *EventJournal) ListBefore(ctx context.Context, before time.Time) ([]domain.Event, error) {
	const query = `
		SELECT id, kind, attrs, occurred_at
		FROM event_journal
		WHERE occurred_at < $1
		ORDER BY occurred_at, id`

	rows, err := j.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list journal events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			id        uuid.UUID
			kind      string
			attrsJSON []byte
		)
		if err := rows.Scan(&id, &kind, &attrsJSON, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan journal event: %w", err)
		}
		ev.ID = id.String()
		ev.Kind = domain.EventKind(kind)
		ev.At = ev.At.UTC()
		if attrsJSON != nil {
			if err := json.Unmarshal(attrsJSON, &ev.Attrs); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event attrs: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list journal events rows: %w", err)
	}
	return events, nil
}

// Prune deletes journaled events before the cutoff. Run it only after the
// archive covering them has been verified.
func (j *EventJournal) Prune(ctx context.Context, before time.Time) (int64, error) {
	tag, err := j.pool.Exec(ctx, `DELETE FROM event_journal WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune journal: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
