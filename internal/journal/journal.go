package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/fundvault/pkg/messaging"
)

// Journal persists an append-only audit trail of vault events.
type Journal struct {
	db  *sql.DB
	log *logrus.Logger
}

// Record is a single persisted journal row.
type Record struct {
	ID        uuid.UUID
	EventType string
	Account   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Open connects to Postgres and prepares the journal schema.
func Open(dsn string, log *logrus.Logger) (*Journal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := &Journal{db: db, log: log}
	if err := j.migrate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS vault_events (
			id         UUID PRIMARY KEY,
			event_type TEXT NOT NULL,
			account    TEXT NOT NULL DEFAULT '',
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vault_events_account ON vault_events (account, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_vault_events_type ON vault_events (event_type, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return nil
}

// Start subscribes to all vault subjects and records every event. The
// messaging client owns the subscription; other consumers share it.
func (j *Journal) Start(mc *messaging.Client) error {
	err := mc.Subscribe(messaging.VaultEvents, func(msg *nats.Msg) {
		var event messaging.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			j.log.WithError(err).Warn("failed to decode event")
			return
		}
		if err := j.record(context.Background(), &event); err != nil {
			j.log.WithError(err).WithField("type", event.Type).Warn("failed to journal event")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

func (j *Journal) record(ctx context.Context, event *messaging.Event) error {
	account := extractAccount(event.Data)

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO vault_events (id, event_type, account, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Type, account, []byte(event.Data), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// extractAccount pulls the account field out of known payloads so
// rows can be queried per account without unpacking JSON.
func extractAccount(data json.RawMessage) string {
	var probe struct {
		Account string `json:"account"`
		Sender  string `json:"sender"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.Account != "" {
		return probe.Account
	}
	return probe.Sender
}

// EntriesForAccount returns recent journal rows for one account,
// newest first.
func (j *Journal) EntriesForAccount(ctx context.Context, account string, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, account, payload, created_at
		 FROM vault_events WHERE account = $1 ORDER BY created_at DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventType, &r.Account, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// EntriesByType returns recent journal rows of one event type.
func (j *Journal) EntriesByType(ctx context.Context, eventType string, limit int) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, account, payload, created_at
		 FROM vault_events WHERE event_type = $1 ORDER BY created_at DESC LIMIT $2`,
		eventType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.EventType, &r.Account, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
