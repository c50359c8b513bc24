package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tick-alerts/internal/rules"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	ensureSchemaSQL = `CREATE TABLE IF NOT EXISTS triggered_alerts (
        id            BIGSERIAL PRIMARY KEY,
        rule_id       TEXT NOT NULL,
        symbol        TEXT NOT NULL,
        condition     TEXT NOT NULL,
        threshold     DOUBLE PRECISION NOT NULL,
        price         DOUBLE PRECISION NOT NULL,
        volume        DOUBLE PRECISION NOT NULL,
        change_pct    DOUBLE PRECISION NOT NULL DEFAULT 0,
        notional      DOUBLE PRECISION NOT NULL DEFAULT 0,
        channels      TEXT[] NOT NULL,
        triggered_at  TIMESTAMPTZ NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS triggered_alerts_triggered_at_idx
        ON triggered_alerts (triggered_at);
    CREATE TABLE IF NOT EXISTS rule_documents (
        name    TEXT PRIMARY KEY,
        payload JSONB NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertAlertSQL = `INSERT INTO triggered_alerts (
        rule_id, symbol, condition, threshold, price, volume,
        change_pct, notional, channels, triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id, rule_id, symbol, condition, threshold, price, volume,
        change_pct, notional, channels, triggered_at, created_at
    FROM triggered_alerts
    ORDER BY triggered_at DESC
    LIMIT $1;`

	listAlertsBetweenSQL = `SELECT
        id, rule_id, symbol, condition, threshold, price, volume,
        change_pct, notional, channels, triggered_at, created_at
    FROM triggered_alerts
    WHERE triggered_at >= $1
      AND triggered_at < $2
    ORDER BY triggered_at;`

	deleteAlertsBeforeSQL = `DELETE FROM triggered_alerts WHERE triggered_at < $1;`

	countAlertsSQL = `SELECT COUNT(*) FROM triggered_alerts;`

	loadRuleDocSQL = `SELECT payload FROM rule_documents WHERE name = $1;`

	saveRuleDocSQL = `INSERT INTO rule_documents (name, payload, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (name) DO UPDATE
    SET payload = EXCLUDED.payload,
        updated_at = now();`

	ruleDocName = "alert_rules"
)

// AlertStore defines operations for the triggered-alert audit trail.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
	CountAlerts(ctx context.Context) (int64, error)
}

// Store aggregates access to triggered alerts and the rules document.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ensureSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.RuleID,
		alert.Symbol,
		alert.Condition,
		alert.Threshold,
		alert.Price,
		alert.Volume,
		alert.ChangePct,
		alert.Notional,
		alert.Channels,
		alert.TriggeredAt,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists the most recent alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, limit)
}

// ListAlertsBetween lists alerts within a time window, oldest first.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows, 0)
}

// DeleteAlertsBefore prunes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

func collectAlerts(rows pgx.Rows, sizeHint int) ([]AlertRecord, error) {
	alerts := make([]AlertRecord, 0, sizeHint)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RuleID,
			&rec.Symbol,
			&rec.Condition,
			&rec.Threshold,
			&rec.Price,
			&rec.Volume,
			&rec.ChangePct,
			&rec.Notional,
			&rec.Channels,
			&rec.TriggeredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// RuleDocStore persists the rules document as a jsonb value, satisfying
// rules.DocStore. The same corruption policy applies as for the file store:
// a non-array payload surfaces rules.ErrCorrupted.
type RuleDocStore struct {
	store *Store
}

// NewRuleDocStore wraps a Store for rules-document persistence.
func NewRuleDocStore(store *Store) *RuleDocStore {
	return &RuleDocStore{store: store}
}

// Load reads and decodes the persisted rules array.
func (r *RuleDocStore) Load(ctx context.Context) ([]rules.Rule, error) {
	pool, err := r.store.getPool()
	if err != nil {
		return nil, err
	}

	var payload []byte
	if scanErr := pool.QueryRow(ctx, loadRuleDocSQL, ruleDocName).Scan(&payload); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load rule document: %w", scanErr)
	}

	return rules.DecodeDocument(payload)
}

// Save upserts the rules array.
func (r *RuleDocStore) Save(ctx context.Context, ruleSet []rules.Rule) error {
	pool, err := r.store.getPool()
	if err != nil {
		return err
	}

	if ruleSet == nil {
		ruleSet = []rules.Rule{}
	}
	payload, err := json.Marshal(ruleSet)
	if err != nil {
		return fmt.Errorf("encode rule document: %w", err)
	}

	if _, execErr := pool.Exec(ctx, saveRuleDocSQL, ruleDocName, payload); execErr != nil {
		return fmt.Errorf("save rule document: %w", execErr)
	}
	return nil
}

var _ rules.DocStore = (*RuleDocStore)(nil)
