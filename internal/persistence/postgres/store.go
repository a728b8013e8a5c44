// Package postgres implements the single-table persistence layer on
// PostgreSQL via sqlx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/cardlens/cardlens/internal/domain"
	"github.com/cardlens/cardlens/internal/persistence"
)

// skTimeLayout is RFC-3339 with fixed-width nanoseconds so snapshot
// sort keys order lexicographically.
const skTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Schema is the single items table plus its two secondary indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
    pk           TEXT NOT NULL,
    sk           TEXT NOT NULL,
    entity       TEXT NOT NULL,
    subject      TEXT NOT NULL,
    payload      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    set_rarity   TEXT,
    value_median DOUBLE PRECISION,
    PRIMARY KEY (pk, sk)
);

-- BY_CREATED: services paged card listings per subject.
CREATE INDEX IF NOT EXISTS items_by_created
    ON items (subject, created_at DESC) WHERE entity = 'card';

-- BY_SET_RARITY: services analytics ordered by cached median value.
CREATE INDEX IF NOT EXISTS items_by_set_rarity
    ON items (set_rarity, value_median DESC) WHERE entity = 'card';
`

// Store implements persistence.Store against a single items table.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps a live connection. timeout bounds each query.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Open connects, verifies connectivity and applies the schema.
func Open(ctx context.Context, dsn string, timeout time.Duration) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %v", domain.ErrDataLayer, err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", domain.ErrDataLayer, err)
	}
	return New(db, timeout), nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func userPK(subject string) string { return "USER#" + subject }
func cardSK(cardID string) string  { return "CARD#" + cardID }
func execSK(execID string) string  { return "EXEC#" + execID }
func priceSK(ts time.Time, cardID string) string {
	return "PRICE#" + ts.UTC().Format(skTimeLayout) + "#" + cardID
}

func setRarity(card *domain.Card) *string {
	if card.Set == nil || card.Rarity == nil {
		return nil
	}
	v := domain.NormalizeCardName(*card.Set) + "#" + domain.NormalizeCardName(*card.Rarity)
	return &v
}

// CreateCard inserts the card row; an existing (pk, sk) is a conflict.
func (s *Store) CreateCard(ctx context.Context, card *domain.Card) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := marshalCard(card)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO items (pk, sk, entity, subject, payload, created_at, set_rarity, value_median)
		VALUES ($1, $2, 'card', $3, $4, $5, $6, $7)
		ON CONFLICT (pk, sk) DO NOTHING`,
		userPK(card.Subject), cardSK(card.CardID), card.Subject, payload,
		card.CreatedAt, setRarity(card), card.ValueMedian)
	if err != nil {
		return fmt.Errorf("%w: create card: %v", domain.ErrDataLayer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: card %s exists", domain.ErrConflict, card.CardID)
	}
	return nil
}

// GetCard loads one card within the caller's subject scope.
func (s *Store) GetCard(ctx context.Context, subject, cardID string) (*domain.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT payload FROM items WHERE pk = $1 AND sk = $2 AND entity = 'card'`,
		userPK(subject), cardSK(cardID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get card: %v", domain.ErrDataLayer, err)
	}
	return unmarshalCard(payload, subject)
}

// ListCards pages through the subject's cards via BY_CREATED, newest
// first. The cursor is opaque to callers.
func (s *Store) ListCards(ctx context.Context, subject, cursor string, limit int) (*persistence.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit < 1 || limit > 100 {
		return nil, fmt.Errorf("%w: limit %d outside [1,100]", domain.ErrValidation, limit)
	}

	query := `
		SELECT payload, created_at, sk FROM items
		WHERE subject = $1 AND entity = 'card'`
	args := []interface{}{subject}
	if cursor != "" {
		at, sk, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		query += ` AND (created_at, sk) < ($2, $3)`
		args = append(args, at, sk)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, sk DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list cards: %v", domain.ErrDataLayer, err)
	}
	defer rows.Close()

	page := &persistence.Page{Cards: []domain.Card{}}
	var lastAt time.Time
	var lastSK string
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload, &lastAt, &lastSK); err != nil {
			return nil, fmt.Errorf("%w: scan card: %v", domain.ErrDataLayer, err)
		}
		card, err := unmarshalCard(payload, subject)
		if err != nil {
			return nil, err
		}
		page.Cards = append(page.Cards, *card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list cards: %v", domain.ErrDataLayer, err)
	}

	if len(page.Cards) > limit {
		page.Cards = page.Cards[:limit]
		last := page.Cards[limit-1]
		page.NextCursor = encodeCursor(last.CreatedAt, cardSK(last.CardID))
	}
	return page, nil
}

// DeleteCard removes the card row. Snapshots are retained; see the
// retention decision in DESIGN.md.
func (s *Store) DeleteCard(ctx context.Context, subject, cardID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM items WHERE pk = $1 AND sk = $2 AND entity = 'card'`,
		userPK(subject), cardSK(cardID))
	if err != nil {
		return fmt.Errorf("%w: delete card: %v", domain.ErrDataLayer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	return nil
}

// UpdateDescriptors applies owner edits to the descriptive fields.
func (s *Store) UpdateDescriptors(ctx context.Context, subject, cardID string, desc domain.CardDescriptors) (*domain.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", domain.ErrDataLayer, err)
	}
	defer tx.Rollback()

	card, err := s.lockCard(ctx, tx, subject, cardID)
	if err != nil {
		return nil, err
	}

	if desc.Name != nil {
		card.Name = desc.Name
	}
	if desc.Set != nil {
		card.Set = desc.Set
	}
	if desc.Number != nil {
		card.Number = desc.Number
	}
	if desc.Rarity != nil {
		card.Rarity = desc.Rarity
	}
	if desc.Type != nil {
		card.Type = desc.Type
	}
	if desc.ConditionEstimate != nil {
		card.ConditionEstimate = desc.ConditionEstimate
	}
	card.UpdatedAt = time.Now().UTC()

	if err := s.saveCard(ctx, tx, card); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrDataLayer, err)
	}
	return card, nil
}

// WriteValuation is the aggregator's atomic write group: the immutable
// snapshot insert and the card cached-latest update commit together or
// not at all.
func (s *Store) WriteValuation(ctx context.Context, snapshot *domain.Snapshot, conditionEstimate *string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := snapshot.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", domain.ErrDataLayer, err)
	}
	defer tx.Rollback()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", domain.ErrDataLayer, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO items (pk, sk, entity, subject, payload, created_at)
		VALUES ($1, $2, 'snapshot', $3, $4, $5)`,
		userPK(snapshot.Subject), priceSK(snapshot.Timestamp, snapshot.CardID),
		snapshot.Subject, payload, snapshot.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: insert snapshot: %v", domain.ErrDataLayer, err)
	}

	card, err := s.lockCard(ctx, tx, snapshot.Subject, snapshot.CardID)
	if err != nil {
		return err
	}

	card.ValueLow = snapshot.ValueLow
	card.ValueMedian = snapshot.ValueMedian
	card.ValueHigh = snapshot.ValueHigh
	score := snapshot.AuthenticityScore
	card.AuthenticityScore = &score
	sigs := snapshot.AuthenticitySignals
	card.AuthenticitySignals = &sigs
	if conditionEstimate != nil {
		card.ConditionEstimate = conditionEstimate
	}
	card.UpdatedAt = snapshot.Timestamp

	if err := s.saveCard(ctx, tx, card); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit valuation: %v", domain.ErrDataLayer, err)
	}
	return nil
}

// ListSnapshots returns the card's valuation history, newest first.
func (s *Store) ListSnapshots(ctx context.Context, subject, cardID string, limit int) ([]domain.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT payload FROM items
		WHERE pk = $1 AND entity = 'snapshot' AND sk LIKE 'PRICE#%' AND sk LIKE $2
		ORDER BY sk DESC LIMIT $3`,
		userPK(subject), "%#"+cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", domain.ErrDataLayer, err)
	}
	defer rows.Close()

	var snapshots []domain.Snapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan snapshot: %v", domain.ErrDataLayer, err)
		}
		var snap domain.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("%w: unmarshal snapshot: %v", domain.ErrDataLayer, err)
		}
		snap.Subject = subject
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// TopBySetRarity serves analytics over the BY_SET_RARITY index.
func (s *Store) TopBySetRarity(ctx context.Context, set, rarity string, limit int) ([]domain.Card, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit < 1 || limit > 100 {
		limit = 20
	}
	key := domain.NormalizeCardName(set) + "#" + domain.NormalizeCardName(rarity)

	rows, err := s.db.QueryxContext(ctx, `
		SELECT payload, subject FROM items
		WHERE entity = 'card' AND set_rarity = $1 AND value_median IS NOT NULL
		ORDER BY value_median DESC LIMIT $2`,
		key, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: top by set/rarity: %v", domain.ErrDataLayer, err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		var payload []byte
		var subject string
		if err := rows.Scan(&payload, &subject); err != nil {
			return nil, fmt.Errorf("%w: scan card: %v", domain.ErrDataLayer, err)
		}
		card, err := unmarshalCard(payload, subject)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// PutExecution upserts the execution record.
func (s *Store) PutExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal execution: %v", domain.ErrDataLayer, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (pk, sk, entity, subject, payload, created_at)
		VALUES ($1, $2, 'execution', $3, $4, $5)
		ON CONFLICT (pk, sk) DO UPDATE SET payload = EXCLUDED.payload`,
		userPK(rec.Subject), execSK(rec.ExecutionID), rec.Subject, payload, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("%w: put execution: %v", domain.ErrDataLayer, err)
	}
	return nil
}

// GetExecution loads one execution record within the subject scope.
func (s *Store) GetExecution(ctx context.Context, subject, executionID string) (*domain.ExecutionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payload []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT payload FROM items WHERE pk = $1 AND sk = $2 AND entity = 'execution'`,
		userPK(subject), execSK(executionID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", domain.ErrNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get execution: %v", domain.ErrDataLayer, err)
	}
	var rec domain.ExecutionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: unmarshal execution: %v", domain.ErrDataLayer, err)
	}
	rec.Subject = subject
	return &rec, nil
}

func (s *Store) lockCard(ctx context.Context, tx *sqlx.Tx, subject, cardID string) (*domain.Card, error) {
	var payload []byte
	err := tx.QueryRowxContext(ctx,
		`SELECT payload FROM items WHERE pk = $1 AND sk = $2 AND entity = 'card' FOR UPDATE`,
		userPK(subject), cardSK(cardID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock card: %v", domain.ErrDataLayer, err)
	}
	return unmarshalCard(payload, subject)
}

func (s *Store) saveCard(ctx context.Context, tx *sqlx.Tx, card *domain.Card) error {
	payload, err := marshalCard(card)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE items SET payload = $3, set_rarity = $4, value_median = $5
		WHERE pk = $1 AND sk = $2`,
		userPK(card.Subject), cardSK(card.CardID), payload, setRarity(card), card.ValueMedian)
	if err != nil {
		return fmt.Errorf("%w: save card: %v", domain.ErrDataLayer, err)
	}
	return nil
}

// cardPayload keeps the subject out of the JSON body; it lives in the
// key columns.
func marshalCard(card *domain.Card) ([]byte, error) {
	data, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal card: %v", domain.ErrDataLayer, err)
	}
	return data, nil
}

func unmarshalCard(payload []byte, subject string) (*domain.Card, error) {
	var card domain.Card
	if err := json.Unmarshal(payload, &card); err != nil {
		return nil, fmt.Errorf("%w: unmarshal card: %v", domain.ErrDataLayer, err)
	}
	card.Subject = subject
	return &card, nil
}

func encodeCursor(at time.Time, sk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(at.UTC().Format(skTimeLayout) + "|" + sk))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	at, err := time.Parse(skTimeLayout, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", domain.ErrValidation)
	}
	return at, parts[1], nil
}
