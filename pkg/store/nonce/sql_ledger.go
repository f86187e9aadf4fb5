package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

const nonceSchema = `
CREATE TABLE IF NOT EXISTS relay_nonces (
	sender_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	reserved_at TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_id, nonce)
);`

// SQLLedger stores reservations in relay_nonces. The composite primary key
// plus ON CONFLICT DO NOTHING makes Reserve atomic on SQLite and Postgres.
type SQLLedger struct {
	db  *store.DB
	now func() time.Time
}

// NewSQLLedger wraps db. Call Init before use.
func NewSQLLedger(db *store.DB) *SQLLedger {
	return &SQLLedger{db: db, now: time.Now}
}

// Init creates the table if needed.
func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, nonceSchema); err != nil {
		return fmt.Errorf("init nonce ledger: %w", err)
	}
	return nil
}

func (l *SQLLedger) Reserve(ctx context.Context, senderID, nonce string) (bool, error) {
	query := l.db.Dialect.Rebind(`
		INSERT INTO relay_nonces (sender_id, nonce, reserved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (sender_id, nonce) DO NOTHING`)

	res, err := l.db.ExecContext(ctx, query, senderID, nonce, l.now().UTC())
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return rows == 1, nil
}
