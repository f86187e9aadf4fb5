package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

const createTable = `
CREATE TABLE IF NOT EXISTS verification_records (
	sequence BIGINT PRIMARY KEY,
	record_id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	sender_id TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	violated_rule TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at_us BIGINT NOT NULL,
	supersedes TEXT NOT NULL DEFAULT '',
	authority TEXT NOT NULL DEFAULT '',
	rationale TEXT NOT NULL DEFAULT '',
	previous_hash TEXT NOT NULL,
	record_hash TEXT NOT NULL UNIQUE
)`

const oneOverrideIndex = `CREATE UNIQUE INDEX IF NOT EXISTS verification_records_one_override
	ON verification_records (supersedes) WHERE kind = 'override'`

var sqliteGuards = []string{
	`CREATE INDEX IF NOT EXISTS verification_records_digest ON verification_records (digest)`,
	`CREATE INDEX IF NOT EXISTS verification_records_supersedes ON verification_records (supersedes)`,
	oneOverrideIndex,
	`CREATE TRIGGER IF NOT EXISTS verification_records_no_update
	BEFORE UPDATE ON verification_records
	BEGIN SELECT RAISE(ABORT, 'verification records are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS verification_records_no_delete
	BEFORE DELETE ON verification_records
	BEGIN SELECT RAISE(ABORT, 'verification records are append-only'); END`,
}

var postgresGuards = []string{
	`CREATE INDEX IF NOT EXISTS verification_records_digest ON verification_records (digest)`,
	`CREATE INDEX IF NOT EXISTS verification_records_supersedes ON verification_records (supersedes)`,
	oneOverrideIndex,
	`CREATE OR REPLACE FUNCTION verification_records_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'verification records are append-only';
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS verification_records_append_only ON verification_records`,
	`CREATE TRIGGER verification_records_append_only
	BEFORE UPDATE OR DELETE ON verification_records
	FOR EACH ROW EXECUTE FUNCTION verification_records_append_only()`,
}

const recordColumns = `sequence, record_id, kind, message_id, digest, sender_id, outcome, error_kind,
	violated_rule, detail, created_at_us, supersedes, authority, rationale, previous_hash, record_hash`

// SQLLedger persists records in verification_records. The database rejects
// UPDATE and DELETE through triggers and a second override of one record
// through a partial unique index. Append serializes chain extension in a
// write-locked transaction (LOCK TABLE on Postgres, BEGIN IMMEDIATE on SQLite).
type SQLLedger struct {
	db  *store.DB
	now func() time.Time
}

// NewSQLLedger wraps db. Call Init before use.
func NewSQLLedger(db *store.DB) *SQLLedger {
	return &SQLLedger{db: db, now: time.Now}
}

// Init creates the table, indexes and append-only triggers.
func (l *SQLLedger) Init(ctx context.Context) error {
	stmts := append([]string{createTable}, sqliteGuards...)
	if l.db.Dialect == store.DialectPostgres {
		stmts = append([]string{createTable}, postgresGuards...)
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init verification ledger: %w", err)
		}
	}
	return nil
}

func (l *SQLLedger) Append(ctx context.Context, rec Record) (Record, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if l.db.Dialect == store.DialectPostgres {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE verification_records IN EXCLUSIVE MODE`); err != nil {
			return Record{}, fmt.Errorf("lock ledger: %w", err)
		}
	}

	var (
		lastSeq  uint64
		lastHash = GenesisHash
	)
	row := tx.QueryRowContext(ctx, `SELECT sequence, record_hash FROM verification_records ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq, lastHash = 0, GenesisHash
	case err != nil:
		return Record{}, fmt.Errorf("read chain head: %w", err)
	}

	if rec.Kind == KindOverride {
		var n int
		err := tx.QueryRowContext(ctx, l.db.Dialect.Rebind(
			`SELECT COUNT(*) FROM verification_records WHERE kind = ? AND supersedes = ?`),
			string(KindOverride), rec.Supersedes).Scan(&n)
		if err != nil {
			return Record{}, fmt.Errorf("read overrides: %w", err)
		}
		if n > 0 {
			return Record{}, ErrAlreadySuperseded
		}
	}

	sealed, err := seal(rec, lastSeq+1, lastHash, l.now())
	if err != nil {
		return Record{}, err
	}

	query := l.db.Dialect.Rebind(`INSERT INTO verification_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		sealed.Sequence, sealed.RecordID, string(sealed.Kind), sealed.MessageID, sealed.Digest,
		sealed.SenderID, string(sealed.Outcome), sealed.ErrorKind, sealed.ViolatedRule, sealed.Detail,
		sealed.Timestamp.UnixMicro(), sealed.Supersedes, sealed.Authority, sealed.Rationale,
		sealed.PreviousHash, sealed.RecordHash,
	)
	if err != nil {
		if rec.Kind == KindOverride && uniqueViolation(err) {
			return Record{}, ErrAlreadySuperseded
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit record: %w", err)
	}
	return sealed, nil
}

func (l *SQLLedger) Read(ctx context.Context, filter Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("record_id", filter.RecordID)
	add("kind", string(filter.Kind))
	add("digest", filter.Digest)
	add("message_id", filter.MessageID)
	add("supersedes", filter.Supersedes)
	add("outcome", string(filter.Outcome))

	query := `SELECT ` + recordColumns + ` FROM verification_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := l.db.QueryContext(ctx, l.db.Dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			r              Record
			kind, outcome  string
			createdAtMicro int64
		)
		if err := rows.Scan(&r.Sequence, &r.RecordID, &kind, &r.MessageID, &r.Digest, &r.SenderID,
			&outcome, &r.ErrorKind, &r.ViolatedRule, &r.Detail, &createdAtMicro, &r.Supersedes,
			&r.Authority, &r.Rationale, &r.PreviousHash, &r.RecordHash); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = Kind(kind)
		r.Outcome = Outcome(outcome)
		r.Timestamp = time.UnixMicro(createdAtMicro).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SQLite result codes: SQLITE_CONSTRAINT and its extended _UNIQUE form.
const (
	sqliteConstraint       = 19
	sqliteConstraintUnique = 2067
)

func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		code := coded.Code()
		return code == sqliteConstraintUnique ||
			(code == sqliteConstraint && strings.Contains(err.Error(), "UNIQUE"))
	}
	return false
}
