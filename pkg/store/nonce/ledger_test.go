package nonce

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

// raceReserve has n goroutines reserve the same pair and counts the winners.
func raceReserve(t *testing.T, l Ledger, n int) int64 {
	t.Helper()
	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(context.Background(), "sender", "same-nonce")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	return wins.Load()
}

func TestMemoryLedger_ReserveOnce(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "a", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(ctx, "a", "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Nonces are scoped per sender.
	ok, err = l.Reserve(ctx, "b", "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestMemoryLedger_ConcurrentReserve(t *testing.T) {
	assert.Equal(t, int64(1), raceReserve(t, NewMemoryLedger(), 64))
}

func newSQLiteLedger(t *testing.T) *SQLLedger {
	t.Helper()
	db, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := NewSQLLedger(db)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestSQLLedger_SQLiteReserveOnce(t *testing.T) {
	l := newSQLiteLedger(t)
	ctx := context.Background()

	ok, err := l.Reserve(ctx, "planner", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(ctx, "planner", "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Reserve(ctx, "executor", "n1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLLedger_SQLiteConcurrentReserve(t *testing.T) {
	assert.Equal(t, int64(1), raceReserve(t, newSQLiteLedger(t), 32))
}

func TestSQLLedger_SurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/relay.db"
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	l := NewSQLLedger(db)
	require.NoError(t, l.Init(ctx))
	ok, err := l.Reserve(ctx, "a", "n")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.Close())

	db, err = store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	l = NewSQLLedger(db)
	require.NoError(t, l.Init(ctx))
	ok, err = l.Reserve(ctx, "a", "n")
	require.NoError(t, err)
	assert.False(t, ok, "reservation must persist across restarts")
}

func TestSQLLedger_PostgresStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(&store.DB{DB: db, Dialect: store.DialectPostgres})

	mock.ExpectExec(`INSERT INTO relay_nonces \(sender_id, nonce, reserved_at\)\s+VALUES \(\$1, \$2, \$3\)\s+ON CONFLICT \(sender_id, nonce\) DO NOTHING`).
		WithArgs("planner", "n1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO relay_nonces`).
		WithArgs("planner", "n1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := l.Reserve(context.Background(), "planner", "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Reserve(context.Background(), "planner", "n1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_PropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewSQLLedger(&store.DB{DB: db, Dialect: store.DialectSQLite})
	mock.ExpectExec(`INSERT INTO relay_nonces`).WillReturnError(fmt.Errorf("disk full"))

	ok, err := l.Reserve(context.Background(), "a", "b")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestRedisLedger_KeysDoNotCollide(t *testing.T) {
	l := NewRedisLedger(nil)
	assert.NotEqual(t, l.key("a:b", "c"), l.key("a", "b:c"))
}

func TestRedisLedger_ReserveOnce(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()

	l := NewRedisLedger(client)
	l.prefix = fmt.Sprintf("relay:test:%s:", t.Name())
	defer client.Del(context.Background(), l.key("sender", "same-nonce"))

	assert.Equal(t, int64(1), raceReserve(t, l, 16))
}
