package pool

import (
	"context"
	"database/sql"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sorgu/internal/qerror"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	return db
}

func TestAcquireQueryRelease(t *testing.T) {
	p := NewSQLPool()
	defer p.Close()
	p.Register("shop", openTestDB(t), 2)

	conn, err := p.Acquire(context.Background(), "shop")
	require.NoError(t, err)
	defer conn.Release()

	stream, err := conn.Query(context.Background(), "SELECT 1 AS bir")
	require.NoError(t, err)
	defer stream.Close()

	assert.Equal(t, []string{"bir"}, stream.Columns())
	row, err := stream.Next()
	require.NoError(t, err)
	require.Len(t, row, 1)
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcquireUnknownDatabase(t *testing.T) {
	p := NewSQLPool()
	defer p.Close()

	_, err := p.Acquire(context.Background(), "nope")
	assert.Equal(t, qerror.KindConnectionUnavailable, qerror.KindOf(err))
}

func TestAcquireSaturation(t *testing.T) {
	p := NewSQLPool()
	defer p.Close()
	p.Register("shop", openTestDB(t), 1)

	conn, err := p.Acquire(context.Background(), "shop")
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), "shop")
	assert.Equal(t, qerror.KindConnectionUnavailable, qerror.KindOf(err))

	// Release is idempotent and frees the lease exactly once.
	conn.Release()
	conn.Release()

	conn2, err := p.Acquire(context.Background(), "shop")
	require.NoError(t, err)
	conn2.Release()
}
