package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// e.g. root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci
const dsnEnv = "MINICHAT_MYSQL_DSN"

func newTestMysqlStore(t *testing.T) *mysqlStore {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s is not set", dsnEnv)
	}
	db, err := sql.Open("mysql", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewMysqlStore(db)
	require.NoError(t, s.Init(context.Background()))
	_, err = db.Exec("DELETE FROM messages")
	require.NoError(t, err)
	return s
}

func TestMysqlSaveHistory(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_600_000_000_000)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, &Message{
			Id:         fmt.Sprintf("m%d", i),
			From:       "u1",
			To:         "a1",
			Content:    fmt.Sprintf("#%d", i),
			CreateTime: base.Add(time.Duration(i) * time.Second),
		}))
	}

	out, err := s.History(ctx, "a1", "u1", 3)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "m2", out[0].Id)
	assert.Equal(t, "m4", out[2].Id)
}

func TestMysqlSaveIdempotent(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()

	m := &Message{Id: "m1", From: "a1", To: "u1", Content: "one", CreateTime: time.Now()}
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m))

	other := *m
	other.Content = "changed"
	assert.Equal(t, ErrConflict, s.Save(ctx, &other))
}

func TestMysqlConcurrentSave(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()

	const N = 50
	var wg sync.WaitGroup
	for j := 0; j < N; j++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// every message saved twice, concurrently.
			m := &Message{Id: fmt.Sprintf("m%d", i/2), From: "u1", To: "a1", Content: "x",
				CreateTime: time.UnixMilli(int64(1_600_000_000_000 + i/2))}
			assert.NoError(t, s.Save(ctx, m))
		}(j)
	}
	wg.Wait()

	out, err := s.History(ctx, "u1", "a1", 0)
	require.NoError(t, err)
	assert.Len(t, out, N/2)
}

func TestMysqlFindByClientId(t *testing.T) {
	s := newTestMysqlStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Message{Id: "m1", ClientId: "c1", From: "u1", To: "a1", Content: "one",
		CreateTime: time.UnixMilli(1_600_000_000_000)}))

	m, err := s.FindByClientId(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m1", m.Id)

	m, err = s.FindByClientId(ctx, "a1", "c1")
	require.NoError(t, err)
	assert.Nil(t, m)
}
