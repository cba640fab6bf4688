package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *boltStore {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "minichat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltSaveHistory(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_600_000_000_000)

	msgs := []*Message{
		{Id: "m2", From: "u1", To: "a1", Content: "two", CreateTime: base.Add(2 * time.Second)},
		{Id: "m1", ClientId: "c1", From: "a1", To: "u1", Content: "one", CreateTime: base.Add(time.Second)},
		{Id: "m3", From: "a1", To: "u1", Content: "three", CreateTime: base.Add(3 * time.Second)},
		{Id: "x1", From: "a1", To: "u2", Content: "other", CreateTime: base},
	}
	for _, m := range msgs {
		require.NoError(t, s.Save(ctx, m))
	}

	out, err := s.History(ctx, "u1", "a1", 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "m1", out[0].Id)
	assert.Equal(t, "c1", out[0].ClientId)
	assert.Equal(t, "m2", out[1].Id)
	assert.Equal(t, "m3", out[2].Id)
	assert.True(t, base.Add(time.Second).Equal(out[0].CreateTime))

	// latest two, still ascending.
	out, err = s.History(ctx, "a1", "u1", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "m2", out[0].Id)
	assert.Equal(t, "m3", out[1].Id)

	out, err = s.History(ctx, "u1", "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBoltSaveIdempotent(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	m := &Message{Id: "m1", From: "a1", To: "u1", Content: "one", CreateTime: time.Now()}

	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Save(ctx, m))

	other := *m
	other.Content = "changed"
	assert.Equal(t, ErrConflict, s.Save(ctx, &other))

	out, err := s.History(ctx, "a1", "u1", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "one", out[0].Content)
}

func TestBoltConcurrentSave(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	const N = 50
	var wg sync.WaitGroup
	for j := 0; j < 4; j++ {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			for i := 0; i < N; i++ {
				err := s.Save(ctx, &Message{
					Id:         fmt.Sprintf("m-%d-%d", j, i),
					From:       "u1",
					To:         "a1",
					Content:    "x",
					CreateTime: base.Add(time.Duration(i) * time.Millisecond),
				})
				assert.NoError(t, err)
			}
		}(j)
	}
	wg.Wait()

	out, err := s.History(ctx, "u1", "a1", MaxHistoryLimit)
	require.NoError(t, err)
	require.Len(t, out, 4*N)
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].CreateTime.Before(out[i-1].CreateTime))
	}
}

func TestBoltFindByClientId(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_600_000_000_000)

	require.NoError(t, s.Save(ctx, &Message{Id: "m1", ClientId: "c1", From: "u1", To: "a1", Content: "one", CreateTime: base}))
	require.NoError(t, s.Save(ctx, &Message{Id: "m2", From: "u1", To: "a1", Content: "two", CreateTime: base}))

	m, err := s.FindByClientId(ctx, "u1", "c1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m1", m.Id)
	assert.Equal(t, "one", m.Content)

	// client ids are scoped by sender.
	m, err = s.FindByClientId(ctx, "a1", "c1")
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = s.FindByClientId(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.Nil(t, m)

	// the first message saved with a client id keeps it.
	require.NoError(t, s.Save(ctx, &Message{Id: "m3", ClientId: "c1", From: "u1", To: "a1", Content: "three", CreateTime: base}))
	m, err = s.FindByClientId(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.Id)
}

func TestBoltSeparatorInIds(t *testing.T) {
	s := newTestBoltStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Save(ctx, &Message{Id: "m1", From: "a:b", To: "c", Content: "one", CreateTime: base}))
	require.NoError(t, s.Save(ctx, &Message{Id: "m2", From: "a", To: "b:c", Content: "two", CreateTime: base}))

	out, err := s.History(ctx, "c", "a:b", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m1", out[0].Id)

	out, err = s.History(ctx, "b:c", "a", 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m2", out[0].Id)
}
