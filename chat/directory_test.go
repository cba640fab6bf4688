package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/mqy/minichat/proto"
)

var testUsers = []Contact{
	{Id: "a1", DisplayName: "Alice", Role: RoleAdmin},
	{Id: "a2", DisplayName: "Ann", Role: RoleAdmin},
	{Id: "u1", DisplayName: "Bob", Role: RoleUser},
	{Id: "u2", DisplayName: "Carl", Role: RoleAdvertiser},
}

func ids(contacts []Contact) []string {
	var out []string
	for _, c := range contacts {
		out = append(out, c.Id)
	}
	return out
}

func TestListContacts(t *testing.T) {
	d := NewDirectory(&fakeDirectory{users: testUsers})

	tests := []struct {
		identity *Identity
		expected []string
	}{
		{&Identity{Id: "a1", Role: RoleAdmin}, []string{"a2", "u1", "u2"}},
		{&Identity{Id: "u1", Role: RoleUser}, []string{"a1", "a2"}},
		{&Identity{Id: "u2", Role: RoleAdvertiser}, []string{"a1", "a2"}},
		// not in the directory at all.
		{&Identity{Id: "u9", Role: RoleUser}, []string{"a1", "a2"}},
	}

	for _, tt := range tests {
		contacts, err := d.ListContacts(context.Background(), tt.identity)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, ids(contacts), tt.identity.Id)
	}
}

func TestListContactsNoAdmin(t *testing.T) {
	d := NewDirectory(&fakeDirectory{users: testUsers[2:]})
	contacts, err := d.ListContacts(context.Background(), &Identity{Id: "u1", Role: RoleUser})
	require.NoError(t, err)
	assert.Empty(t, contacts)
}

func TestListContactsError(t *testing.T) {
	d := NewDirectory(&fakeDirectory{err: errors.New("boom")})
	_, err := d.ListContacts(context.Background(), &Identity{Id: "u1", Role: RoleUser})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDirectoryUnavailable))
}

func newAPIServer(t *testing.T, token string) *httptest.Server {
	handler := http.NewServeMux()
	auth := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	reply := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	handler.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if auth(w, r) {
			reply(w, &pb.UsersResp{Users: []*pb.User{
				{Id: "a1", Name: "Alice", Role: "admin"},
				{Id: "u1", Name: "Bob", Email: "bob@example.com", Role: "user"},
			}})
		}
	})
	handler.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if auth(w, r) {
			reply(w, &pb.MeResp{User: &pb.User{Id: "u1", Name: "Bob", Role: "user"}})
		}
	})
	handler.HandleFunc("/api/chat/a1", func(w http.ResponseWriter, r *http.Request) {
		if auth(w, r) {
			reply(w, &pb.HistoryResp{Messages: []*pb.PrivateMessage{
				{Id: "m1", From: "a1", To: "u1", Message: "hi", Timestamp: 1000},
				{Id: "m2", From: "u1", To: "a1", Message: "hello", Timestamp: 2000},
			}})
		}
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIClient(t *testing.T) {
	srv := newAPIServer(t, "tk")
	c := NewAPIClient(srv.URL+"/", srv.Client())
	ctx := context.Background()

	users, err := c.Users(ctx, "tk")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, Contact{Id: "u1", DisplayName: "Bob", Email: "bob@example.com", Role: RoleUser}, users[1])

	history, err := c.History(ctx, "tk", "a1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ServerId)
	assert.Equal(t, OriginHistory, history[0].Origin)
	assert.Equal(t, time.UnixMilli(2000), history[1].Timestamp)

	_, err = c.Users(ctx, "bad")
	assert.True(t, errors.Is(err, ErrAuthRejected))

	_, err = c.History(ctx, "tk", "nobody")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthRejected))
}

func TestFetchIdentity(t *testing.T) {
	srv := newAPIServer(t, "tk")
	ctx := context.Background()

	id, err := FetchIdentity(ctx, srv.Client(), srv.URL, "tk")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.Id)
	assert.Equal(t, RoleUser, id.Role)
	assert.Equal(t, "tk", id.Token())

	_, err = FetchIdentity(ctx, srv.Client(), srv.URL, "bad")
	assert.True(t, errors.Is(err, ErrAuthRejected))

	_, err = FetchIdentity(ctx, srv.Client(), srv.URL, "")
	assert.True(t, errors.Is(err, ErrAuthMissing))
}

func TestCredentialRotate(t *testing.T) {
	id := &Identity{Id: "u1"}
	assert.Equal(t, "", id.Token())

	id.Credential = NewCredential("t1")
	assert.Equal(t, "t1", id.Token())
	id.Credential.Rotate("t2")
	assert.Equal(t, "t2", id.Token())
}

func TestLoadConfig(t *testing.T) {
	name := filepath.Join(t.TempDir(), "minichat.yaml")
	data := []byte("queue_capacity: 5\nbackoff_base: 2s\nbackoff_max: 1m\necho_window: 10s\n")
	require.NoError(t, os.WriteFile(name, data, 0644))

	conf, err := LoadConfig(name)
	require.NoError(t, err)
	assert.Equal(t, 5, conf.QueueCapacity)
	assert.Equal(t, 2*time.Second, conf.BackoffBase)
	assert.Equal(t, time.Minute, conf.BackoffMax)
	assert.Equal(t, 10*time.Second, conf.EchoWindow)
	assert.Equal(t, DefaultQueueMaxAge, conf.QueueMaxAge)
	assert.Equal(t, DefaultQueueMaxAttempt, conf.QueueMaxAttempt)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
