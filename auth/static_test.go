package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	r.AddCookie(&http.Cookie{Name: "accessToken", Value: "c"})
	assert.Equal(t, "h", RequestToken(r))

	r.Header.Del("Authorization")
	assert.Equal(t, "q", RequestToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "accessToken", Value: "c"})
	assert.Equal(t, "c", RequestToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", RequestToken(r))
}

func TestStaticClient(t *testing.T) {
	c, err := NewStaticClient([]*User{
		{Id: "u1", Name: "Bob", Token: "t-u1"},
		{Id: "a1", Name: "Alice", Role: RoleAdmin, Token: "t-a1"},
	})
	require.NoError(t, err)

	users := c.Users()
	require.Len(t, users, 2)
	assert.Equal(t, "a1", users[0].Id)
	assert.Equal(t, RoleUser, users[1].Role)

	r := httptest.NewRequest(http.MethodGet, "/me?token=t-a1", nil)
	u, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "a1", u.Id)

	_, err = c.Auth(httptest.NewRequest(http.MethodGet, "/me?token=nope", nil))
	assert.Equal(t, ErrBadToken, err)

	_, err = c.Auth(httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, ErrNoToken, err)
}

func TestStaticClientInvalid(t *testing.T) {
	tests := [][]*User{
		{{Id: "u1"}},
		{{Id: "u1", Token: "t", Role: "root"}},
		{{Id: "u1", Token: "t1"}, {Id: "u1", Token: "t2"}},
		{{Id: "u1", Token: "t"}, {Id: "u2", Token: "t"}},
	}
	for i, users := range tests {
		_, err := NewStaticClient(users)
		assert.Error(t, err, "case #%d", i)
	}
}

func TestLoadUsers(t *testing.T) {
	name := filepath.Join(t.TempDir(), "users.yaml")
	data := []byte(`users:
  - {id: a1, name: Alice, role: admin, token: secret-a1}
  - id: u1
    name: Bob
    email: bob@example.com
    token: secret-u1
`)
	require.NoError(t, os.WriteFile(name, data, 0600))

	users, err := LoadUsers(name)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, &User{Id: "u1", Name: "Bob", Email: "bob@example.com", Token: "secret-u1"}, users[1])
}
