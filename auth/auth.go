package auth

import (
	"errors"
	"net/http"
	"strings"
)

const (
	RoleAdmin      = "admin"
	RoleAdvertiser = "advertiser"
	RoleUser       = "user"
)

var (
	ErrNoToken  = errors.New("auth: no token")
	ErrBadToken = errors.New("auth: bad token")
)

type User struct {
	Id    string `yaml:"id"`
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Role  string `yaml:"role"`
	Token string `yaml:"token"`
}

type Client interface {
	// Auth authenticates the request, returns the user owning its token.
	Auth(r *http.Request) (*User, error)

	// Users lists every known user, ordered by id.
	Users() []*User
}

// RequestToken extracts the credential token of r: bearer header first, then the
// `token` query parameter, then the `accessToken` cookie.
func RequestToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	if v := r.URL.Query().Get("token"); v != "" {
		return v
	}
	if c, err := r.Cookie("accessToken"); err == nil {
		return c.Value
	}
	return ""
}
