package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	pb "github.com/mqy/minichat/proto"
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAdvertiser Role = "advertiser"
	RoleUser       Role = "user"
)

// Credential holds the credential token shared by everything acting for one identity.
// The token may be rotated at any time; readers must call Token() on every use.
type Credential struct {
	mu    sync.RWMutex
	token string
}

func NewCredential(token string) *Credential {
	return &Credential{token: token}
}

func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Rotate replaces the token. It takes effect on the next connect or reconnect.
func (c *Credential) Rotate(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Identity is the local party of a session.
type Identity struct {
	Id          string
	DisplayName string
	Role        Role
	Credential  *Credential
}

// Token returns the current credential token, empty if there is none.
func (id *Identity) Token() string {
	return id.Credential.Token()
}

// FetchIdentity resolves the identity owning token by calling `GET /me` on the api server.
func FetchIdentity(ctx context.Context, client *http.Client, baseURL, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrAuthMissing
	}
	req, err := newAuthRequest(ctx, baseURL+"/me", token)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get /me: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuthRejected
	default:
		return nil, fmt.Errorf("get /me: unexpected status %d", resp.StatusCode)
	}

	var body pb.MeResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("get /me: decode: %v", err)
	}
	if body.User == nil || body.User.Id == "" {
		return nil, fmt.Errorf("get /me: empty user")
	}
	return &Identity{
		Id:          body.User.Id,
		DisplayName: body.User.Name,
		Role:        Role(body.User.Role),
		Credential:  NewCredential(token),
	}, nil
}

func newAuthRequest(ctx context.Context, url, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}
