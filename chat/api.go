package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	pb "github.com/mqy/minichat/proto"
)

// HistoryClient fetches the stored messages between the token's owner and a counterparty.
type HistoryClient interface {
	History(ctx context.Context, token, counterpartyId string) ([]*Message, error)
}

// APIClient talks to the REST endpoints served next to the websocket:
// `GET /users` and `GET /api/chat/{id}`.
type APIClient struct {
	baseURL string
	client  *http.Client
}

func NewAPIClient(baseURL string, client *http.Client) *APIClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (c *APIClient) Users(ctx context.Context, token string) ([]Contact, error) {
	var body pb.UsersResp
	if err := c.get(ctx, "/users", token, &body); err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(body.Users))
	for _, u := range body.Users {
		if u == nil {
			continue
		}
		out = append(out, Contact{
			Id:          u.Id,
			DisplayName: u.Name,
			Email:       u.Email,
			Role:        Role(u.Role),
		})
	}
	return out, nil
}

func (c *APIClient) History(ctx context.Context, token, counterpartyId string) ([]*Message, error) {
	var body pb.HistoryResp
	if err := c.get(ctx, "/api/chat/"+url.PathEscape(counterpartyId), token, &body); err != nil {
		return nil, err
	}
	out := make([]*Message, 0, len(body.Messages))
	for _, v := range body.Messages {
		if v != nil {
			out = append(out, messageFromWire(v, OriginHistory))
		}
	}
	return out, nil
}

func (c *APIClient) get(ctx context.Context, path, token string, out interface{}) error {
	req, err := newAuthRequest(ctx, c.baseURL+path, token)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %v", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("get %s: %w", path, ErrAuthRejected)
	default:
		return fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: decode: %v", path, err)
	}
	return nil
}
