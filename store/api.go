package store

import (
	"context"
	"errors"
	"time"

	pb "github.com/mqy/minichat/proto"
)

const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 1000
)

// ErrConflict is returned by Save when the message id is taken by a different message.
var ErrConflict = errors.New("store: message id conflict")

// Message is a relayed private message.
type Message struct {
	Id         string    `json:"id"`
	ClientId   string    `json:"client_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Content    string    `json:"content"`
	CreateTime time.Time `json:"create_time"`
}

type IMessageStore interface {
	// Save stores m. Saving the same message again is a no-op.
	Save(ctx context.Context, m *Message) error

	// FindByClientId returns the message `from` sent with clientId, nil if none.
	FindByClientId(ctx context.Context, from, clientId string) (*Message, error)

	// History returns the latest `limit` messages between a and b, ordered by
	// create time ASC.
	History(ctx context.Context, a, b string, limit int) ([]*Message, error)

	Close() error
}

// ToWire converts m to the frame delivered to clients.
func ToWire(m *Message) *pb.PrivateMessage {
	return &pb.PrivateMessage{
		Id:        m.Id,
		ClientId:  m.ClientId,
		From:      m.From,
		To:        m.To,
		Message:   m.Content,
		Timestamp: m.CreateTime.UnixMilli(),
	}
}
