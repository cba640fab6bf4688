package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/pborman/uuid"

	pb "github.com/mqy/minichat/proto"
)

type Origin int

const (
	OriginLocal   Origin = 1 // shown on send, not yet acknowledged
	OriginServer  Origin = 2 // delivered or acknowledged by the server
	OriginHistory Origin = 3 // loaded from the history endpoint
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginServer:
		return "server"
	case OriginHistory:
		return "history"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// ConversationKey addresses the conversation between two parties. Both parties
// compute the same key.
type ConversationKey struct {
	A, B string // A <= B
}

func NewConversationKey(x, y string) ConversationKey {
	if x > y {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}
}

// Peer returns the party of the key that is not self.
func (k ConversationKey) Peer(self string) string {
	if k.A == self {
		return k.B
	}
	return k.A
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}

type Message struct {
	ClientId   string
	ServerId   string
	SenderId   string
	ReceiverId string
	Content    string
	Timestamp  time.Time
	Origin     Origin
}

func (m *Message) Key() ConversationKey {
	return NewConversationKey(m.SenderId, m.ReceiverId)
}

func (m *Message) String() string {
	return fmt.Sprintf("{cid: %s, sid: %s, %s->%s, ts: %d, %s, %q}", m.ClientId, m.ServerId,
		m.SenderId, m.ReceiverId, m.Timestamp.UnixMilli(), m.Origin, m.Content)
}

// before orders messages by timestamp, then client id.
func (m *Message) before(o *Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.ClientId < o.ClientId
}

// sameDelivery tells whether m and o are the same server side message.
func (m *Message) sameDelivery(o *Message) bool {
	if m.ServerId != "" && o.ServerId != "" {
		return m.ServerId == o.ServerId
	}
	return m.SenderId == o.SenderId && m.ReceiverId == o.ReceiverId &&
		m.Content == o.Content && m.Timestamp.Equal(o.Timestamp)
}

func newClientId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// messageFromWire converts a server frame. ClientId is only set when the frame
// echoes one; the conversation store assigns ids to the others.
func messageFromWire(v *pb.PrivateMessage, origin Origin) *Message {
	return &Message{
		ClientId:   v.ClientId,
		ServerId:   v.Id,
		SenderId:   v.From,
		ReceiverId: v.To,
		Content:    v.Message,
		Timestamp:  fromMillis(v.Timestamp),
		Origin:     origin,
	}
}
