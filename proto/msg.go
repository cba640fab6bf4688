// Package proto defines the JSON frames exchanged over the chat websocket and the REST
// payloads served next to it. Frames are envelopes: exactly one field is set.
package proto

// Error codes, grpc flavoured.
const (
	ErrorCodeInvalidArguments  = 3
	ErrorCodeResourceExhausted = 8
	ErrorCodeInternal          = 13
	ErrorCodeUnauthenticated   = 16
)

// ClientMsg is a frame sent by a client.
type ClientMsg struct {
	PrivateMessage *PrivateMessage `json:"private_message,omitempty"`
}

// ServerMsg is a frame sent by the server.
type ServerMsg struct {
	Connected      *Connected      `json:"connected,omitempty"`
	PrivateMessage *PrivateMessage `json:"private_message,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	Kickoff        bool            `json:"kickoff,omitempty"`
}

// Connected is the first frame of an authenticated session.
type Connected struct {
	Sid string `json:"sid"`
	Uid string `json:"uid"`
}

// PrivateMessage is a one-to-one text message.
// Outbound (client to server) frames only carry ClientId, To and Message.
type PrivateMessage struct {
	Id        string `json:"id,omitempty"`        // server assigned
	ClientId  string `json:"client_id,omitempty"` // sender assigned, echoed back to the sender
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis, server clock
}

// Error reports a failed request, or a fatal session condition.
type Error struct {
	Code   int32      `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

// User is a directory entry.
type User struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

// UsersResp is the body of `GET /users`.
type UsersResp struct {
	Users []*User `json:"users"`
}

// MeResp is the body of `GET /me`.
type MeResp struct {
	User *User `json:"user"`
}

// HistoryResp is the body of `GET /api/chat/{id}`, ordered by timestamp ascending.
type HistoryResp struct {
	Messages []*PrivateMessage `json:"messages"`
}
