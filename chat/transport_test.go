package chat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pb "github.com/mqy/minichat/proto"
)

// newEchoServer accepts token "tk", sends `connected`, then echoes private messages
// back with a server id.
func newEchoServer(t *testing.T) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tk" || r.Header.Get("Authorization") != "Bearer tk" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(&pb.ServerMsg{Connected: &pb.Connected{Sid: "s1", Uid: "u1"}})
		for {
			var msg pb.ClientMsg
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			v := msg.PrivateMessage
			v.Id = "m-" + v.ClientId
			v.From = "u1"
			v.Timestamp = 1000
			conn.WriteJSON(&pb.ServerMsg{PrivateMessage: v})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWSTransportRoundTrip(t *testing.T) {
	_, url := newEchoServer(t)
	tr := NewWSTransport(url, testConf)

	conn, err := tr.Dial(context.Background(), "tk")
	require.NoError(t, err)
	defer conn.Close()

	msg, err := conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Connected)
	assert.Equal(t, "s1", msg.Connected.Sid)

	require.NoError(t, conn.Send(newClientMsg(&PendingSend{ClientId: "c1", ReceiverId: "a1", Content: "hi"})))
	msg, err = conn.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.PrivateMessage)
	assert.Equal(t, &pb.PrivateMessage{Id: "m-c1", ClientId: "c1", From: "u1", To: "a1", Message: "hi",
		Timestamp: 1000}, msg.PrivateMessage)
}

func TestWSTransportRejected(t *testing.T) {
	_, url := newEchoServer(t)
	tr := NewWSTransport(url, testConf)

	_, err := tr.Dial(context.Background(), "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuthRejected))
}

func TestWSTransportDown(t *testing.T) {
	srv, url := newEchoServer(t)
	srv.Close()
	tr := NewWSTransport(url, testConf)

	_, err := tr.Dial(context.Background(), "tk")
	require.Error(t, err)
	assert.False(t, isFatal(err))
}
