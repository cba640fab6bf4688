package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	pb "github.com/mqy/minichat/proto"
)

const (
	// Time allowed to read the next frame or ping from the server.
	// The server pings every 20s.
	readWait = 60 * time.Second

	readLimit = 64 * 1024
)

// Transport dials the chat server.
type Transport interface {
	// Dial opens an authenticated connection. A refused token yields ErrAuthRejected.
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one transport connection. Send may be called concurrently with Recv.
type Conn interface {
	Send(msg *pb.ClientMsg) error
	Recv() (*pb.ServerMsg, error)
	Close() error
}

// WSTransport dials a websocket endpoint such as `ws://127.0.0.1:8000/ws`.
type WSTransport struct {
	URL          string
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func NewWSTransport(rawURL string, conf Config) *WSTransport {
	conf = conf.WithDefaults()
	return &WSTransport{
		URL: rawURL,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: conf.DialTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  1024,
		},
		WriteTimeout: conf.WriteTimeout,
	}
}

// Dial sends the token both as bearer header and as `token` query parameter:
// proxies in front of the server may strip either one.
func (t *WSTransport) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url `%s`: %v", t.URL, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := t.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, fmt.Errorf("%w: status %d", ErrAuthRejected, resp.StatusCode)
			}
			return nil, fmt.Errorf("dial `%s`: status %d: %v", t.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial `%s`: %v", t.URL, err)
	}

	c := &wsConn{conn: conn, writeWait: t.WriteTimeout}
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	return c, nil
}

type wsConn struct {
	sync.Mutex // serializes writers

	conn      *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) Send(msg *pb.ClientMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Recv() (*pb.ServerMsg, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		if msgType != websocket.TextMessage {
			glog.Errorf("transport: unexpected message type: %d", msgType)
			continue
		}
		var msg pb.ServerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			glog.Errorf("transport: bad frame: %s, err: %v", string(data), err)
			continue
		}
		return &msg, nil
	}
}

func (c *wsConn) Close() error {
	c.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Unlock()
	return c.conn.Close()
}
