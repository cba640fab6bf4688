package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pb "github.com/mqy/minichat/proto"
)

var testConf = Config{
	BackoffBase:  10 * time.Millisecond,
	BackoffMax:   40 * time.Millisecond,
	WriteTimeout: time.Second,
	DialTimeout:  time.Second,
}

// fakeServer is an in-memory Transport. Every dial produces a fakeConn whose
// first frame is `connected`.
type fakeServer struct {
	sync.Mutex
	tokens map[string]bool // accepted tokens
	down   bool
	conns  []*fakeConn
	dialed []string // tokens, in dial order
}

func newFakeServer(tokens ...string) *fakeServer {
	s := &fakeServer{tokens: make(map[string]bool)}
	for _, t := range tokens {
		s.tokens[t] = true
	}
	return s
}

func (s *fakeServer) Dial(ctx context.Context, token string) (Conn, error) {
	s.Lock()
	defer s.Unlock()
	s.dialed = append(s.dialed, token)
	if s.down {
		return nil, errors.New("connection refused")
	}
	if !s.tokens[token] {
		return nil, fmt.Errorf("%w: status 401", ErrAuthRejected)
	}
	c := newFakeConn()
	c.in <- &pb.ServerMsg{Connected: &pb.Connected{Sid: fmt.Sprintf("s%d", len(s.conns)+1)}}
	s.conns = append(s.conns, c)
	return c, nil
}

func (s *fakeServer) setDown(down bool) {
	s.Lock()
	s.down = down
	s.Unlock()
}

func (s *fakeServer) accept(token string) {
	s.Lock()
	s.tokens[token] = true
	s.Unlock()
}

func (s *fakeServer) numDials() int {
	s.Lock()
	defer s.Unlock()
	return len(s.dialed)
}

func (s *fakeServer) lastToken() string {
	s.Lock()
	defer s.Unlock()
	if len(s.dialed) == 0 {
		return ""
	}
	return s.dialed[len(s.dialed)-1]
}

func (s *fakeServer) numConns() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

// current returns the latest connection.
func (s *fakeServer) current() *fakeConn {
	s.Lock()
	defer s.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

type fakeConn struct {
	in     chan *pb.ServerMsg
	out    chan *pb.ClientMsg
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *pb.ServerMsg, 16),
		out:    make(chan *pb.ClientMsg, 128),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(msg *pb.ClientMsg) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.out <- msg
	return nil
}

func (c *fakeConn) Recv() (*pb.ServerMsg, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	case m := <-c.in:
		return m, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a frame from the server.
func (c *fakeConn) push(v *pb.PrivateMessage) {
	c.in <- &pb.ServerMsg{PrivateMessage: v}
}

// sent waits for the next frame written by the client.
func (c *fakeConn) sent(t *testing.T) *pb.PrivateMessage {
	t.Helper()
	select {
	case m := <-c.out:
		require.NotNil(t, m.PrivateMessage)
		return m.PrivateMessage
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame sent")
		return nil
	}
}

// quiet fails if the client writes a frame within d.
func (c *fakeConn) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected frame: %+v", m.PrivateMessage)
	case <-time.After(d):
	}
}

// next waits for a connection dialed after prev.
func (s *fakeServer) next(t *testing.T, prev *fakeConn) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool {
		c = s.current()
		return c != nil && c != prev
	}, 2*time.Second, time.Millisecond)
	return c
}

type fakeDirectory struct {
	users []Contact
	err   error
}

func (d *fakeDirectory) Users(ctx context.Context, token string) ([]Contact, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.users, nil
}

// fakeHistory answers history fetches. A fetch for a gated counterparty blocks
// until the gate is opened, then answers what was set when it started.
type fakeHistory struct {
	sync.Mutex
	messages map[string][]*pb.PrivateMessage
	errs     map[string]error
	gates    map[string]chan struct{}
	calls    int
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		messages: make(map[string][]*pb.PrivateMessage),
		errs:     make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

func (h *fakeHistory) gate(id string) chan struct{} {
	h.Lock()
	defer h.Unlock()
	g := make(chan struct{})
	h.gates[id] = g
	return g
}

func (h *fakeHistory) set(id string, msgs ...*pb.PrivateMessage) {
	h.Lock()
	h.messages[id] = msgs
	h.Unlock()
}

func (h *fakeHistory) fail(id string, err error) {
	h.Lock()
	h.errs[id] = err
	h.Unlock()
}

func (h *fakeHistory) History(ctx context.Context, token, id string) ([]*Message, error) {
	h.Lock()
	h.calls++
	g := h.gates[id]
	delete(h.gates, id)
	msgs, err := h.messages[id], h.errs[id]
	h.Unlock()

	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, v := range msgs {
		out = append(out, messageFromWire(v, OriginHistory))
	}
	return out, nil
}

func (h *fakeHistory) numCalls() int {
	h.Lock()
	defer h.Unlock()
	return h.calls
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
