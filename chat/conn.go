package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	pb "github.com/mqy/minichat/proto"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type EventKind int

const (
	EventConnected    EventKind = 1
	EventDisconnected EventKind = 2
	EventError        EventKind = 3
	EventInbound      EventKind = 4
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventInbound:
		return "inbound"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one entry of the connection event stream.
type Event struct {
	Kind  EventKind
	State State // state right after the event

	Err     error              // EventDisconnected, EventError
	Pending *PendingSend       // EventError on queue overflow, expiry or rejection
	Message *pb.PrivateMessage // EventInbound
}

const eventsChanSize = 64

// ConnManager owns the transport connection of a session. It connects, performs
// the handshake, reconnects with exponential backoff and transmits messages.
// It publishes what happens on a single ordered event stream and never touches
// conversation state itself.
type ConnManager struct {
	sync.Mutex

	identity  *Identity
	transport Transport
	queue     *PendingQueue
	conf      Config
	metrics   *Metrics

	state    State
	conn     Conn
	closed   bool           // by Close(), terminal
	inflight []*PendingSend // written, waiting for the echo
	events   chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewConnManager(identity *Identity, transport Transport, queue *PendingQueue, conf Config,
	metrics *Metrics) *ConnManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnManager{
		identity:  identity,
		transport: transport,
		queue:     queue,
		conf:      conf.WithDefaults(),
		metrics:   metrics,
		events:    make(chan Event, eventsChanSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Events returns the event stream. It is never closed; consumers stop on their own context.
func (m *ConnManager) Events() <-chan Event {
	return m.events
}

func (m *ConnManager) State() State {
	m.Lock()
	defer m.Unlock()
	return m.state
}

// Connect runs the first connection attempt. It returns ErrAuthMissing or
// ErrAuthRejected when the token is absent or refused, leaving the manager closed.
// A network failure is not an error: the manager keeps reconnecting in background.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.Lock()
	if m.state != StateIdle {
		state := m.state
		m.Unlock()
		return fmt.Errorf("connect: invalid state: %s", state)
	}
	m.state = StateConnecting
	m.Unlock()

	conn, err := m.dial(ctx)
	if err != nil {
		if isFatal(err) {
			m.fail(err)
			return err
		}
		if m.ctx.Err() != nil {
			return ErrSessionClosed
		}
		glog.Errorf("conn: Connect(): %v", err)
		if !m.dropped(err) || !m.goRun(nil) {
			return ErrSessionClosed
		}
		return nil
	}

	if !m.activate(conn) || !m.goRun(conn) {
		return ErrSessionClosed
	}
	return nil
}

// goRun starts the run loop unless closed. wg.Add is done under the lock, so
// Close never waits before a loop it has to stop is counted.
func (m *ConnManager) goRun(conn Conn) bool {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go m.run(conn)
	return true
}

// dial reads the current token, opens a connection and waits for the server's
// `connected` frame.
func (m *ConnManager) dial(ctx context.Context) (Conn, error) {
	token := m.identity.Token()
	if token == "" {
		return nil, ErrAuthMissing
	}

	dctx, cancel := context.WithTimeout(ctx, m.conf.DialTimeout)
	defer cancel()
	conn, err := m.transport.Dial(dctx, token)
	if err != nil {
		return nil, err
	}

	m.Lock()
	if m.closed {
		m.Unlock()
		conn.Close()
		return nil, ErrSessionClosed
	}
	m.conn = conn
	m.state = StateAuthenticating
	m.Unlock()

	msg, err := conn.Recv()
	if err != nil {
		m.detach(conn)
		return nil, fmt.Errorf("handshake: %v", err)
	}
	if msg.Connected != nil {
		glog.V(5).Infof("conn: handshake done, uid: %s, sid: %s", msg.Connected.Uid, msg.Connected.Sid)
		return conn, nil
	}
	m.detach(conn)
	if e := msg.Error; e != nil && e.Code == pb.ErrorCodeUnauthenticated {
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, e.Params)
	}
	return nil, fmt.Errorf("handshake: unexpected frame: %+v", msg)
}

// detach closes conn and forgets it if it is still the current one.
func (m *ConnManager) detach(conn Conn) {
	m.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.Unlock()
	conn.Close()
}

// activate makes conn the live connection and flushes the pending queue.
func (m *ConnManager) activate(conn Conn) bool {
	m.Lock()
	if m.closed {
		m.Unlock()
		conn.Close()
		return false
	}
	m.conn = conn
	m.state = StateActive
	notices := m.flushLocked()
	m.Unlock()

	glog.Infof("conn: active, uid: %s", m.identity.Id)
	m.emit(Event{Kind: EventConnected, State: StateActive})
	for _, ev := range notices {
		m.emit(ev)
	}
	return true
}

// flushLocked sends queued messages in FIFO order. Expired entries are reported.
// If a write fails the rest is put back and the connection is closed, so the
// reader notices and reconnects.
func (m *ConnManager) flushLocked() []Event {
	ready, expired := m.queue.Drain()

	var notices []Event
	for _, p := range expired {
		glog.Errorf("conn: pending send expired: %s", p)
		m.metrics.expired.Inc()
		notices = append(notices, Event{
			Kind:    EventError,
			State:   StateActive,
			Err:     fmt.Errorf("%w: %s", ErrDeliveryExpired, p.ClientId),
			Pending: p,
		})
	}

	for i, p := range ready {
		p.Attempts++
		if err := m.conn.Send(newClientMsg(p)); err != nil {
			glog.Errorf("conn: flush error: %v, requeue %d messages", err, len(ready)-i)
			for j := len(ready) - 1; j >= i; j-- {
				m.queue.pushFront(ready[j])
			}
			m.conn.Close()
			break
		}
		m.inflight = append(m.inflight, p)
		m.metrics.sent.Inc()
	}
	m.metrics.queueDepth.Set(float64(m.queue.Len()))
	if len(ready) > 0 {
		glog.V(5).Infof("conn: flushed %d queued messages", len(ready))
	}
	return notices
}

// dropped moves to Reconnecting and reports the drop. Unconfirmed sends go back
// to the queue. Returns false if the manager was closed meanwhile.
func (m *ConnManager) dropped(cause error) bool {
	m.Lock()
	if m.closed || m.state == StateClosed {
		m.Unlock()
		return false
	}
	m.conn = nil
	m.state = StateReconnecting
	notices := m.requeueLocked()
	m.Unlock()

	glog.Infof("conn: transport dropped: %v, reconnecting", cause)
	m.emit(Event{
		Kind:  EventDisconnected,
		State: StateReconnecting,
		Err:   fmt.Errorf("%w: %v", ErrTransportDropped, cause),
	})
	for _, ev := range notices {
		m.emit(ev)
	}
	return true
}

// requeueLocked puts the in-flight sends back in front of the queue, so the next
// connection writes them again with the same client id.
func (m *ConnManager) requeueLocked() []Event {
	if len(m.inflight) == 0 {
		return nil
	}
	glog.V(5).Infof("conn: requeue %d unconfirmed sends", len(m.inflight))
	dropped := m.queue.requeue(m.inflight)
	m.inflight = nil
	m.metrics.queueDepth.Set(float64(m.queue.Len()))

	var notices []Event
	for _, p := range dropped {
		glog.Errorf("conn: requeue overflow, drop %s", p)
		m.metrics.queueOverflow.Inc()
		notices = append(notices, Event{
			Kind:    EventError,
			State:   StateReconnecting,
			Err:     fmt.Errorf("%w: dropped %s", ErrQueueOverflow, p.ClientId),
			Pending: p,
		})
	}
	return notices
}

// Ack forgets the send with clientId once its echo arrived. It returns false
// when no such send is known.
func (m *ConnManager) Ack(clientId string) bool {
	m.Lock()
	defer m.Unlock()
	if m.takeInflightLocked(clientId) != nil {
		return true
	}
	// the echo may be processed after a drop requeued the send.
	if m.queue.remove(clientId) {
		m.metrics.queueDepth.Set(float64(m.queue.Len()))
		return true
	}
	return false
}

func (m *ConnManager) takeInflightLocked(clientId string) *PendingSend {
	for i, p := range m.inflight {
		if p.ClientId == clientId {
			m.inflight = append(m.inflight[:i], m.inflight[i+1:]...)
			return p
		}
	}
	return nil
}

func (m *ConnManager) inflightLen() int {
	m.Lock()
	defer m.Unlock()
	return len(m.inflight)
}

// fail closes the connection for good because of err, without waiting for the run loop.
func (m *ConnManager) fail(err error) {
	m.Lock()
	if m.closed {
		m.Unlock()
		return
	}
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	m.Unlock()

	if conn != nil {
		conn.Close()
	}
	glog.Errorf("conn: closed: %v", err)
	m.metrics.authFailures.Inc()
	m.emit(Event{Kind: EventError, State: StateClosed, Err: err})
}

func (m *ConnManager) run(conn Conn) {
	defer func() {
		glog.V(5).Infof("conn: run(): exited, uid: %s", m.identity.Id)
		m.wg.Done()
	}()

	var sleep time.Duration
	for {
		if conn != nil {
			err := m.readLoop(conn)
			m.detach(conn)
			if isFatal(err) {
				m.fail(err)
				return
			}
			if !m.dropped(err) {
				return
			}
			conn = nil
			sleep = 0
		}

		backoff(&sleep, m.conf.BackoffBase, m.conf.BackoffMax)
		glog.V(5).Infof("conn: reconnect in %s", sleep)
		timer := time.NewTimer(sleep)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c, err := m.dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
				return
			}
			if isFatal(err) {
				m.fail(err)
				return
			}
			glog.Errorf("conn: reconnect error: %v", err)
			m.setReconnecting()
			continue
		}
		if !m.activate(c) {
			return
		}
		m.metrics.reconnects.Inc()
		conn = c
	}
}

func (m *ConnManager) setReconnecting() {
	m.Lock()
	if !m.closed && m.state != StateClosed {
		m.state = StateReconnecting
	}
	m.Unlock()
}

// readLoop forwards server frames until the connection fails.
func (m *ConnManager) readLoop(conn Conn) error {
	for {
		msg, err := conn.Recv()
		if err != nil {
			if m.ctx.Err() == nil {
				glog.Errorf("conn: readLoop(): recv error: %v", err)
			}
			return err
		}

		if v := msg.PrivateMessage; v != nil {
			if m.State() != StateActive {
				continue
			}
			glog.V(5).Infof("conn: readLoop(): incoming message from %s, id: %s", v.From, v.Id)
			m.metrics.received.Inc()
			m.emit(Event{Kind: EventInbound, State: StateActive, Message: v})
		} else if v := msg.Error; v != nil {
			if v.Code == pb.ErrorCodeUnauthenticated {
				return fmt.Errorf("%w: %v", ErrAuthRejected, v.Params)
			}
			glog.Errorf("conn: readLoop(): server error: %+v", v)
			ev := Event{
				Kind:  EventError,
				State: StateActive,
				Err:   fmt.Errorf("server error: code: %d, %v", v.Code, v.Params),
			}
			if p := m.rejected(v); p != nil {
				m.metrics.rejected.Inc()
				ev.Err = fmt.Errorf("%w: %s, code: %d, %v", ErrDeliveryRejected, p.ClientId, v.Code, v.Params)
				ev.Pending = p
			}
			m.emit(ev)
		} else if msg.Kickoff {
			glog.Infof("conn: readLoop(): kicked off by server")
		}
	}
}

// rejected returns the send refused by e, nil if e is not about a send.
func (m *ConnManager) rejected(e *pb.Error) *PendingSend {
	if e.Req == nil || e.Req.PrivateMessage == nil || e.Req.PrivateMessage.ClientId == "" {
		return nil
	}
	req := e.Req.PrivateMessage
	m.Lock()
	p := m.takeInflightLocked(req.ClientId)
	m.Unlock()
	if p == nil {
		p = &PendingSend{ClientId: req.ClientId, ReceiverId: req.To, Content: req.Message}
	}
	return p
}

// Send transmits p when active and queues it otherwise. A written send is kept
// until Ack, and is written again after a reconnect if the drop came first.
// It does not fail the caller; overflow is reported on the event stream.
// Once closed, p is dropped.
func (m *ConnManager) Send(p *PendingSend) {
	m.Lock()
	if m.closed {
		m.Unlock()
		glog.Errorf("conn: Send(): closed, drop %s", p.ClientId)
		return
	}
	if m.state == StateActive && m.conn != nil {
		if p.EnqueuedAt.IsZero() {
			p.EnqueuedAt = m.queue.now()
		}
		p.Attempts++
		err := m.conn.Send(newClientMsg(p))
		if err == nil {
			m.inflight = append(m.inflight, p)
			m.Unlock()
			m.metrics.sent.Inc()
			return
		}
		glog.Errorf("conn: Send(): write error: %v, queued %s", err, p.ClientId)
		m.conn.Close()
	}

	dropped, err := m.queue.Enqueue(p)
	m.metrics.queued.Inc()
	m.metrics.queueDepth.Set(float64(m.queue.Len()))
	state := m.state
	m.Unlock()

	if err != nil {
		glog.Errorf("conn: Send(): %v", err)
		m.metrics.queueOverflow.Inc()
		m.emit(Event{Kind: EventError, State: state, Err: err, Pending: dropped})
	}
}

// Close ends the connection, stops reconnecting and discards the pending queue.
// It returns after every goroutine of the manager has exited.
func (m *ConnManager) Close() {
	m.Lock()
	if m.closed {
		m.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	n := m.queue.Clear() + len(m.inflight)
	m.inflight = nil
	m.metrics.queueDepth.Set(0)
	m.Unlock()

	m.cancel()
	if conn != nil {
		conn.Close()
	}
	m.wg.Wait()
	glog.Infof("conn: closed, uid: %s, discarded %d pending sends", m.identity.Id, n)
}

func (m *ConnManager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// backoff doubles d within [base, max].
func backoff(d *time.Duration, base, max time.Duration) {
	if *d == 0 {
		*d = base
		return
	}
	*d *= 2
	if *d > max {
		*d = max
	}
}

func newClientMsg(p *PendingSend) *pb.ClientMsg {
	return &pb.ClientMsg{PrivateMessage: &pb.PrivateMessage{
		ClientId: p.ClientId,
		To:       p.ReceiverId,
		Message:  p.Content,
	}}
}
