package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	pb "github.com/mqy/minichat/proto"
)

const noticesChanSize = 64

// Notice is a user visible condition: a delivery failure or a connection change.
type Notice struct {
	Err     error
	State   State
	Pending *PendingSend
}

type SessionCfg struct {
	Identity  *Identity
	Transport Transport
	Directory DirectoryClient
	History   HistoryClient
	Conf      Config

	// Registerer receives the session metrics, may be nil.
	Registerer prometheus.Registerer
}

// Session coordinates one logged in identity: it selects conversations, routes
// incoming messages into the conversation store and sends composed messages.
// A session is started once and stopped once.
type Session struct {
	identity  *Identity
	directory *Directory
	history   HistoryClient
	conns     *ConnManager
	queue     *PendingQueue
	store     *ConversationStore
	metrics   *Metrics

	selection uint64 // last selection token, atomic

	mu       sync.Mutex
	contacts map[string]Contact
	started  bool
	stopped  bool

	notices chan Notice
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSession(cfg *SessionCfg) *Session {
	conf := cfg.Conf.WithDefaults()
	metrics := NewMetrics(cfg.Registerer)
	queue := NewPendingQueue(conf.QueueCapacity, conf.QueueMaxAge, conf.QueueMaxAttempt)
	return &Session{
		identity:  cfg.Identity,
		directory: NewDirectory(cfg.Directory),
		history:   cfg.History,
		conns:     NewConnManager(cfg.Identity, cfg.Transport, queue, conf, metrics),
		queue:     queue,
		store:     NewConversationStore(cfg.Identity.Id, conf.EchoWindow, metrics),
		metrics:   metrics,
		contacts:  make(map[string]Contact),
		notices:   make(chan Notice, noticesChanSize),
	}
}

func (s *Session) Identity() *Identity {
	return s.identity
}

// Start subscribes to the connection events, connects, and loads the contacts.
// A missing or rejected token fails Start and leaves the session stopped.
// ErrDirectoryUnavailable is returned with the session running: ListContacts
// may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)

	if err := s.conns.Connect(ctx); err != nil {
		s.Stop()
		return err
	}

	if _, err := s.ListContacts(ctx); err != nil {
		return err
	}
	return nil
}

// Stop tears the session down: closes the transport, cancels reconnection,
// discards pending sends and clears every conversation. Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.contacts = make(map[string]Contact)
	s.mu.Unlock()

	s.conns.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.store.Clear()
	glog.Infof("session: stopped, uid: %s", s.identity.Id)
}

// Logout is Stop under the name the presentation layer knows.
func (s *Session) Logout() {
	s.Stop()
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// loop is the single consumer of the connection event stream.
func (s *Session) loop(ctx context.Context) {
	defer func() {
		glog.V(5).Infof("session: loop(): exited, uid: %s", s.identity.Id)
		s.wg.Done()
	}()

	events := s.conns.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	glog.V(5).Infof("session: event: %s, state: %s", ev.Kind, ev.State)
	switch ev.Kind {
	case EventInbound:
		s.RouteIncoming(ev.Message)
	case EventConnected:
		s.notify(Notice{State: ev.State})
	case EventDisconnected, EventError:
		s.notify(Notice{Err: ev.Err, State: ev.State, Pending: ev.Pending})
	}
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		glog.Errorf("session: notices chan is full, drop notice: %v", n.Err)
	}
}

// Notices delivers delivery failures and connection changes.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// ListContacts refetches the directory.
func (s *Session) ListContacts(ctx context.Context) ([]Contact, error) {
	contacts, err := s.directory.ListContacts(ctx, s.identity)
	if err != nil {
		glog.Errorf("session: list contacts: %v", err)
		return nil, err
	}

	m := make(map[string]Contact, len(contacts))
	for _, c := range contacts {
		m[c.Id] = c
	}
	s.mu.Lock()
	if !s.stopped {
		s.contacts = m
	}
	s.mu.Unlock()
	return contacts, nil
}

// Contact returns a contact of the last directory fetch.
func (s *Session) Contact(id string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	return c, ok
}

// SelectConversation makes the conversation with contactId the active one right
// away, then fetches its history. It returns when the fetch completes.
// If another selection of the same conversation happened meanwhile the result
// is dropped and nil is returned, whatever the fetch outcome.
func (s *Session) SelectConversation(ctx context.Context, contactId string) error {
	if s.isStopped() {
		return ErrSessionClosed
	}
	if _, ok := s.Contact(contactId); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContact, contactId)
	}

	token := atomic.AddUint64(&s.selection, 1)
	key := NewConversationKey(s.identity.Id, contactId)
	s.store.Select(key, token)
	glog.V(5).Infof("session: select %s, token: %d", key, token)

	history, err := s.history.History(ctx, s.identity.Token(), contactId)
	if err != nil {
		if s.store.SelectionToken(key) != token {
			glog.V(5).Infof("session: stale history error dropped, key: %s, err: %v", key, err)
			return nil
		}
		glog.Errorf("session: fetch history, key: %s, err: %v", key, err)
		return fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}

	s.store.StageHistory(key, history, token)
	return nil
}

// ActiveContact returns the counterparty of the active conversation.
func (s *Session) ActiveContact() (string, bool) {
	key, ok := s.store.Active()
	if !ok {
		return "", false
	}
	return key.Peer(s.identity.Id), true
}

// ActiveConversation returns the messages of the active conversation, in display order.
func (s *Session) ActiveConversation() []Message {
	key, ok := s.store.Active()
	if !ok {
		return nil
	}
	msgs, _ := s.store.Messages(key)
	return msgs
}

// Conversation returns the messages exchanged with contactId, and whether its history is loaded.
func (s *Session) Conversation(contactId string) ([]Message, bool) {
	return s.store.Messages(NewConversationKey(s.identity.Id, contactId))
}

// ComposeAndSend appends content to the active conversation as an optimistic
// message and hands it to the connection, which sends or queues it.
// It never waits for the network.
func (s *Session) ComposeAndSend(content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if s.isStopped() {
		return Message{}, ErrSessionClosed
	}
	key, ok := s.store.Active()
	if !ok {
		return Message{}, ErrNoActiveConversation
	}

	m := &Message{
		ClientId:   newClientId(),
		SenderId:   s.identity.Id,
		ReceiverId: key.Peer(s.identity.Id),
		Content:    content,
		Timestamp:  time.Now(),
		Origin:     OriginLocal,
	}
	out := *m
	s.store.AppendOptimistic(key, m)

	s.conns.Send(&PendingSend{
		ClientId:   m.ClientId,
		Key:        key,
		ReceiverId: m.ReceiverId,
		Content:    content,
	})
	return out, nil
}

// RouteIncoming stores a message delivered by the transport into its conversation,
// creating the conversation if this is the first contact.
func (s *Session) RouteIncoming(v *pb.PrivateMessage) AppendResult {
	if v == nil {
		return Rejected
	}
	m := messageFromWire(v, OriginServer)
	if m.ReceiverId == "" {
		m.ReceiverId = s.identity.Id
	}
	if m.SenderId == "" || (m.SenderId != s.identity.Id && m.ReceiverId != s.identity.Id) {
		glog.Errorf("session: RouteIncoming(): not addressed to %s: %+v", s.identity.Id, v)
		return Rejected
	}

	key := m.Key()
	res := s.store.AppendLive(key, m)
	glog.V(5).Infof("session: routed message to %s, result: %d", key, res)
	if res != Rejected && m.SenderId == s.identity.Id && m.ClientId != "" {
		s.conns.Ack(m.ClientId)
	}
	return res
}

// ConnectionState reports the connection state.
func (s *Session) ConnectionState() State {
	return s.conns.State()
}

// PendingCount is the number of messages waiting for a connection.
func (s *Session) PendingCount() int {
	return s.queue.Len()
}

// IsDeliveryFailure tells whether a notice reports a message that was not delivered.
func IsDeliveryFailure(n Notice) bool {
	return errors.Is(n.Err, ErrQueueOverflow) || errors.Is(n.Err, ErrDeliveryExpired) ||
		errors.Is(n.Err, ErrDeliveryRejected)
}
