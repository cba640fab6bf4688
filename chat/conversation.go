package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// AppendResult tells what AppendLive did with a message.
type AppendResult int

const (
	Appended  AppendResult = 1 // new entry
	Confirmed AppendResult = 2 // server echo of an optimistic entry
	Duplicate AppendResult = 3 // redelivery, dropped
	Rejected  AppendResult = 4 // not addressed to the local identity
)

// Conversation is the ordered message buffer for one pair of parties.
// All access goes through ConversationStore, which holds its lock.
type Conversation struct {
	sync.Mutex

	key            ConversationKey
	messages       []*Message // ordered by (timestamp, client id)
	historyLoaded  bool
	selectionToken uint64
}

// ConversationStore owns every conversation of a session.
// Updates to one conversation are serialized; distinct conversations are independent.
type ConversationStore struct {
	sync.RWMutex

	self       string
	echoWindow time.Duration
	metrics    *Metrics

	convs     map[ConversationKey]*Conversation
	clientIds map[string]ConversationKey // optimistic entries only
	active    *ConversationKey
}

func NewConversationStore(self string, echoWindow time.Duration, metrics *Metrics) *ConversationStore {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ConversationStore{
		self:       self,
		echoWindow: echoWindow,
		metrics:    metrics,
		convs:      make(map[ConversationKey]*Conversation),
		clientIds:  make(map[string]ConversationKey),
	}
}

// GetOrCreate returns the conversation for key, creating it if needed.
func (s *ConversationStore) GetOrCreate(key ConversationKey) *Conversation {
	s.RLock()
	c := s.convs[key]
	s.RUnlock()
	if c != nil {
		return c
	}

	s.Lock()
	defer s.Unlock()
	if c = s.convs[key]; c == nil {
		c = &Conversation{key: key}
		s.convs[key] = c
	}
	return c
}

func (s *ConversationStore) get(key ConversationKey) *Conversation {
	s.RLock()
	defer s.RUnlock()
	return s.convs[key]
}

// Select marks the conversation as reloading under token and makes it active.
func (s *ConversationStore) Select(key ConversationKey, token uint64) {
	c := s.GetOrCreate(key)
	c.Lock()
	c.selectionToken = token
	c.historyLoaded = false
	c.Unlock()

	s.Lock()
	s.active = &key
	s.Unlock()
}

// SelectionToken returns the token of the latest selection of key, 0 if never selected.
func (s *ConversationStore) SelectionToken(key ConversationKey) uint64 {
	c := s.get(key)
	if c == nil {
		return 0
	}
	c.Lock()
	defer c.Unlock()
	return c.selectionToken
}

// Active returns the key of the displayed conversation.
func (s *ConversationStore) Active() (ConversationKey, bool) {
	s.RLock()
	defer s.RUnlock()
	if s.active == nil {
		return ConversationKey{}, false
	}
	return *s.active, true
}

// StageHistory merges fetched history into the conversation, unless token no longer
// matches the conversation's selection token. Returns whether it was applied.
func (s *ConversationStore) StageHistory(key ConversationKey, history []*Message, token uint64) bool {
	c := s.get(key)
	if c == nil {
		// cleared since the selection.
		s.metrics.staleHistories.Inc()
		return false
	}
	c.Lock()
	defer c.Unlock()

	if token != c.selectionToken {
		glog.V(5).Infof("store: drop stale history, key: %s, token: %d, current: %d", key, token, c.selectionToken)
		s.metrics.staleHistories.Inc()
		return false
	}

	merged := make([]*Message, 0, len(history)+len(c.messages))
	folded := make([]bool, len(history))
	for _, h := range history {
		h.Origin = OriginHistory
		merged = append(merged, h)
	}

	var unconfirmed []string
	for _, m := range c.messages {
		if m.Origin == OriginHistory {
			continue
		}
		if i := s.findFold(history, folded, m); i >= 0 {
			folded[i] = true
			// keep the client id stable for whoever renders the conversation.
			history[i].ClientId = m.ClientId
			if m.Origin == OriginLocal {
				unconfirmed = append(unconfirmed, m.ClientId)
			}
			continue
		}
		merged = append(merged, m)
	}

	for _, h := range merged {
		if h.ClientId == "" {
			h.ClientId = newClientId()
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].before(merged[j])
	})

	c.messages = merged
	c.historyLoaded = true

	if len(unconfirmed) > 0 {
		s.Lock()
		for _, cid := range unconfirmed {
			delete(s.clientIds, cid)
		}
		s.Unlock()
	}
	glog.V(5).Infof("store: staged %d history messages, key: %s, total: %d", len(history), key, len(merged))
	return true
}

// findFold finds the unfolded history entry representing m, or -1.
func (s *ConversationStore) findFold(history []*Message, folded []bool, m *Message) int {
	for i, h := range history {
		if folded[i] {
			continue
		}
		if h.sameDelivery(m) {
			return i
		}
		if m.Origin == OriginLocal && s.isEcho(h, m) {
			return i
		}
	}
	return -1
}

// isEcho tells whether delivered is the server's copy of the optimistic entry local.
func (s *ConversationStore) isEcho(delivered, local *Message) bool {
	if delivered.SenderId != s.self || local.Origin != OriginLocal {
		return false
	}
	if delivered.ClientId != "" {
		return delivered.ClientId == local.ClientId
	}
	if delivered.ReceiverId != local.ReceiverId || delivered.Content != local.Content {
		return false
	}
	d := delivered.Timestamp.Sub(local.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= s.echoWindow
}

// AppendLive adds a message delivered by the transport.
func (s *ConversationStore) AppendLive(key ConversationKey, m *Message) AppendResult {
	c := s.GetOrCreate(key)
	c.Lock()
	defer c.Unlock()

	for _, e := range c.messages {
		if m.ServerId != "" && e.ServerId == m.ServerId {
			s.metrics.duplicates.Inc()
			return Duplicate
		}
		if m.ClientId != "" && e.ClientId == m.ClientId && e.Origin != OriginLocal {
			s.metrics.duplicates.Inc()
			return Duplicate
		}
	}

	// the earliest optimistic entry wins when several look alike.
	for _, e := range c.messages {
		if s.isEcho(m, e) {
			e.ServerId = m.ServerId
			e.Origin = OriginServer
			m.ClientId = e.ClientId
			s.Lock()
			delete(s.clientIds, e.ClientId)
			s.Unlock()
			s.metrics.echoConfirmed.Inc()
			glog.V(5).Infof("store: echo confirmed %s", e)
			return Confirmed
		}
	}

	for _, e := range c.messages {
		if e.Origin != OriginLocal && e.sameDelivery(m) {
			s.metrics.duplicates.Inc()
			return Duplicate
		}
	}

	if m.ClientId == "" {
		m.ClientId = newClientId()
	}
	m.Origin = OriginServer
	c.insert(m)
	return Appended
}

// AppendOptimistic adds a locally composed message and returns its client id.
func (s *ConversationStore) AppendOptimistic(key ConversationKey, m *Message) string {
	if m.ClientId == "" {
		m.ClientId = newClientId()
	}
	m.Origin = OriginLocal

	c := s.GetOrCreate(key)
	c.Lock()
	c.insert(m)
	c.Unlock()

	s.Lock()
	s.clientIds[m.ClientId] = key
	s.Unlock()
	return m.ClientId
}

// Confirm attaches serverId to the optimistic entry clientId.
// Returns false if there is no such unconfirmed entry.
func (s *ConversationStore) Confirm(clientId, serverId string) bool {
	s.RLock()
	key, ok := s.clientIds[clientId]
	s.RUnlock()
	if !ok {
		return false
	}

	c := s.get(key)
	if c == nil {
		return false
	}
	c.Lock()
	var done bool
	for _, e := range c.messages {
		if e.ClientId == clientId && e.Origin == OriginLocal {
			e.ServerId = serverId
			e.Origin = OriginServer
			done = true
			break
		}
	}
	c.Unlock()

	s.Lock()
	delete(s.clientIds, clientId)
	s.Unlock()
	return done
}

// Messages returns a copy of the conversation's messages, and whether its history is loaded.
func (s *ConversationStore) Messages(key ConversationKey) ([]Message, bool) {
	c := s.get(key)
	if c == nil {
		return nil, false
	}
	c.Lock()
	defer c.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out, c.historyLoaded
}

// Keys returns keys of all conversations.
func (s *ConversationStore) Keys() []ConversationKey {
	s.RLock()
	defer s.RUnlock()
	out := make([]ConversationKey, 0, len(s.convs))
	for k := range s.convs {
		out = append(out, k)
	}
	return out
}

// Clear drops every conversation.
func (s *ConversationStore) Clear() {
	s.Lock()
	s.convs = make(map[ConversationKey]*Conversation)
	s.clientIds = make(map[string]ConversationKey)
	s.active = nil
	s.Unlock()
}

func (c *Conversation) insert(m *Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return !c.messages[i].before(m)
	})
	c.messages = append(c.messages, nil)
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}
