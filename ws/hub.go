package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/mqy/minichat/auth"
	pb "github.com/mqy/minichat/proto"
	"github.com/mqy/minichat/store"
)

const (
	DefaultSessionQuota = 5
	MaxSessionQuota     = 10
	DefaultMaxMsgBytes  = 4096
	DefaultRateLimit    = 5
	DefaultRateBurst    = 10

	saveTimeout = 3 * time.Second

	// JSON escapes one content byte into at most 6 (`\u003c`), the rest of the
	// frame fits in frameOverhead.
	escapeRatio   = 6
	frameOverhead = 1024
)

type HubConf struct {
	// SessionQuota is the per user session quota. The oldest sessions above it are kicked off.
	SessionQuota int
	// MaxMsgBytes limits the content of a private message.
	MaxMsgBytes int
	// MaxFrameBytes limits a websocket frame. It is raised to hold a fully
	// escaped message of MaxMsgBytes.
	MaxFrameBytes int
	// RateLimit is the number of messages per second allowed per session, with RateBurst.
	RateLimit float64
	RateBurst int
}

func (c HubConf) withDefaults() HubConf {
	if c.SessionQuota <= 0 {
		c.SessionQuota = DefaultSessionQuota
	}
	if c.MaxMsgBytes <= 0 {
		c.MaxMsgBytes = DefaultMaxMsgBytes
	}
	if min := escapeRatio*c.MaxMsgBytes + frameOverhead; c.MaxFrameBytes < min {
		c.MaxFrameBytes = min
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	return c
}

type HubCfg struct {
	Auth  auth.Client
	Store store.IMessageStore
	Conf  HubConf

	// Registerer receives the hub metrics, may be nil.
	Registerer prometheus.Registerer
}

// Hub works as a hub that manages and serves sessions: it authenticates
// websocket requests, saves private messages and relays them to the sessions
// of both parties.
type Hub struct {
	conf       HubConf
	authClient auth.Client
	store      store.IMessageStore
	hstore     *HandlerStore
	metrics    *hubMetrics

	mu     sync.RWMutex
	closed bool
}

// NewHub creates a `Hub`.
func NewHub(cfg *HubCfg) *Hub {
	return &Hub{
		conf:       cfg.Conf.withDefaults(),
		authClient: cfg.Auth,
		store:      cfg.Store,
		hstore:     newHandlerStore(),
		metrics:    newHubMetrics(cfg.Registerer),
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "Server is stopping", http.StatusServiceUnavailable)
		return
	}

	user, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusUnauthorized)
		return
	}

	sess := &Session{
		Uid:        user.Id,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", user.Id, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		hub:      h,
		session:  sess,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(h.conf.RateLimit), h.conf.RateBurst),
		dataChan: make(chan *SessionData, dataChanSize),
	}

	// `connected` goes first, before anything relayed to this session.
	handler.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{
		Connected: &pb.Connected{Sid: sess.Sid, Uid: sess.Uid},
	}})
	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	kickoff := h.hstore.add(handler, h.conf.SessionQuota)
	for _, s := range kickoff {
		glog.V(5).Infof("addHandler(): kickoff session: %s", s)
		s.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{Kickoff: true}})
		h.metrics.kickoffs.Inc()
	}
	h.metrics.sessions.Set(float64(h.hstore.size()))
	glog.V(5).Infof("addHandler(): session online: %s", handler)
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		h.metrics.sessions.Set(float64(h.hstore.size()))
		glog.V(5).Infof("delHandler(): session offline: %s", sid)
	}
}

// relay saves a message sent by from's user, delivers it to the receiver's sessions
// and echoes it, with the sender's client id, to every session of the sender.
// A client id the sender used before is not relayed again: the stored message is
// echoed to from only.
func (h *Hub) relay(from *Handler, v *pb.PrivateMessage) *pb.Error {
	uid := from.session.Uid

	var errs []string
	if v.To == "" {
		errs = append(errs, "to: required")
	} else if h.findUser(v.To) == nil {
		errs = append(errs, fmt.Sprintf("to: unknown user `%s`", v.To))
	}
	if strings.TrimSpace(v.Message) == "" {
		errs = append(errs, "message: required")
	} else if len(v.Message) > h.conf.MaxMsgBytes {
		errs = append(errs, fmt.Sprintf("message: exceeds limit: %d bytes", h.conf.MaxMsgBytes))
	}
	if len(errs) > 0 {
		h.metrics.rejected.WithLabelValues("invalid").Inc()
		return newInvalidArgumentError(nil, errs...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if v.ClientId != "" {
		saved, err := h.store.FindByClientId(ctx, uid, v.ClientId)
		if err != nil {
			glog.Errorf("relay(): find by client id error, uid: %s, err: %v", uid, err)
			h.metrics.rejected.WithLabelValues("store").Inc()
			return newInternalError(nil, err.Error())
		}
		if saved != nil {
			// written again after a lost echo: the receiver has it already.
			glog.V(5).Infof("relay(): resent, uid: %s, cid: %s, id: %s", uid, v.ClientId, saved.Id)
			h.metrics.resent.Inc()
			from.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{PrivateMessage: store.ToWire(saved)}})
			return nil
		}
	}

	m := &store.Message{
		Id:         strings.ReplaceAll(uuid.New(), "-", ""),
		ClientId:   v.ClientId,
		From:       uid,
		To:         v.To,
		Content:    v.Message,
		CreateTime: time.UnixMilli(time.Now().UnixMilli()),
	}
	if err := h.store.Save(ctx, m); err != nil {
		glog.Errorf("relay(): save error, uid: %s, err: %v", uid, err)
		h.metrics.rejected.WithLabelValues("store").Inc()
		return newInternalError(nil, err.Error())
	}

	echo := store.ToWire(m)
	if m.To != uid {
		delivered := *echo
		delivered.ClientId = ""
		for _, s := range h.hstore.getByUid(m.To) {
			s.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{PrivateMessage: &delivered}})
		}
	}
	for _, s := range h.hstore.getByUid(uid) {
		s.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{PrivateMessage: echo}})
	}

	h.metrics.relayed.Inc()
	glog.V(5).Infof("relay(): %s -> %s, id: %s", m.From, m.To, m.Id)
	return nil
}

func (h *Hub) findUser(id string) *auth.User {
	for _, u := range h.authClient.Users() {
		if u.Id == id {
			return u
		}
	}
	return nil
}

// Close closes every session. New websocket requests are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	glog.Infof("close connections ...")
	h.hstore.close()
	h.metrics.sessions.Set(0)
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
