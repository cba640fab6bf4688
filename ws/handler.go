package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	pb "github.com/mqy/minichat/proto"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	KickedOff    SessionError = 6
	SlowConsumer SessionError = 7
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	dataChanSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// Browsers send the token by cookie or query, both are checked by auth.
		return true
	},
}

// Handler managers an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub     *Hub
	session *Session
	conn    *websocket.Conn
	limiter *rate.Limiter

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError  `json:"error,omitempty"`
	ServerMsg *pb.ServerMsg `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true

	code := websocket.CloseNormalClosure
	if cause == ServerStop {
		code = websocket.CloseGoingAway
	} else if cause == BadRequest {
		code = websocket.CloseUnsupportedData
	}
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""),
		time.Now().Add(writeWait))
	h.conn.Close()
	close(h.dataChan)
	h.Unlock()

	glog.V(5).Infof("handler: session closed, cause: %d, %s", cause, h)
	if cause != ServerStop {
		// Ask hub to remove this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

// appendDataChan queues v for the send loop. A session that does not keep up is closed.
func (h *Handler) appendDataChan(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- v:
		return true
	default:
		glog.Errorf("handler: data chan is full, session: %s", h)
		go h.close(SlowConsumer)
		return false
	}
}

func (h *Handler) sendError(err *pb.Error) {
	h.appendDataChan(&SessionData{ServerMsg: &pb.ServerMsg{Error: err}})
}

func sendServerMsg(conn *websocket.Conn, msg *pb.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(int64(h.hub.conf.MaxFrameBytes))
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.sendError(newInvalidArgumentError(nil, "websocket only supports TextMessage"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := pb.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.sendError(newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if v := req.PrivateMessage; v != nil {
			if !h.limiter.Allow() {
				h.hub.metrics.rejected.WithLabelValues("rate_limit").Inc()
				h.sendError(newResourceExhaustedError(&req, "rate limit exceeded"))
				continue
			}
			if err := h.hub.relay(h, v); err != nil {
				interceptError(err)
				err.Req = &req
				h.sendError(err)
			}
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.sendError(newInvalidArgumentError(&req, "unsupported request"))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				glog.Errorf("sendLoop(): empty data from data chan, session: %s", h)
				continue
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(): error write message. session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
