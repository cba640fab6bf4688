package ws

import (
	"sort"
	"sync"
	"time"
)

// Session describes one websocket connection of a user.
type Session struct {
	Sid        string    `json:"sid"`
	Uid        string    `json:"uid"`
	CreateTime time.Time `json:"create_time"`
	Ip         string    `json:"ip"`
}

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{handlers: make(map[string]*Handler)}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

// add stores handler and returns the sessions of the same user beyond quota,
// oldest first. They are removed from the store.
func (hs *HandlerStore) add(handler *Handler, quota int) []*Handler {
	hs.Lock()
	defer hs.Unlock()
	hs.handlers[handler.session.Sid] = handler

	if quota <= 0 {
		return nil
	}

	var slice []*Handler
	for _, h := range hs.handlers {
		if h.session.Uid == handler.session.Uid {
			slice = append(slice, h)
		}
	}
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}

	sort.Slice(slice, func(i, j int) bool {
		return slice[i].session.CreateTime.Before(slice[j].session.CreateTime)
	})
	kickoff := slice[:n]
	for _, h := range kickoff {
		delete(hs.handlers, h.session.Sid)
	}
	return kickoff
}

func (hs *HandlerStore) getByUid(uid string) []*Handler {
	hs.RLock()
	defer hs.RUnlock()

	var out []*Handler
	for _, h := range hs.handlers {
		if h.session.Uid == uid {
			out = append(out, h)
		}
	}
	return out
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.Lock()
	handlers := hs.handlers
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()

	for _, h := range handlers {
		h.close(ServerStop)
	}
}
