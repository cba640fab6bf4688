package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var (
	// conv key -> time key -> message JSON
	convsBucket = []byte("convs")
	// message id -> conv key + 0 + time key
	idsBucket = []byte("ids")
	// sender + 0 + client id -> message id
	clientsBucket = []byte("clients")
)

// boltStore implements interface `IMessageStore` on an embedded bbolt file.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db `%s`: %v", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{convsBucket, idsBucket, clientsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Save(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(m)
	if err != nil {
		return err
	}

	convKey := []byte(ConvKey(m.From, m.To))
	key := timeKey(m.CreateTime, m.Id)

	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucket)
		if ref := ids.Get([]byte(m.Id)); ref != nil {
			saved, err := s.getByRef(tx, ref)
			if err != nil {
				return err
			}
			if saved != nil && sameMessage(saved, m) {
				return nil
			}
			return ErrConflict
		}

		conv, err := tx.Bucket(convsBucket).CreateBucketIfNotExists(convKey)
		if err != nil {
			return err
		}
		if err := conv.Put(key, value); err != nil {
			return err
		}
		ref := make([]byte, 0, len(convKey)+1+len(key))
		ref = append(append(append(ref, convKey...), 0), key...)
		if err := ids.Put([]byte(m.Id), ref); err != nil {
			return err
		}
		if m.ClientId == "" {
			return nil
		}
		clients := tx.Bucket(clientsBucket)
		ck := clientKey(m.From, m.ClientId)
		if clients.Get(ck) != nil {
			return nil
		}
		return clients.Put(ck, []byte(m.Id))
	})
}

func (s *boltStore) getByRef(tx *bbolt.Tx, ref []byte) (*Message, error) {
	for i, b := range ref {
		if b != 0 {
			continue
		}
		conv := tx.Bucket(convsBucket).Bucket(ref[:i])
		if conv == nil {
			return nil, nil
		}
		value := conv.Get(ref[i+1:])
		if value == nil {
			return nil, nil
		}
		var m Message
		if err := json.Unmarshal(value, &m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	glog.Errorf("store: bad id ref: %q", ref)
	return nil, nil
}

func (s *boltStore) FindByClientId(ctx context.Context, from, clientId string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(clientsBucket).Get(clientKey(from, clientId))
		if id == nil {
			return nil
		}
		ref := tx.Bucket(idsBucket).Get(id)
		if ref == nil {
			return nil
		}
		m, err := s.getByRef(tx, ref)
		out = m
		return err
	})
	return out, err
}

func clientKey(from, clientId string) []byte {
	k := make([]byte, 0, len(from)+1+len(clientId))
	return append(append(append(k, from...), 0), clientId...)
}

func (s *boltStore) History(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = NormalizeLimit(limit)

	var out []*Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(convsBucket).Bucket([]byte(ConvKey(a, b)))
		if conv == nil {
			return nil
		}
		c := conv.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				glog.Errorf("store: bad message value, key: %x, err: %v", k, err)
				continue
			}
			out = append(out, &m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reverse(out)
	return out, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
