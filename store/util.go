package store

import (
	"encoding/binary"
	"strconv"
	"time"
)

// ConvKey returns the conversation key shared by both parties: the ids sorted,
// the first one prefixed with its length so ids holding ':' cannot collide.
func ConvKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// NormalizeLimit clamps limit into [1, MaxHistoryLimit], zero means default.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// sameMessage tells whether a saved message equals m, for idempotent saves.
// Create times are compared at millisecond precision.
func sameMessage(saved, m *Message) bool {
	return saved.From == m.From && saved.To == m.To && saved.Content == m.Content &&
		saved.CreateTime.UnixMilli() == m.CreateTime.UnixMilli()
}

// timeKey builds a bbolt key ordered by create time: 8 bytes BIG endian unix millis, then id.
func timeKey(t time.Time, id string) []byte {
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixMilli()))
	copy(key[8:], id)
	return key
}

func reverse(slice []*Message) {
	for i, j := 0, len(slice)-1; i < j; i, j = i+1, j-1 {
		slice[i], slice[j] = slice[j], slice[i]
	}
}
