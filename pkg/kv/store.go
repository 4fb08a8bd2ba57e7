// Package kv is the keyed store abstraction backing sessions, chunks,
// blobs and capsule records. It has two interchangeable backends: a
// transient in-memory map and a durable Pebble store. Both maintain
// secondary indexes by owner and by subject and must behave
// identically; the shared conformance suite in store_conformance_test.go
// runs against both.
package kv

import (
	"encoding/base64"
	"encoding/binary"
	"strings"

	"capsuled/pkg/faults"
)

// Value is a stored record: opaque bytes plus the attributes the
// secondary indexes are built from. Empty Owner or Subject simply means
// the record is absent from that index. Attributes are capped at
// maxAttrLen bytes and must not contain NUL; every write path rejects
// violations with InvalidArgument.
type Value struct {
	Data    []byte
	Owner   string
	Subject string
}

// Entry pairs a key with its value for listing calls.
type Entry struct {
	Key   string
	Value Value
}

// Store is the narrow CRUD contract both backends implement.
// Enumeration is always in byte order of keys; pagination cursors are
// opaque, stable across non-mutating calls, and only valid against the
// backend that issued them.
type Store interface {
	// Insert stores a new key; a pre-existing key is a Conflict.
	Insert(key string, v Value) error
	// Upsert stores the key unconditionally. On replace, the prior
	// value's index entries are removed before the new ones are added.
	Upsert(key string, v Value) error
	Get(key string) (Value, bool, error)
	// Update applies f to the current value; NotFound if absent. Index
	// entries follow any owner/subject change.
	Update(key string, f func(Value) (Value, error)) error
	// Remove deletes the key and its index entries, returning the old
	// value when present.
	Remove(key string) (Value, bool, error)

	// ListByOwner returns the keys of all live records with the owner,
	// in byte order.
	ListByOwner(owner string) ([]string, error)
	// ListBySubject returns the keys of all live records with the
	// subject, in byte order.
	ListBySubject(subject string) ([]string, error)

	// Scan visits records whose key starts with prefix, in byte order,
	// until fn returns false or an error.
	Scan(prefix string, fn func(key string, v Value) (bool, error)) error
	// Paginate returns up to limit entries after the cursor position
	// (whole store when cursor is empty) plus the next cursor, empty
	// when exhausted.
	Paginate(cursor string, limit int) ([]Entry, string, error)

	// Len returns the number of live records.
	Len() (int, error)
	// Backend is the tag embedded in this store's cursors.
	Backend() string

	Close() error
}

// checkKey enforces the empty-key guardrail. An empty key once silently
// corrupted the subject index, so it is rejected at the boundary for
// every operation that accepts a key.
func checkKey(key string) error {
	if key == "" {
		return faults.InvalidArgument("empty key")
	}
	return nil
}

// maxAttrLen is the largest owner/subject the uint16 length frame can
// carry.
const maxAttrLen = 1<<16 - 1

// checkValue enforces the index-attribute guardrails at the same
// boundary as checkKey: attributes must fit the value frame's uint16
// length header and must not contain the NUL byte the durable index
// layout uses as its separator. An oversized owner once wrapped the
// length header and a NUL-bearing owner once planted phantom index
// entries, both silently and only on one backend.
func checkValue(v Value) error {
	if len(v.Owner) > maxAttrLen {
		return faults.InvalidArgument("owner of %d bytes exceeds limit %d", len(v.Owner), maxAttrLen)
	}
	if len(v.Subject) > maxAttrLen {
		return faults.InvalidArgument("subject of %d bytes exceeds limit %d", len(v.Subject), maxAttrLen)
	}
	if strings.IndexByte(v.Owner, 0) >= 0 {
		return faults.InvalidArgument("owner contains NUL byte")
	}
	if strings.IndexByte(v.Subject, 0) >= 0 {
		return faults.InvalidArgument("subject contains NUL byte")
	}
	return nil
}

// encodeCursor builds an opaque token from the backend tag and the last
// key served.
func encodeCursor(backend, lastKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(backend + "|" + lastKey))
}

// decodeCursor validates the token against the calling backend and
// returns the position. A cursor minted by the other backend is an
// InvalidArgument, never silently reinterpreted.
func decodeCursor(backend, cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", faults.InvalidArgument("malformed cursor")
	}
	s := string(raw)
	i := strings.IndexByte(s, '|')
	if i < 0 {
		return "", faults.InvalidArgument("malformed cursor")
	}
	if s[:i] != backend {
		return "", faults.InvalidArgument("cursor issued by %q backend, not %q", s[:i], backend)
	}
	return s[i+1:], nil
}

// encodeValue frames owner and subject ahead of the data bytes so a
// Value round-trips through a flat byte store.
func encodeValue(v Value) []byte {
	buf := make([]byte, 0, 4+len(v.Owner)+len(v.Subject)+len(v.Data))
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(v.Owner)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, v.Owner...)
	binary.BigEndian.PutUint16(hdr[:], uint16(len(v.Subject)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, v.Subject...)
	buf = append(buf, v.Data...)
	return buf
}

func decodeValue(b []byte) (Value, error) {
	var v Value
	if len(b) < 4 {
		return v, faults.InvalidArgument("corrupt value frame")
	}
	ol := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < ol+2 {
		return v, faults.InvalidArgument("corrupt value frame")
	}
	v.Owner = string(b[:ol])
	b = b[ol:]
	sl := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < sl {
		return v, faults.InvalidArgument("corrupt value frame")
	}
	v.Subject = string(b[:sl])
	v.Data = append([]byte(nil), b[sl:]...)
	return v, nil
}
