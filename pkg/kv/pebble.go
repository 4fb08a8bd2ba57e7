package kv

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"

	"capsuled/pkg/faults"
	"capsuled/pkg/logger"
)

// Pebble keyspace layout. Record bytes live under dataPrefix; the
// secondary indexes are key-only entries under their own prefixes with
// a NUL between attribute and record key (store keys are printable
// namespace strings; checkValue rejects NUL in attribute values before
// anything reaches this layout).
const (
	dataPrefix    = "d:"
	ownerPrefix   = "io:"
	subjectPrefix = "is:"
	indexSep      = "\x00"
)

// Pebble is the durable backend. It survives process restarts and is
// the production store.
type Pebble struct {
	db   *pebble.DB
	path string
}

// OpenPebble opens (or creates) the durable store at path.
func OpenPebble(path string) (*Pebble, error) {
	logger.Info("opening_pebble_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Pebble{db: db, path: path}, nil
}

func (p *Pebble) Backend() string { return "pebble" }

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	logger.Info("pebble_store_closed", "path", p.path)
	return err
}

func dataKey(key string) []byte { return []byte(dataPrefix + key) }

func ownerKey(owner, key string) []byte {
	return []byte(ownerPrefix + owner + indexSep + key)
}

func subjectKey(subject, key string) []byte {
	return []byte(subjectPrefix + subject + indexSep + key)
}

func (p *Pebble) getRaw(key string) (Value, bool, error) {
	raw, closer, err := p.db.Get(dataKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, fmt.Errorf("pebble get %q: %w", key, err)
	}
	defer closer.Close()
	v, derr := decodeValue(raw)
	if derr != nil {
		return Value{}, false, derr
	}
	return v, true, nil
}

func (p *Pebble) Insert(key string, v Value) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(v); err != nil {
		return err
	}
	if _, ok, err := p.getRaw(key); err != nil {
		return err
	} else if ok {
		return faults.Conflict("key %q already present", key)
	}
	if err := p.write(key, nil, v); err != nil {
		return err
	}
	opsTotal.WithLabelValues(p.Backend(), "insert").Inc()
	return nil
}

func (p *Pebble) Upsert(key string, v Value) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(v); err != nil {
		return err
	}
	old, ok, err := p.getRaw(key)
	if err != nil {
		return err
	}
	var oldp *Value
	if ok {
		oldp = &old
	}
	if err := p.write(key, oldp, v); err != nil {
		return err
	}
	opsTotal.WithLabelValues(p.Backend(), "upsert").Inc()
	return nil
}

// write persists the value and swaps index entries in one synced batch.
// Pebble applies batch operations in order, so the old index deletes
// land strictly before the new index sets: no interleaved reader ever
// observes both generations.
func (p *Pebble) write(key string, old *Value, v Value) error {
	b := p.db.NewBatch()
	defer b.Close()
	if old != nil {
		if old.Owner != "" {
			if err := b.Delete(ownerKey(old.Owner, key), nil); err != nil {
				return err
			}
		}
		if old.Subject != "" {
			if err := b.Delete(subjectKey(old.Subject, key), nil); err != nil {
				return err
			}
		}
	}
	if err := b.Set(dataKey(key), encodeValue(v), nil); err != nil {
		return err
	}
	if v.Owner != "" {
		if err := b.Set(ownerKey(v.Owner, key), nil, nil); err != nil {
			return err
		}
	}
	if v.Subject != "" {
		if err := b.Set(subjectKey(v.Subject, key), nil, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("pebble_write_failed", "key", key, "error", err)
		return fmt.Errorf("pebble write %q: %w", key, err)
	}
	return nil
}

func (p *Pebble) Get(key string) (Value, bool, error) {
	if err := checkKey(key); err != nil {
		return Value{}, false, err
	}
	return p.getRaw(key)
}

func (p *Pebble) Update(key string, f func(Value) (Value, error)) error {
	if err := checkKey(key); err != nil {
		return err
	}
	old, ok, err := p.getRaw(key)
	if err != nil {
		return err
	}
	if !ok {
		return faults.NotFound("key %q", key)
	}
	next, err := f(old)
	if err != nil {
		return err
	}
	if err := checkValue(next); err != nil {
		return err
	}
	if err := p.write(key, &old, next); err != nil {
		return err
	}
	opsTotal.WithLabelValues(p.Backend(), "update").Inc()
	return nil
}

func (p *Pebble) Remove(key string) (Value, bool, error) {
	if err := checkKey(key); err != nil {
		return Value{}, false, err
	}
	old, ok, err := p.getRaw(key)
	if err != nil || !ok {
		return Value{}, false, err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete(dataKey(key), nil); err != nil {
		return Value{}, false, err
	}
	if old.Owner != "" {
		if err := b.Delete(ownerKey(old.Owner, key), nil); err != nil {
			return Value{}, false, err
		}
	}
	if old.Subject != "" {
		if err := b.Delete(subjectKey(old.Subject, key), nil); err != nil {
			return Value{}, false, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Value{}, false, fmt.Errorf("pebble remove %q: %w", key, err)
	}
	opsTotal.WithLabelValues(p.Backend(), "remove").Inc()
	return old, true, nil
}

// listIndex walks one index prefix and extracts the record keys.
func (p *Pebble) listIndex(prefix string) ([]string, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	pfx := []byte(prefix)
	out := []string{}
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(iter.Key()[len(pfx):]))
	}
	return out, iter.Error()
}

func (p *Pebble) ListByOwner(owner string) ([]string, error) {
	return p.listIndex(ownerPrefix + owner + indexSep)
}

func (p *Pebble) ListBySubject(subject string) ([]string, error) {
	return p.listIndex(subjectPrefix + subject + indexSep)
}

func (p *Pebble) Scan(prefix string, fn func(key string, v Value) (bool, error)) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	pfx := []byte(dataPrefix + prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		v, derr := decodeValue(append([]byte(nil), iter.Value()...))
		if derr != nil {
			return derr
		}
		key := strings.TrimPrefix(string(iter.Key()), dataPrefix)
		cont, err := fn(key, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

func (p *Pebble) Paginate(cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 {
		return nil, "", faults.InvalidArgument("limit must be positive")
	}
	seek := []byte(dataPrefix)
	skipEqual := ""
	if cursor != "" {
		pos, err := decodeCursor(p.Backend(), cursor)
		if err != nil {
			return nil, "", err
		}
		seek = dataKey(pos)
		skipEqual = pos
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, "", err
	}
	defer iter.Close()
	var out []Entry
	more := false
	for iter.SeekGE(seek); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), []byte(dataPrefix)) {
			break
		}
		key := strings.TrimPrefix(string(iter.Key()), dataPrefix)
		if key == skipEqual {
			continue
		}
		if len(out) == limit {
			more = true
			break
		}
		v, derr := decodeValue(append([]byte(nil), iter.Value()...))
		if derr != nil {
			return nil, "", derr
		}
		out = append(out, Entry{Key: key, Value: v})
	}
	if err := iter.Error(); err != nil {
		return nil, "", err
	}
	next := ""
	if more && len(out) > 0 {
		next = encodeCursor(p.Backend(), out[len(out)-1].Key)
	}
	return out, next, nil
}

func (p *Pebble) Len() (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	pfx := []byte(dataPrefix)
	n := 0
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		n++
	}
	return n, iter.Error()
}
