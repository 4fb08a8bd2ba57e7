package kv

import (
	"sort"
	"strings"
	"sync"

	"capsuled/pkg/faults"
)

// Memory is the transient backend: a map plus sorted key slice so
// enumeration order matches Pebble's byte ordering exactly.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]Value
	sorted []string
	// secondary indexes: attribute -> set of keys
	byOwner   map[string]map[string]struct{}
	bySubject map[string]map[string]struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:      make(map[string]Value),
		byOwner:   make(map[string]map[string]struct{}),
		bySubject: make(map[string]map[string]struct{}),
	}
}

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Close() error { return nil }

func (m *Memory) insertSorted(key string) {
	i := sort.SearchStrings(m.sorted, key)
	if i < len(m.sorted) && m.sorted[i] == key {
		return
	}
	m.sorted = append(m.sorted, "")
	copy(m.sorted[i+1:], m.sorted[i:])
	m.sorted[i] = key
}

func (m *Memory) removeSorted(key string) {
	i := sort.SearchStrings(m.sorted, key)
	if i < len(m.sorted) && m.sorted[i] == key {
		m.sorted = append(m.sorted[:i], m.sorted[i+1:]...)
	}
}

func indexAdd(idx map[string]map[string]struct{}, attr, key string) {
	if attr == "" {
		return
	}
	set, ok := idx[attr]
	if !ok {
		set = make(map[string]struct{})
		idx[attr] = set
	}
	set[key] = struct{}{}
}

func indexDel(idx map[string]map[string]struct{}, attr, key string) {
	if attr == "" {
		return
	}
	if set, ok := idx[attr]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx, attr)
		}
	}
}

func (m *Memory) Insert(key string, v Value) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return faults.Conflict("key %q already present", key)
	}
	m.put(key, v)
	opsTotal.WithLabelValues(m.Backend(), "insert").Inc()
	return nil
}

func (m *Memory) Upsert(key string, v Value) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(v); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// old index entries come out before the new ones go in, so there is
	// no window where both generations coexist
	if old, ok := m.data[key]; ok {
		indexDel(m.byOwner, old.Owner, key)
		indexDel(m.bySubject, old.Subject, key)
	}
	m.put(key, v)
	opsTotal.WithLabelValues(m.Backend(), "upsert").Inc()
	return nil
}

func (m *Memory) put(key string, v Value) {
	v.Data = append([]byte(nil), v.Data...)
	m.data[key] = v
	m.insertSorted(key)
	indexAdd(m.byOwner, v.Owner, key)
	indexAdd(m.bySubject, v.Subject, key)
}

func (m *Memory) Get(key string) (Value, bool, error) {
	if err := checkKey(key); err != nil {
		return Value{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return Value{}, false, nil
	}
	v.Data = append([]byte(nil), v.Data...)
	return v, true, nil
}

func (m *Memory) Update(key string, f func(Value) (Value, error)) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.data[key]
	if !ok {
		return faults.NotFound("key %q", key)
	}
	cur := old
	cur.Data = append([]byte(nil), old.Data...)
	next, err := f(cur)
	if err != nil {
		return err
	}
	if err := checkValue(next); err != nil {
		return err
	}
	indexDel(m.byOwner, old.Owner, key)
	indexDel(m.bySubject, old.Subject, key)
	m.put(key, next)
	opsTotal.WithLabelValues(m.Backend(), "update").Inc()
	return nil
}

func (m *Memory) Remove(key string) (Value, bool, error) {
	if err := checkKey(key); err != nil {
		return Value{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.data[key]
	if !ok {
		return Value{}, false, nil
	}
	delete(m.data, key)
	m.removeSorted(key)
	indexDel(m.byOwner, old.Owner, key)
	indexDel(m.bySubject, old.Subject, key)
	opsTotal.WithLabelValues(m.Backend(), "remove").Inc()
	return old, true, nil
}

func (m *Memory) listIndex(idx map[string]map[string]struct{}, attr string) []string {
	set := idx[attr]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) ListByOwner(owner string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listIndex(m.byOwner, owner), nil
}

func (m *Memory) ListBySubject(subject string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listIndex(m.bySubject, subject), nil
}

func (m *Memory) Scan(prefix string, fn func(key string, v Value) (bool, error)) error {
	m.mu.RLock()
	start := sort.SearchStrings(m.sorted, prefix)
	keys := append([]string(nil), m.sorted[start:]...)
	m.mu.RUnlock()
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			break
		}
		v, ok, err := m.Get(k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (m *Memory) Paginate(cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 {
		return nil, "", faults.InvalidArgument("limit must be positive")
	}
	after := ""
	if cursor != "" {
		pos, err := decodeCursor(m.Backend(), cursor)
		if err != nil {
			return nil, "", err
		}
		after = pos
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := 0
	if after != "" {
		i = sort.SearchStrings(m.sorted, after)
		if i < len(m.sorted) && m.sorted[i] == after {
			i++
		}
	}
	var out []Entry
	for ; i < len(m.sorted) && len(out) < limit; i++ {
		k := m.sorted[i]
		v := m.data[k]
		v.Data = append([]byte(nil), v.Data...)
		out = append(out, Entry{Key: k, Value: v})
	}
	next := ""
	if i < len(m.sorted) && len(out) > 0 {
		next = encodeCursor(m.Backend(), out[len(out)-1].Key)
	}
	return out, next, nil
}

func (m *Memory) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}
