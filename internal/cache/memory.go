package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a backend created with a non-positive size.
const DefaultMaxEntries = 10000

// Memory is an in-process LRU backend, most recently used at the front.
type Memory struct {
	mu    sync.Mutex
	max   int
	ll    *list.List
	items map[string]*list.Element
}

type memEntry struct {
	key   string
	value []byte
	exp   time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{max: maxEntries, ll: list.New(), items: make(map[string]*list.Element)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	m.ll.MoveToFront(el)
	en := el.Value.(memEntry)
	return en.value, en.exp, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		el.Value = memEntry{key: key, value: value, exp: expiresAt}
		m.ll.MoveToFront(el)
		return nil
	}
	m.items[key] = m.ll.PushFront(memEntry{key: key, value: value, exp: expiresAt})
	for m.ll.Len() > m.max {
		m.removeElement(m.ll.Back())
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		m.removeElement(el)
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for el := m.ll.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(memEntry).exp) {
			m.removeElement(el)
			n++
		}
		el = prev
	}
	return n, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll.Init()
	m.items = make(map[string]*list.Element)
	return nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len(), nil
}

func (m *Memory) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(memEntry).key)
}
