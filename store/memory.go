package store

import (
	"bytes"
	"fmt"
	"sync"

	"xdao.co/capres/advert"
)

// Memory is an in-process advertisement store. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]*advert.Advertisement
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*advert.Advertisement)}
}

func (m *Memory) Put(raw []byte) (string, error) {
	a, err := advert.Parse(raw)
	if err != nil {
		return "", err
	}
	id := a.CID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[id]; ok {
		if !bytes.Equal(existing.Raw(), a.Raw()) {
			return "", ErrImmutable
		}
		return id, nil
	}
	if sup := a.Supersedes(); sup != "" {
		old, ok := m.byID[sup]
		if !ok {
			return "", fmt.Errorf("supersession invalid: predecessor %q: %w", sup, ErrNotFound)
		}
		if err := ValidateSupersession(a, old); err != nil {
			return "", err
		}
	}
	m.byID[id] = a
	return id, nil
}

func (m *Memory) Get(cid string) (*advert.Advertisement, error) {
	if cid == "" {
		return nil, ErrInvalidCID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[cid]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *Memory) Has(cid string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[cid]
	return ok
}

func (m *Memory) all() []*advert.Advertisement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*advert.Advertisement, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	return out
}

func (m *Memory) Snapshot() ([]*advert.Advertisement, error) {
	return liveHeads(m.all()), nil
}

func (m *Memory) ListByURI(uri string) ([]*advert.Advertisement, error) {
	return filterURI(liveHeads(m.all()), uri), nil
}

func (m *Memory) ListByName(name string) ([]*advert.Advertisement, error) {
	return filterName(liveHeads(m.all()), name), nil
}
