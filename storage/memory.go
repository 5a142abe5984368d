package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store used for local runs and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[Path]map[string]Fields
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[Path]map[string]Fields)}
}

func (m *Memory) Get(ctx context.Context, p Path) (*Document, error) {
	if !p.IsDocument() {
		return nil, fmt.Errorf("memory: %q is not a document path", p)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.collections[p.Parent()][p.ID()]
	if !ok {
		return nil, nil
	}
	return &Document{ID: p.ID(), Path: p, Fields: CloneFields(fields)}, nil
}

func (m *Memory) Set(ctx context.Context, p Path, fields Fields) error {
	if !p.IsDocument() {
		return fmt.Errorf("memory: %q is not a document path", p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[p.Parent()]
	if !ok {
		coll = make(map[string]Fields)
		m.collections[p.Parent()] = coll
	}
	coll[p.ID()] = CloneFields(fields)
	return nil
}

func (m *Memory) Update(ctx context.Context, p Path, fields Fields) error {
	if !p.IsDocument() {
		return fmt.Errorf("memory: %q is not a document path", p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.collections[p.Parent()][p.ID()]
	if !ok {
		return ErrNotFound
	}
	m.collections[p.Parent()][p.ID()] = MergeFields(cur, fields)
	return nil
}

func (m *Memory) Delete(ctx context.Context, p Path) error {
	if !p.IsDocument() {
		return fmt.Errorf("memory: %q is not a document path", p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[p.Parent()]
	if !ok {
		return nil
	}
	delete(coll, p.ID())
	if len(coll) == 0 {
		delete(m.collections, p.Parent())
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error) {
	docs, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if matches(d.Fields, field, op, value) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, collection Path) ([]Document, error) {
	if collection.IsDocument() {
		return nil, fmt.Errorf("memory: %q is not a collection path", collection)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll := m.collections[collection]
	docs := make([]Document, 0, len(coll))
	for id, fields := range coll {
		docs = append(docs, Document{ID: id, Path: collection.Child(id), Fields: CloneFields(fields)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}
