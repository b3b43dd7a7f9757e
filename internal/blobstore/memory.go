package blobstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/BadgerOps/evidence/internal/safety"
)

type memObject struct {
	data        []byte
	contentType string
}

// Memory is an in-process Store used by `blobstore.driver: memory` and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memObject)}
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Object{}
	for k, o := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(o.data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean, err := safety.CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.objects[clean]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), o.data...), nil
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return m.write(ctx, key, data, contentType, false)
}

func (m *Memory) Create(ctx context.Context, key string, data []byte, contentType string) error {
	return m.write(ctx, key, data, contentType, true)
}

func (m *Memory) write(ctx context.Context, key string, data []byte, contentType string, exclusive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := safety.CleanKey(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[clean]; ok && exclusive {
		return ErrExists
	}
	m.objects[clean] = memObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean, err := safety.CleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[clean]; !ok {
		return ErrNotFound
	}
	delete(m.objects, clean)
	return nil
}

// ContentType returns the content type recorded for key.
func (m *Memory) ContentType(key string) (string, bool) {
	if clean, err := safety.CleanKey(key); err == nil {
		key = clean
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o.contentType, ok
}
