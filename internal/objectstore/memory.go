package objectstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// MemoryBackend keeps objects in process memory. It backs the "memory"
// driver for local development and lets callers inject per-operation
// failures.
type MemoryBackend struct {
	mu       sync.RWMutex
	objects  map[string]memObject
	failures map[string]error
	calls    map[string]int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects:  make(map[string]memObject),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (m *MemoryBackend) Name() string { return "memory" }

// Fail makes every later call to op ("put", "get", "delete", "exists",
// "presign", "ping", "list") return err. A nil err clears the failure.
func (m *MemoryBackend) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MemoryBackend) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Len returns the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Metadata returns the user metadata and content type stored with key.
func (m *MemoryBackend) Metadata(key string) (map[string]string, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.metadata, obj.contentType, ok
}

func (m *MemoryBackend) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MemoryBackend) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("put"); err != nil {
		return err
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	m.objects[key] = memObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		metadata:    md,
		modified:    time.Now(),
	}
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("get"); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("delete"); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("exists"); err != nil {
		return false, err
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("presign"); err != nil {
		return "", err
	}
	return fmt.Sprintf("memory://%s?expires=%d", key, time.Now().Add(ttl).Unix()), nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin("ping")
}

// SetModified backdates an object, for exercising age based sweeps.
func (m *MemoryBackend) SetModified(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.modified = t
		m.objects[key] = obj
	}
}

func (m *MemoryBackend) List(ctx context.Context, prefix string, fn func(ObjectInfo) error) error {
	m.mu.Lock()
	if err := m.begin("list"); err != nil {
		m.mu.Unlock()
		return err
	}
	var infos []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, ObjectInfo{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}
