package archive

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// MemStore is an ObjectStore held in memory, it backs dry runs of the
// upload stage and tests.
type MemStore struct {
	mutex   sync.Mutex
	objects map[string][]byte
	puts    int
	// FailKeys makes puts of these keys fail.
	FailKeys map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{objects: map[string][]byte{}, FailKeys: map[string]bool{}}
}

func (m *MemStore) EnsureBucket(context.Context) error { return nil }

func (m *MemStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	sum := md5.Sum(data)
	return ObjectInfo{Size: int64(len(data)), ETag: hex.EncodeToString(sum[:])}, nil
}

func (m *MemStore) put(key string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.FailKeys[key] {
		return fmt.Errorf("upload %s: refused", key)
	}
	m.objects[key] = data
	m.puts++
	return nil
}

func (m *MemStore) PutFile(_ context.Context, key, path, _ string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), m.put(key, data)
}

func (m *MemStore) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	return m.put(key, append([]byte(nil), data...))
}

func (m *MemStore) ListPrefixes(_ context.Context, prefix string) ([]string, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	seen := map[string]struct{}{}
	for key := range m.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		dir, _, nested := strings.Cut(rest, "/")
		if nested {
			seen[prefix+dir+"/"] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, nil
}

// Keys lists every stored key in order.
func (m *MemStore) Keys() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Puts counts successful writes, including overwrites.
func (m *MemStore) Puts() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.puts
}
