package runtime

import (
	"context"
	"sync"
)

// localObjects keeps result images in memory. Development fallback when no
// object storage backend is configured; results do not survive a restart.
type localObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newLocalObjects() *localObjects {
	return &localObjects{data: make(map[string][]byte)}
}

func (l *localObjects) Upload(_ context.Context, key string, data []byte, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	l.data[key] = buf
	return nil
}

func (l *localObjects) PublicURL(key string) string {
	return "/objects/" + key
}
