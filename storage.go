package shipchat

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Storage keys. Values are plain JSON strings with no schema versioning;
// a corrupt entry is detected by parse failure and discarded individually.
const (
	keySession        = "session"
	keyCurrentTeam    = "current_team"
	keyCurrentChannel = "current_channel"
	keyChannelList    = "channels"
	keyReadMarkers    = "read_markers"
	keyUserCache      = "users"
)

func keyPosts(channelID string) string { return "posts-" + channelID }

// Storage is the on-device key-value store the client persists state to.
type Storage interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory Storage, used as the default
// backend and in tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{entries: make(map[string]string)}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
}

func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// ============================================================================
// DirStorage
// ============================================================================

// DirStorage persists each key as one file under a directory, so a corrupt
// entry can be discarded without touching its neighbors. Writes are
// synchronous and not grouped; a crash between two related writes can leave
// them inconsistent, which is tolerated.
type DirStorage struct {
	dir string
	mu  sync.Mutex
}

// NewDirStorage creates the directory if needed and returns a storage
// backed by it.
func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &DirStorage{dir: dir}, nil
}

func (s *DirStorage) path(key string) string {
	// Keys never contain path separators, but be safe anyway.
	safe := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}

func (s *DirStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *DirStorage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.WriteFile(s.path(key), []byte(value), 0o600)
}

func (s *DirStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = os.Remove(s.path(key))
}

// ============================================================================
// JSON helpers
// ============================================================================

// loadJSON reads key into dst. A missing entry returns false; a corrupt
// entry is deleted and false returned, so loaders fall back to defaults
// instead of failing.
func loadJSON[T any](st Storage, key string, dst *T) bool {
	raw, ok := st.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		st.Delete(key)
		return false
	}
	return true
}

// saveJSON marshals v under key. Marshal failures are silently dropped:
// persistence must never corrupt in-memory state or surface from a writer
// path.
func saveJSON(st Storage, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	st.Set(key, string(data))
}
