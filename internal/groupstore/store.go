// Package groupstore implements GroupStore (spec §4.8): loads and
// caches per-group config (trigger mode, keywords, admins, model
// override, push schedule) from <dataDir>/groups/<groupId>/, watching
// the tree with fsnotify and reloading changed groups.
package groupstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultCacheTTL = 3 * time.Second

const defaultAgentMD = "# Group agent notes\n\nOpaque to the gateway core.\n"

type cachedGroup struct {
	cfg      protocol.GroupConfig
	loadedAt time.Time
}

// Store loads and caches per-group GroupConfig documents.
type Store struct {
	dataDir string
	ttl     time.Duration

	mu     sync.Mutex
	groups map[protocol.GroupID]cachedGroup

	watcher *fsnotify.Watcher
	cancel  func()
}

// New constructs a Store rooted at dataDir.
func New(dataDir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Store{dataDir: dataDir, ttl: ttl, groups: make(map[protocol.GroupID]cachedGroup)}
}

func (s *Store) groupDir(id protocol.GroupID) string {
	return filepath.Join(s.dataDir, "groups", string(id))
}

func (s *Store) configPath(id protocol.GroupID) string {
	return filepath.Join(s.groupDir(id), "config.yaml")
}

// EnsureGroupDir creates a default group directory (agent.md +
// config.yaml) on first reference.
func (s *Store) EnsureGroupDir(id protocol.GroupID) error {
	if !id.Valid() {
		return fmt.Errorf("group store: unsafe group id %q", id)
	}
	dir := s.groupDir(id)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create group dir: %w", err)
	}

	agentMD := filepath.Join(dir, "agent.md")
	if err := os.WriteFile(agentMD, []byte(defaultAgentMD), 0o644); err != nil {
		return fmt.Errorf("write agent.md: %w", err)
	}

	raw, err := yaml.Marshal(protocol.DefaultGroupConfig())
	if err != nil {
		return fmt.Errorf("marshal default group config: %w", err)
	}
	if err := os.WriteFile(s.configPath(id), raw, 0o644); err != nil {
		return fmt.Errorf("write group config: %w", err)
	}
	return nil
}

// GetGroup returns the cached GroupConfig, creating and loading it on
// first reference, and reloading on cache miss.
func (s *Store) GetGroup(id protocol.GroupID) (protocol.GroupConfig, error) {
	s.mu.Lock()
	if cached, ok := s.groups[id]; ok && time.Since(cached.loadedAt) < s.ttl {
		s.mu.Unlock()
		return cached.cfg, nil
	}
	s.mu.Unlock()

	if err := s.EnsureGroupDir(id); err != nil {
		return protocol.GroupConfig{}, err
	}

	return s.reload(id)
}

func (s *Store) reload(id protocol.GroupID) (protocol.GroupConfig, error) {
	var cfg protocol.GroupConfig
	raw, err := os.ReadFile(s.configPath(id))
	if err != nil {
		return cfg, fmt.Errorf("read group config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse group config: %w", err)
	}

	s.mu.Lock()
	s.groups[id] = cachedGroup{cfg: cfg, loadedAt: time.Now()}
	s.mu.Unlock()

	return cfg, nil
}

// ListGroupIDs enumerates the group directories currently on disk, for
// the push scheduler's per-tick sweep.
func (s *Store) ListGroupIDs() ([]protocol.GroupID, error) {
	root := filepath.Join(s.dataDir, "groups")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list group directories: %w", err)
	}

	ids := make([]protocol.GroupID, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := protocol.GroupID(e.Name())
		if id.Valid() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Watch starts an fsnotify watch over <dataDir>/groups and reloads a
// group's cached config whenever its config.yaml changes. Call Close to
// stop watching.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create group store watcher: %w", err)
	}
	s.watcher = watcher

	root := filepath.Join(s.dataDir, "groups")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create groups root: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch groups root: %w", err)
	}
	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = watcher.Add(filepath.Join(root, e.Name()))
			}
		}
	}

	done := make(chan struct{})
	s.cancel = func() { close(done) }

	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.handleFSEvent(ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("group store watch error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) handleFSEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	// ev.Name is <dataDir>/groups/<groupId>[/config.yaml]; the watcher
	// only watches the root non-recursively, so directory create events
	// arrive for new groups and we add a watch on them.
	info, err := os.Stat(ev.Name)
	if err == nil && info.IsDir() {
		if s.watcher != nil {
			_ = s.watcher.Add(ev.Name)
		}
		return
	}

	if filepath.Base(ev.Name) != "config.yaml" {
		return
	}
	id := protocol.GroupID(filepath.Base(filepath.Dir(ev.Name)))
	if !id.Valid() {
		return
	}
	if _, err := s.reload(id); err != nil {
		slog.Warn("group store hot-reload failed", "group_id", id, "error", err)
	}
}

// Close stops the watch goroutine and closes the underlying fsnotify
// watcher.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
