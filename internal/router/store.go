// Package router implements RouterStore (spec §4.8): loads and caches
// global + per-bot keyword/echo/routing config from a filesystem tree,
// under a short-TTL cache.
//
// Grounded on the teacher's internal/config loading style (plain structs
// unmarshaled from a file, re-read on a cache-miss) generalized to the
// gateway's <data>/router tree instead of a single config.json.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/gatewaybot/pkg/protocol"
)

const defaultCacheTTL = 3 * time.Second

// Store loads and caches the global router config and per-bot keyword
// configs from <dataDir>/router/global.yaml and
// <dataDir>/bots/<botId>/config.yaml.
type Store struct {
	dataDir string
	ttl     time.Duration

	mu          sync.Mutex
	snapshot    protocol.RouterSnapshot
	snapshotAt  time.Time
	botCache    map[protocol.BotID]cachedBotConfig
}

type cachedBotConfig struct {
	cfg       protocol.BotKeywordConfig
	loadedAt  time.Time
}

// New constructs a Store rooted at dataDir. ttl<=0 uses the spec default
// of ~3s.
func New(dataDir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Store{dataDir: dataDir, ttl: ttl, botCache: make(map[protocol.BotID]cachedBotConfig)}
}

func (s *Store) globalPath() string {
	return filepath.Join(s.dataDir, "router", "global.yaml")
}

func (s *Store) botConfigPath(botID protocol.BotID) string {
	return filepath.Join(s.dataDir, "bots", string(botID), "config.yaml")
}

// EnsureInit writes a default global.yaml if one does not exist yet.
func (s *Store) EnsureInit() error {
	path := s.globalPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create router dir: %w", err)
	}
	def := protocol.GlobalConfig{Keywords: nil, EchoRate: 0, Aliases: map[string]string{}}
	return writeYAML(path, def)
}

// EnsureBotConfig writes a default per-bot config.yaml if missing, then
// loads it into the snapshot cache so the dispatcher's very next
// GetSnapshot call sees this bot's keyword routing (spec §4.4 step 4:
// "ensure a per-bot config exists... creates a default file if
// missing").
func (s *Store) EnsureBotConfig(botID protocol.BotID) error {
	if !botID.Valid() {
		return fmt.Errorf("router store: unsafe bot id %q", botID)
	}
	if err := s.ensureBotConfigFile(botID); err != nil {
		return err
	}
	_, err := s.GetBotConfig(botID)
	return err
}

func (s *Store) ensureBotConfigFile(botID protocol.BotID) error {
	path := s.botConfigPath(botID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bot config dir: %w", err)
	}
	return writeYAML(path, protocol.DefaultBotKeywordConfig())
}

// GetSnapshot returns the cached RouterSnapshot, reloading from disk on
// a cache miss (age >= ttl, or never loaded).
func (s *Store) GetSnapshot() (protocol.RouterSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.snapshotAt.IsZero() && time.Since(s.snapshotAt) < s.ttl {
		return s.snapshot, nil
	}

	global, err := s.loadGlobal()
	if err != nil {
		return protocol.RouterSnapshot{}, err
	}

	snap := protocol.RouterSnapshot{
		GlobalKeywords: global.Keywords,
		GlobalEchoRate: global.EchoRate,
		Aliases:        global.Aliases,
		BotConfigs:     make(map[protocol.BotID]protocol.BotKeywordConfig, len(s.botCache)),
	}
	for id, c := range s.botCache {
		snap.BotConfigs[id] = c.cfg
	}

	s.snapshot = snap
	s.snapshotAt = time.Now()
	return snap, nil
}

func (s *Store) loadGlobal() (protocol.GlobalConfig, error) {
	var g protocol.GlobalConfig
	raw, err := os.ReadFile(s.globalPath())
	if err != nil {
		return g, fmt.Errorf("read global router config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("parse global router config: %w", err)
	}
	return g, nil
}

// GetBotConfig loads (and caches) the per-bot keyword config, creating a
// default file on miss.
func (s *Store) GetBotConfig(botID protocol.BotID) (protocol.BotKeywordConfig, error) {
	s.mu.Lock()
	if cached, ok := s.botCache[botID]; ok && time.Since(cached.loadedAt) < s.ttl {
		s.mu.Unlock()
		return cached.cfg, nil
	}
	s.mu.Unlock()

	if !botID.Valid() {
		return protocol.BotKeywordConfig{}, fmt.Errorf("router store: unsafe bot id %q", botID)
	}
	if err := s.ensureBotConfigFile(botID); err != nil {
		return protocol.BotKeywordConfig{}, err
	}

	var cfg protocol.BotKeywordConfig
	raw, err := os.ReadFile(s.botConfigPath(botID))
	if err != nil {
		return cfg, fmt.Errorf("read bot config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse bot config: %w", err)
	}

	s.mu.Lock()
	s.botCache[botID] = cachedBotConfig{cfg: cfg, loadedAt: time.Now()}
	s.snapshotAt = time.Time{} // force snapshot refresh to pick up the new bot
	s.mu.Unlock()

	return cfg, nil
}

func writeYAML(path string, v any) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
