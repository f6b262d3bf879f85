package protocol

// GroupConfig is the per-group configuration loaded lazily from
// GroupStore on first reference, cached with a bounded TTL, and
// hot-reloaded on change.
type GroupConfig struct {
	Enabled     bool     `yaml:"enabled"`
	TriggerMode string   `yaml:"triggerMode"` // "mention" | "keyword"
	Keywords    []string `yaml:"keywords"`
	AdminUsers  []string `yaml:"adminUsers"`
	MaxSessions int      `yaml:"maxSessions"`
	Model       string   `yaml:"model,omitempty"`
	EchoRate    *int     `yaml:"echoRate,omitempty"`
	Push        *PushConfig `yaml:"push,omitempty"`
}

// PushConfig configures GroupHotPushScheduler for one group. Time and
// Cron are alternate ways to say when the push fires: Cron, if set,
// takes precedence and is evaluated as a standard 5-field cron
// expression in Timezone; otherwise Time is matched as a literal
// "HH:MM" against the current wall clock in Timezone.
type PushConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Time     string `yaml:"time,omitempty"` // "HH:MM"
	Cron     string `yaml:"cron,omitempty"` // standard 5-field cron expression
	Timezone string `yaml:"timezone"`
}

// DefaultGroupConfig is written to disk on first ensureGroupDir.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		Enabled:     true,
		TriggerMode: "mention",
		Keywords:    nil,
		AdminUsers:  nil,
		MaxSessions: 1,
	}
}

// KeywordRouting controls which keyword sources apply for a bot.
type KeywordRouting struct {
	EnableGlobal bool `yaml:"enableGlobal"`
	EnableGroup  bool `yaml:"enableGroup"`
	EnableBot    bool `yaml:"enableBot"`
}

// BotKeywordConfig is the per-bot routing config loaded from
// <data>/bots/<botId>/config.yaml.
type BotKeywordConfig struct {
	Keywords       []string       `yaml:"keywords"`
	KeywordRouting KeywordRouting `yaml:"keywordRouting"`
	EchoRate       *int           `yaml:"echoRate,omitempty"`
}

func DefaultBotKeywordConfig() BotKeywordConfig {
	return BotKeywordConfig{
		KeywordRouting: KeywordRouting{EnableGlobal: true, EnableGroup: true, EnableBot: true},
	}
}

// GlobalConfig is the <data>/router/global.yaml document.
type GlobalConfig struct {
	Keywords []string `yaml:"keywords"`
	EchoRate int      `yaml:"echoRate"`
	// Aliases maps a raw upstream selfId to its canonical form, consulted
	// during dispatcher step 3 (alias resolution).
	Aliases map[string]string `yaml:"aliases"`
}

// RouterSnapshot is the short-TTL-cached global + per-bot router view;
// every dispatch reads it once.
type RouterSnapshot struct {
	GlobalKeywords []string
	GlobalEchoRate int
	Aliases        map[string]string
	BotConfigs     map[BotID]BotKeywordConfig
}

// LlbotRegistryEntry is written by a registrar with TTL, read
// periodically by the pool; absence implies disconnect.
type LlbotRegistryEntry struct {
	BotID      BotID  `json:"botId"`
	WSUrl      string `json:"wsUrl"`
	Platform   string `json:"platform"`
	LastSeenAt int64  `json:"lastSeenAt,omitempty"`
}

// GroupRoute is the last known (platform, selfId, channelId) a group was
// reachable at, written on any inbound event and consulted by the push
// scheduler.
type GroupRoute struct {
	Platform  string `json:"platform"`
	SelfID    string `json:"selfId"`
	ChannelID string `json:"channelId"`
	UpdatedAt int64  `json:"updatedAt"`
}
