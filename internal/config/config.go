// Package config provides runtime configuration management.
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/relaypool/cc-gateway/internal/utils"
)

// HealthScoreConfig configures the health scoring for the hybrid tie-break scorer.
type HealthScoreConfig struct {
	Initial          float64 `yaml:"initial"`
	SuccessReward    float64 `yaml:"successReward"`
	RateLimitPenalty float64 `yaml:"rateLimitPenalty"`
	FailurePenalty   float64 `yaml:"failurePenalty"`
	RecoveryPerHour  float64 `yaml:"recoveryPerHour"`
	MinUsable        float64 `yaml:"minUsable"`
	MaxScore         float64 `yaml:"maxScore"`
}

// TokenBucketConfig configures the client-side token bucket tie-break scorer.
type TokenBucketConfig struct {
	MaxTokens       float64 `yaml:"maxTokens"`
	TokensPerMinute float64 `yaml:"tokensPerMinute"`
	InitialTokens   float64 `yaml:"initialTokens"`
}

// QuotaConfig configures quota thresholds for the tie-break scorer.
type QuotaConfig struct {
	LowThreshold      float64 `yaml:"lowThreshold"`
	CriticalThreshold float64 `yaml:"criticalThreshold"`
	StaleMs           int64   `yaml:"staleMs"`
	UnknownScore      float64 `yaml:"unknownScore"`
}

// WeightsConfig holds the relative weights the supplemental scorer gives each
// signal (health, remaining token-bucket capacity, quota headroom, LRU) when
// it breaks a tie among round-robin candidates.
type WeightsConfig struct {
	Health float64 `yaml:"health" json:"health"`
	Tokens float64 `yaml:"tokens" json:"tokens"`
	Quota  float64 `yaml:"quota" json:"quota"`
	Lru    float64 `yaml:"lru" json:"lru"`
}

// AccountSelectionConfig configures the supplemental scoring layer used to break
// ties among round-robin candidates once the literal selection policy (sticky ->
// 60s window -> round-robin -> all-unavailable fallback) has narrowed the field.
// Strategy is retained only as a display label for presets/webui; it no longer
// switches between mutually-exclusive selection algorithms (there is exactly one
// selection policy — see internal/account.Scheduler) and defaults to enabling
// the scorer whenever it names anything other than "round-robin".
type AccountSelectionConfig struct {
	Strategy      string              `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	EnableScoring bool                `yaml:"enableScoring" json:"enableScoring"`
	HealthScore   *HealthScoreConfig  `yaml:"healthScore,omitempty" json:"healthScore,omitempty"`
	TokenBucket   *TokenBucketConfig  `yaml:"tokenBucket,omitempty" json:"tokenBucket,omitempty"`
	Quota         *QuotaConfig        `yaml:"quota,omitempty" json:"quota,omitempty"`
	Weights       *WeightsConfig      `yaml:"weights,omitempty" json:"weights,omitempty"`
}

// SchedulingMode is the literal mode vocabulary from the external interface.
type SchedulingMode string

const (
	SchedulingPerformanceFirst SchedulingMode = "PerformanceFirst"
	SchedulingBalance          SchedulingMode = "Balance"
	SchedulingCacheFirst       SchedulingMode = "CacheFirst"
)

// AuthMode is the inbound auth vocabulary from the external interface.
type AuthMode string

const (
	AuthOff            AuthMode = "Off"
	AuthAllExceptHealth AuthMode = "AllExceptHealth"
	AuthAuto           AuthMode = "Auto"
)

// SchedulingConfig configures the token pool & scheduler.
type SchedulingConfig struct {
	Mode SchedulingMode `yaml:"mode"`
}

// UpstreamProxyConfig configures the outbound HTTP proxy used by the dispatcher.
type UpstreamProxyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ExperimentalConfig gates opt-in behaviors.
type ExperimentalConfig struct {
	EnableToolLoopRecovery bool `yaml:"enableToolLoopRecovery"`
}

// ZaiConfig is the third-party passthrough namespace; out of core scope beyond
// recognising tool names so the sanitiser leaves them untouched.
type ZaiConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config represents the runtime configuration snapshot (spec §6 "Config
// snapshot" collaborator). Readers go through the accessor methods, which
// take mu for reading; Load rewrites the struct in place while holding mu.
type Config struct {
	mu sync.RWMutex

	// Bind surface
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	AllowLANAccess bool   `yaml:"allowLanAccess"`

	// Inbound auth
	AuthMode AuthMode `yaml:"authMode"`
	APIKey   string   `yaml:"apiKey"`

	// Dispatcher
	RequestTimeoutSec int                 `yaml:"requestTimeoutSec"`
	UpstreamProxy     UpstreamProxyConfig `yaml:"upstreamProxy"`

	// Mapping and scheduling
	CustomMapping map[string]string `yaml:"customMapping"`
	Scheduling    SchedulingConfig  `yaml:"scheduling"`

	// Logging / experiments / third-party passthrough
	EnableLogging bool               `yaml:"enableLogging"`
	Experimental  ExperimentalConfig `yaml:"experimental"`
	Zai           ZaiConfig          `yaml:"zai"`

	// Ambient knobs not named in the external interface but needed by the
	// ambient stack (dev mode toggles the logger's debug level).
	DevMode bool `yaml:"devMode"`

	// Account pool limits and the supplemental scoring layer.
	MaxAccounts          int                    `yaml:"maxAccounts"`
	GlobalQuotaThreshold float64                `yaml:"globalQuotaThreshold"`
	AccountSelection     AccountSelectionConfig `yaml:"accountSelection"`

	// Optional auxiliary Redis mirror (signature cache + distributed rate
	// limit mirror); never the account system of record.
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	// Account index collaborator location.
	AccountsDir string `yaml:"accountsDir"`

	// Monitor sink collaborator.
	MonitorDBPath string `yaml:"monitorDbPath"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Port:              DefaultPort,
		Host:              "0.0.0.0",
		AllowLANAccess:    false,
		AuthMode:          AuthAuto,
		APIKey:            "",
		RequestTimeoutSec: 600,
		UpstreamProxy:     UpstreamProxyConfig{},
		CustomMapping:     make(map[string]string),
		Scheduling:        SchedulingConfig{Mode: SchedulingBalance},
		EnableLogging:     true,
		Experimental:      ExperimentalConfig{EnableToolLoopRecovery: true},
		Zai:               ZaiConfig{Enabled: false},
		MaxAccounts:       50,
		AccountSelection: AccountSelectionConfig{
			Strategy:      "hybrid",
			EnableScoring: true,
			HealthScore: &HealthScoreConfig{
				Initial: 70, SuccessReward: 1, RateLimitPenalty: -10,
				FailurePenalty: -20, RecoveryPerHour: 10, MinUsable: 50, MaxScore: 100,
			},
			TokenBucket: &TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 50},
			Quota:       &QuotaConfig{LowThreshold: 0.10, CriticalThreshold: 0.05, StaleMs: 300000, UnknownScore: 50},
			Weights:     &WeightsConfig{Health: 2, Tokens: 5, Quota: 3, Lru: 0.1},
		},
		RedisAddr:     "",
		RedisDB:       0,
		AccountsDir:   "./accounts",
		MonitorDBPath: "./monitor.db",
	}
}

var (
	configDir  string
	configFile string
)

func init() {
	home := utils.GetHomeDir()
	configDir = filepath.Join(home, ".config", "cc-gateway")
	configFile = filepath.Join(configDir, "config.yaml")
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		_ = globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment, in place.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("[Config] Failed to create config directory: %v", err)
	}

	path := configFile
	if !utils.FileExists(path) {
		local := filepath.Join(".", "config.yaml")
		if utils.FileExists(local) {
			path = local
		} else {
			path = ""
		}
	}

	if path != "" {
		if err := c.loadFromFile(path); err != nil {
			utils.Warn("[Config] Failed to load config from %s: %v", path, err)
		}
	}

	c.loadFromEnv()
	utils.SetDebug(c.DevMode)
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tmp := DefaultConfig()
	if err := yaml.Unmarshal(data, tmp); err != nil {
		return err
	}

	tmp.mu = sync.RWMutex{}
	cur := *tmp
	cur.mu = sync.RWMutex{}
	*c = cur
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		var p int
		if _, err := fmtSscan(v, &p); err == nil && p > 0 {
			c.Port = p
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if os.Getenv("DEV_MODE") == "true" || os.Getenv("DEBUG") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("ACCOUNTS_DIR"); v != "" {
		c.AccountsDir = v
	}
}

// Save persists the current configuration to disk as YAML.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureDir(configDir); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(configFile, data, 0644)
}

// GetPublic returns a copy of the config with sensitive fields redacted.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"port":              c.Port,
		"host":              c.Host,
		"allowLanAccess":    c.AllowLANAccess,
		"authMode":          c.AuthMode,
		"apiKey":            redact(c.APIKey),
		"requestTimeoutSec": c.RequestTimeoutSec,
		"upstreamProxy":     c.UpstreamProxy,
		"customMapping":     c.CustomMapping,
		"scheduling":        c.Scheduling,
		"enableLogging":     c.EnableLogging,
		"experimental":      c.Experimental,
		"maxAccounts":       c.MaxAccounts,
		"accountSelection":  c.AccountSelection,
		"redisAddr":         c.RedisAddr,
		"accountsDir":       c.AccountsDir,
	}
}

// ScoringEnabled reports whether the supplemental scoring tie-break layer
// should run within the round-robin step of the selection policy. Honors the
// explicit EnableScoring flag first; falls back to the legacy Strategy label
// for presets written before EnableScoring existed.
func (a AccountSelectionConfig) ScoringEnabled() bool {
	if a.EnableScoring {
		return true
	}
	return a.Strategy != "" && a.Strategy != "round-robin"
}

// SchedulingModeValue returns the current scheduling mode.
func (c *Config) SchedulingModeValue() SchedulingMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Scheduling.Mode == "" {
		return SchedulingBalance
	}
	return c.Scheduling.Mode
}

// GetStrategy returns the configured selection-strategy label. This is a
// display/compat label only — there is exactly one selection policy
// (account.Scheduler); the label just controls whether its optional scoring
// tie-break layer runs, via ScoringEnabled.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.AccountSelection.Strategy == "" {
		return "hybrid"
	}
	return c.AccountSelection.Strategy
}

// RequiresAuth reports whether a given path requires inbound API-key auth
// under the current AuthMode, honoring AllowLANAccess semantics for Auto.
func (c *Config) RequiresAuth(path string, isLAN bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "/healthz" {
		return false
	}
	switch c.AuthMode {
	case AuthOff:
		return false
	case AuthAllExceptHealth:
		return true
	case AuthAuto:
		if !c.AllowLANAccess {
			return false
		}
		return true
	default:
		return true
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func fmtSscan(s string, p *int) (int, error) {
	n := 0
	v := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		v = v*10 + int(r-'0')
		n++
	}
	if n == 0 {
		return 0, errNotNumber
	}
	*p = v
	return n, nil
}

var errNotNumber = &notNumberError{}

type notNumberError struct{}

func (e *notNumberError) Error() string { return "not a number" }

// GetPort returns the server port from global config.
func GetPort() int { return GetConfig().Port }

// GetHost returns the server host from global config.
func GetHost() string { return GetConfig().Host }
