package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Resolver ResolverConfig `yaml:"resolver"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Player   PlayerConfig   `yaml:"player"`
	Trust    TrustConfig    `yaml:"trust"`
	Defense  DefenseConfig  `yaml:"defense"`
	Database DatabaseConfig `yaml:"database"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ResolverConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type CatalogConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// PlayerConfig carries every tunable of the adaptive playback engine.
// Timing constants live here rather than as literals in the engine.
type PlayerConfig struct {
	ForwardBufferTarget time.Duration `yaml:"forward_buffer_target"`
	BackBufferLimit     time.Duration `yaml:"back_buffer_limit"`
	NetworkRetryLimit   int           `yaml:"network_retry_limit"`
	NetworkRetryDelay   time.Duration `yaml:"network_retry_delay"`
	MediaRecoveryLimit  int           `yaml:"media_recovery_limit"`
	FragmentTimeout     time.Duration `yaml:"fragment_timeout"`
	ManifestTimeout     time.Duration `yaml:"manifest_timeout"`
	StartLowest         bool          `yaml:"start_lowest"`
	ABRMinSamples       int           `yaml:"abr_min_samples"`
	ABRUpgradeAfter     time.Duration `yaml:"abr_upgrade_after"`
}

// TrustProfile is one set of click-gating policy constants. Desktop and
// mobile carry different values because mobile ad techniques are more
// aggressive about the first interactions after load.
type TrustProfile struct {
	LoadGracePeriod  time.Duration `yaml:"load_grace_period"`
	FirstNSuppressed int           `yaml:"first_n_suppressed"`
	MinClickSpacing  time.Duration `yaml:"min_click_spacing"`
	ParanoiaWindow   time.Duration `yaml:"paranoia_window"`
	TrustFloor       int           `yaml:"trust_floor"`
	TrustCeiling     int           `yaml:"trust_ceiling"`
	TrustIncrement   int           `yaml:"trust_increment"`
	InitialTrust     int           `yaml:"initial_trust"`
}

type TrustConfig struct {
	Desktop TrustProfile `yaml:"desktop"`
	Mobile  TrustProfile `yaml:"mobile"`
}

// DefenseConfig holds the hijack-defense pattern tables and timing
// heuristics. The pattern lists are data, not code: they can be tuned and
// hot-reloaded without touching the interception mechanism.
type DefenseConfig struct {
	PatternsVersion   int             `yaml:"patterns_version"`
	AllowedDomains    []string        `yaml:"allowed_domains"`
	BlockedSubstrings []string        `yaml:"blocked_substrings"`
	BlockedSuffixes   []string        `yaml:"blocked_suffixes"`
	BlockedSchemes    []string        `yaml:"blocked_schemes"`
	GestureWindow     time.Duration   `yaml:"gesture_window"`
	FocusLossWindow   time.Duration   `yaml:"focus_loss_window"`
	ReclaimDelays     []time.Duration `yaml:"reclaim_delays"`
	SanitizeInterval  time.Duration   `yaml:"sanitize_interval"`
	ContextPollEvery  time.Duration   `yaml:"context_poll_every"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ProxyConfig struct {
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	CacheCapacity int           `yaml:"cache_capacity"`
	CacheMaxSize  int64         `yaml:"cache_max_size"` // bytes
	RateLimit     int           `yaml:"rate_limit"`     // requests per second per IP
	UserAgent     string        `yaml:"user_agent"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the shipped configuration. Trust constants follow the
// conservative end of the observed deployments: stricter on mobile.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         6550,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
		},
		Resolver: ResolverConfig{
			BaseURL: "",
			Timeout: 90 * time.Second,
		},
		Catalog: CatalogConfig{
			BaseURL: "https://api.themoviedb.org/3",
			Timeout: 15 * time.Second,
		},
		Player: PlayerConfig{
			ForwardBufferTarget: 20 * time.Second,
			BackBufferLimit:     12 * time.Second,
			NetworkRetryLimit:   5,
			NetworkRetryDelay:   time.Second,
			MediaRecoveryLimit:  2,
			FragmentTimeout:     15 * time.Second,
			ManifestTimeout:     15 * time.Second,
			StartLowest:         true,
			ABRMinSamples:       3,
			ABRUpgradeAfter:     4 * time.Second,
		},
		Trust: TrustConfig{
			Desktop: TrustProfile{
				LoadGracePeriod:  3 * time.Second,
				FirstNSuppressed: 3,
				MinClickSpacing:  800 * time.Millisecond,
				ParanoiaWindow:   30 * time.Second,
				TrustFloor:       30,
				TrustCeiling:     85,
				TrustIncrement:   5,
				InitialTrust:     50,
			},
			Mobile: TrustProfile{
				LoadGracePeriod:  7 * time.Second,
				FirstNSuppressed: 8,
				MinClickSpacing:  1200 * time.Millisecond,
				ParanoiaWindow:   45 * time.Second,
				TrustFloor:       40,
				TrustCeiling:     90,
				TrustIncrement:   4,
				InitialTrust:     50,
			},
		},
		Defense: DefenseConfig{
			PatternsVersion: 1,
			AllowedDomains:  []string{"vidsrc.net", "vidsrc.to", "cloudnestra.com"},
			BlockedSubstrings: []string{
				"adsco", "propeller", "popunder", "popads", "exoclick",
				"trafficjunky", "onclick", "bet365", "1xbet",
				"betway", "casino",
			},
			BlockedSuffixes: []string{".exe", ".msi", ".apk", ".dmg", ".bat", ".scr"},
			BlockedSchemes:  []string{"blob", "data"},
			GestureWindow:   300 * time.Millisecond,
			FocusLossWindow: 1500 * time.Millisecond,
			ReclaimDelays: []time.Duration{
				0,
				10 * time.Millisecond,
				25 * time.Millisecond,
				50 * time.Millisecond,
				100 * time.Millisecond,
			},
			SanitizeInterval: 5 * time.Second,
			ContextPollEvery: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/cinegate.db",
		},
		Proxy: ProxyConfig{
			FetchTimeout:  15 * time.Second,
			CacheCapacity: 500,
			CacheMaxSize:  64 * 1024 * 1024, // 64 MB
			RateLimit:     60,
			UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Player.NetworkRetryLimit < 0 {
		return fmt.Errorf("player.network_retry_limit must be >= 0")
	}
	for _, p := range []TrustProfile{c.Trust.Desktop, c.Trust.Mobile} {
		if p.TrustFloor < 0 || p.TrustCeiling > 100 || p.TrustFloor > p.TrustCeiling {
			return fmt.Errorf("trust floor/ceiling invalid: floor=%d ceiling=%d", p.TrustFloor, p.TrustCeiling)
		}
		if p.TrustIncrement <= 0 {
			return fmt.Errorf("trust increment must be positive")
		}
		if p.InitialTrust <= p.TrustFloor || p.InitialTrust > 100 {
			return fmt.Errorf("initial trust must sit above the floor: initial=%d floor=%d", p.InitialTrust, p.TrustFloor)
		}
	}
	if c.Defense.GestureWindow <= 0 {
		return fmt.Errorf("defense.gesture_window must be positive")
	}
	return nil
}

// Profile selects the trust profile for a surface kind.
func (c *TrustConfig) Profile(mobile bool) TrustProfile {
	if mobile {
		return c.Mobile
	}
	return c.Desktop
}
