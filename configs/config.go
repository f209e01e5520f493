package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/maheshrc27/postpilot/internal/apperr"
	"github.com/maheshrc27/postpilot/internal/models"
	"github.com/maheshrc27/postpilot/pkg/utils"
)

type R2 struct {
	AccountID     string
	AccessKey     string
	SecretKey     string
	BucketName    string
	PublicBaseURL string
}

// OAuthApp is one platform's client registration. A platform without a
// client id and secret is disabled.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

func (a OAuthApp) Enabled() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

type Scheduler struct {
	AutomationEnabled bool
	ApprovalRequired  bool
	PostingInterval   time.Duration
	RefreshInterval   time.Duration
	RetryInterval     time.Duration
	MetricsInterval   time.Duration
	Lookback          time.Duration
	SafetyWindow      time.Duration
	RefreshAhead      time.Duration
	RetryCooldown     time.Duration
	MaxRetryBackoff   time.Duration
	StaleClaimAfter   time.Duration
	MetricsWindow     time.Duration
	RateLimitDelay    time.Duration
	Concurrency       int
	CallTimeout       time.Duration
	MaxAttempts       int
	DefaultRateLimit  int
	RateLimits        map[models.Platform]int

	// Instagram video containers are polled inside a single publish call,
	// so the whole polling budget has to fit in CallTimeout.
	ContainerPollInterval time.Duration
	ContainerPollAttempts int
}

// ContainerPollBudget is the longest an Instagram publish may spend waiting
// for media processing.
func (s Scheduler) ContainerPollBudget() time.Duration {
	return s.ContainerPollInterval * time.Duration(s.ContainerPollAttempts)
}

type Config struct {
	EncryptionKey   string
	StoreDriver     string
	PostgresURI     string
	RedisURI        string
	ListenAddr      string
	SecretKey       string
	AdminAPIKeyHash string
	FrontendURL     string
	GenAIAPIKey     string
	GenAIModel      string
	R2              R2
	Platforms       map[models.Platform]OAuthApp
	Scheduler       Scheduler
}

func LoadConfig() *Config {
	cfg := &Config{
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		StoreDriver:     getEnv("STORE_DRIVER", "postgres"),
		PostgresURI:     getEnv("POSTGRES_URI", ""),
		RedisURI:        getEnv("REDIS_URI", ""),
		ListenAddr:      getEnv("LISTEN_ADDR", ":3000"),
		SecretKey:       getEnv("SECRET_KEY", ""),
		AdminAPIKeyHash: getEnv("ADMIN_API_KEY_HASH", ""),
		FrontendURL:     getEnv("FRONTEND_URL", "http://localhost:5173"),
		GenAIAPIKey:     getEnv("GENAI_API_KEY", ""),
		GenAIModel:      getEnv("GENAI_MODEL", "gemini-2.0-flash"),
		R2: R2{
			AccountID:     getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:     getEnv("R2_ACCESS_KEY", ""),
			SecretKey:     getEnv("R2_SECRET_KEY", ""),
			BucketName:    getEnv("R2_BUCKET_NAME", ""),
			PublicBaseURL: getEnv("R2_PUBLIC_BASE_URL", ""),
		},
		Platforms: make(map[models.Platform]OAuthApp),
		Scheduler: Scheduler{
			AutomationEnabled: getBool("AUTOMATION_ENABLED", false),
			ApprovalRequired:  getBool("APPROVAL_REQUIRED", true),
			PostingInterval:   getDuration("POSTING_INTERVAL", 15*time.Minute),
			RefreshInterval:   getDuration("REFRESH_INTERVAL", 6*time.Hour),
			RetryInterval:     getDuration("RETRY_INTERVAL", time.Hour),
			MetricsInterval:   getDuration("METRICS_INTERVAL", 6*time.Hour),
			Lookback:          getDuration("POSTING_LOOKBACK", 24*time.Hour),
			SafetyWindow:      getDuration("TOKEN_SAFETY_WINDOW", 10*time.Minute),
			RefreshAhead:      getDuration("TOKEN_REFRESH_AHEAD", 7*24*time.Hour),
			RetryCooldown:     getDuration("RETRY_COOLDOWN", 30*time.Minute),
			MaxRetryBackoff:   getDuration("MAX_RETRY_BACKOFF", 6*time.Hour),
			StaleClaimAfter:   getDuration("STALE_CLAIM_AFTER", time.Hour),
			MetricsWindow:     getDuration("METRICS_WINDOW", 7*24*time.Hour),
			RateLimitDelay:    getDuration("RATE_LIMIT_DELAY", 15*time.Minute),
			Concurrency:       getInt("PUBLISH_CONCURRENCY", 5),
			CallTimeout:       getDuration("CALL_TIMEOUT", 30*time.Second),
			MaxAttempts:       getInt("MAX_ATTEMPTS", 3),
			DefaultRateLimit:  getInt("RATE_LIMIT_DEFAULT", 5),
			RateLimits:        make(map[models.Platform]int),

			ContainerPollInterval: getDuration("INSTAGRAM_POLL_INTERVAL", 2*time.Second),
			ContainerPollAttempts: getInt("INSTAGRAM_POLL_ATTEMPTS", 10),
		},
	}

	for _, p := range models.Platforms {
		prefix := envPrefix(p)
		cfg.Platforms[p] = OAuthApp{
			ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
			RedirectURI:  getEnv(prefix+"_REDIRECT_URI", ""),
		}
		cfg.Scheduler.RateLimits[p] = getInt("RATE_LIMIT_"+prefix, cfg.Scheduler.DefaultRateLimit)
	}

	return cfg
}

// Validate checks the settings without which nothing may start. Platform
// credentials are optional; their absence only disables the platform.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return apperr.New(apperr.Configuration, "config", "ENCRYPTION_KEY is required")
	}
	if _, err := utils.ParseMasterKey(c.EncryptionKey); err != nil {
		return &apperr.Error{Kind: apperr.Configuration, Op: "config", Msg: "ENCRYPTION_KEY is invalid", Err: err}
	}
	switch c.StoreDriver {
	case "postgres":
		if c.PostgresURI == "" {
			return apperr.New(apperr.Configuration, "config", "POSTGRES_URI is required for the postgres store")
		}
	case "memory":
	default:
		return apperr.New(apperr.Configuration, "config", "unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.Scheduler.Concurrency < 1 {
		return apperr.New(apperr.Configuration, "config", "PUBLISH_CONCURRENCY must be positive")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return apperr.New(apperr.Configuration, "config", "MAX_ATTEMPTS must be positive")
	}
	if c.Scheduler.ContainerPollAttempts < 1 {
		return apperr.New(apperr.Configuration, "config", "INSTAGRAM_POLL_ATTEMPTS must be positive")
	}
	if budget := c.Scheduler.ContainerPollBudget(); budget >= c.Scheduler.CallTimeout {
		return apperr.New(apperr.Configuration, "config",
			"instagram polling budget %s (INSTAGRAM_POLL_INTERVAL x INSTAGRAM_POLL_ATTEMPTS) must be shorter than CALL_TIMEOUT %s",
			budget, c.Scheduler.CallTimeout)
	}
	return nil
}

func (c *Config) EnabledPlatforms() []models.Platform {
	var out []models.Platform
	for _, p := range models.Platforms {
		if c.Platforms[p].Enabled() {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) MediaEnabled() bool {
	return c.R2.AccountID != "" && c.R2.AccessKey != "" && c.R2.SecretKey != "" && c.R2.BucketName != ""
}

func envPrefix(p models.Platform) string {
	return strings.ToUpper(string(p))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
