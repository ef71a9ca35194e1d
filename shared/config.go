// shared/config.go
package shared

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultAPIGatewayPort    = "8080"
	DefaultWorkerPort        = "8081" // Workers expose health, metrics and failures here
	DefaultMaxWorkers        = 3
	DefaultBotConcurrency    = 8 // updates handled at once by the front-end
	DefaultAdminToken        = "super-secret-admin-token-change-me" // CHANGE THIS IN PRODUCTION
	DefaultQueueName         = "downloads"
	DefaultQueueGroup        = "workers"
	DefaultQueueReclaimIdle  = 30 * time.Minute
	DefaultChoiceTTL         = 600 * time.Second
	DefaultTmpDir            = "/tmp/ytdlp"
	DefaultTmpMaxAge         = 6 * time.Hour
	DefaultReaperInterval    = time.Hour
	DefaultDataDir           = "./data"
	DefaultFailureMaxAge     = 30 * 24 * time.Hour
	DefaultProgressInterval  = 2 * time.Second
	DefaultCachedSendRetries = 1
	DefaultAdminRateLimitRPM = 60
	DefaultAllowedOrigins    = "*"
	DefaultAllowedVideoHosts = "*" // any site yt-dlp understands

	// SmallTransportLimit is the Bot API upload ceiling. Files of exactly this size still
	// go through the small transport.
	SmallTransportLimit int64 = 50 * 1024 * 1024
)

// Config holds global configuration for the services
type Config struct {
	APIGatewayPort string
	WorkerPort     string
	MaxWorkers     int
	// BotConcurrency bounds in-flight updates, each of which may run a yt-dlp listing
	BotConcurrency int
	AdminToken     string
	// AdminRateLimitRPM caps admin gateway requests per client IP per minute. 0 disables.
	AdminRateLimitRPM int
	AllowedOrigins    []string
	// AllowedVideoHosts restricts submitted URLs by host suffix. "*" accepts any host.
	AllowedVideoHosts []string

	// Telegram
	BotToken string
	// LocalBotAPIURL points at a self-hosted telegram-bot-api server (--local mode) used as
	// the large-file transport. Empty disables large uploads.
	LocalBotAPIURL string

	// Redis (optional). If RedisAddr is empty, in-memory implementations are used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Queue configuration
	QueueName        string
	QueueGroup       string
	QueueMaxLength   int
	QueueReclaimIdle time.Duration

	// Result cache. If DatabaseURL is empty the cache falls back to Redis, then memory.
	DatabaseURL string

	// Working directories
	TmpDir         string
	TmpMaxAge      time.Duration
	ReaperInterval time.Duration

	// Local state (failure journal)
	DataDir       string
	FailureMaxAge time.Duration

	ChoiceTTL         time.Duration
	ProgressInterval  time.Duration
	CachedSendRetries int

	// External binaries configuration
	YtDlpPath string

	Archive ArchiveConfig

	LogLevel  string
	LogPretty bool
}

// ArchiveConfig selects an optional mirror for delivered artifacts. Backend is one of
// "", "local", "s3", "gcs", "sftp".
type ArchiveConfig struct {
	Backend     string
	Options     map[string]string
	MaxFileSize int64
}

// archiveKeys are copied from ARCHIVE_<KEY> into ArchiveConfig.Options
var archiveKeys = []string{
	"dir", "bucket", "region", "access_key", "secret_key", "endpoint", "prefix",
	"credentials_json", "host", "port", "user", "password", "private_key", "remote_dir",
	"host_key", "known_hosts",
}

// LoadConfig loads configuration from environment variables, an optional YAML file named by
// CONFIG_FILE, and defaults, in that order of precedence.
func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			log.Warn().Err(err).Str("file", file).Msg("config file not loaded, using env and defaults")
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_GATEWAY_PORT", DefaultAPIGatewayPort)
	v.SetDefault("WORKER_PORT", DefaultWorkerPort)
	v.SetDefault("MAX_WORKERS", DefaultMaxWorkers)
	v.SetDefault("BOT_MAX_CONCURRENT", DefaultBotConcurrency)
	v.SetDefault("QUEUE_NAME", DefaultQueueName)
	v.SetDefault("QUEUE_GROUP", DefaultQueueGroup)
	v.SetDefault("QUEUE_RECLAIM_IDLE", DefaultQueueReclaimIdle)
	v.SetDefault("CHOICE_TTL", DefaultChoiceTTL)
	v.SetDefault("TMP_DIR", DefaultTmpDir)
	v.SetDefault("TMP_MAX_AGE", DefaultTmpMaxAge)
	v.SetDefault("REAPER_INTERVAL", DefaultReaperInterval)
	v.SetDefault("DATA_DIR", DefaultDataDir)
	v.SetDefault("FAILURE_MAX_AGE", DefaultFailureMaxAge)
	v.SetDefault("PROGRESS_INTERVAL", DefaultProgressInterval)
	v.SetDefault("CACHED_SEND_RETRIES", DefaultCachedSendRetries)
	v.SetDefault("YTDLP_PATH", "yt-dlp")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ADMIN_RATE_LIMIT_RPM", DefaultAdminRateLimitRPM)
	v.SetDefault("ALLOWED_ORIGINS", DefaultAllowedOrigins)
	v.SetDefault("ALLOWED_VIDEO_HOSTS", DefaultAllowedVideoHosts)
}

func fromViper(v *viper.Viper) *Config {
	maxWorkers := v.GetInt("MAX_WORKERS")
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
		log.Info().Int("max_workers", maxWorkers).Msg("MAX_WORKERS not set or invalid, using default")
	}

	botConcurrency := v.GetInt("BOT_MAX_CONCURRENT")
	if botConcurrency <= 0 {
		botConcurrency = DefaultBotConcurrency
	}

	redisDB := v.GetInt("REDIS_DB")
	if redisDB < 0 {
		redisDB = 0
	}

	queueMaxLen := v.GetInt("QUEUE_MAX_LENGTH")
	if queueMaxLen < 0 {
		queueMaxLen = 0
	}

	retries := v.GetInt("CACHED_SEND_RETRIES")
	if retries < 0 {
		retries = 0
	}

	adminToken := v.GetString("ADMIN_TOKEN")
	if strings.TrimSpace(adminToken) == "" {
		adminToken = DefaultAdminToken
		log.Warn().Msg("ADMIN_TOKEN not set. Using default development token. DO NOT USE IN PRODUCTION.")
	}

	archive := ArchiveConfig{
		Backend:     strings.ToLower(strings.TrimSpace(v.GetString("ARCHIVE_BACKEND"))),
		Options:     map[string]string{},
		MaxFileSize: v.GetInt64("ARCHIVE_MAX_FILE_SIZE"),
	}
	for _, k := range archiveKeys {
		if val := strings.TrimSpace(v.GetString("ARCHIVE_" + strings.ToUpper(k))); val != "" {
			archive.Options[k] = val
		}
	}

	return &Config{
		APIGatewayPort:    valueOrDefault(v.GetString("API_GATEWAY_PORT"), DefaultAPIGatewayPort),
		WorkerPort:        valueOrDefault(v.GetString("WORKER_PORT"), DefaultWorkerPort),
		MaxWorkers:        maxWorkers,
		BotConcurrency:    botConcurrency,
		AdminToken:        adminToken,
		AdminRateLimitRPM: max(v.GetInt("ADMIN_RATE_LIMIT_RPM"), 0),
		AllowedOrigins:    splitAndClean(valueOrDefault(v.GetString("ALLOWED_ORIGINS"), DefaultAllowedOrigins)),
		AllowedVideoHosts: splitAndClean(valueOrDefault(v.GetString("ALLOWED_VIDEO_HOSTS"), DefaultAllowedVideoHosts)),
		BotToken:          strings.TrimSpace(v.GetString("BOT_TOKEN")),
		LocalBotAPIURL:    strings.TrimRight(strings.TrimSpace(v.GetString("LOCAL_BOT_API_URL")), "/"),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           redisDB,
		QueueName:         valueOrDefault(v.GetString("QUEUE_NAME"), DefaultQueueName),
		QueueGroup:        valueOrDefault(v.GetString("QUEUE_GROUP"), DefaultQueueGroup),
		QueueMaxLength:    queueMaxLen,
		QueueReclaimIdle:  durationOrDefault(v.GetDuration("QUEUE_RECLAIM_IDLE"), DefaultQueueReclaimIdle),
		DatabaseURL:       v.GetString("DATABASE_URL"),
		TmpDir:            valueOrDefault(v.GetString("TMP_DIR"), DefaultTmpDir),
		TmpMaxAge:         durationOrDefault(v.GetDuration("TMP_MAX_AGE"), DefaultTmpMaxAge),
		ReaperInterval:    durationOrDefault(v.GetDuration("REAPER_INTERVAL"), DefaultReaperInterval),
		DataDir:           valueOrDefault(v.GetString("DATA_DIR"), DefaultDataDir),
		FailureMaxAge:     durationOrDefault(v.GetDuration("FAILURE_MAX_AGE"), DefaultFailureMaxAge),
		ChoiceTTL:         durationOrDefault(v.GetDuration("CHOICE_TTL"), DefaultChoiceTTL),
		ProgressInterval:  durationOrDefault(v.GetDuration("PROGRESS_INTERVAL"), DefaultProgressInterval),
		CachedSendRetries: retries,
		YtDlpPath:         valueOrDefault(v.GetString("YTDLP_PATH"), "yt-dlp"),
		Archive:           archive,
		LogLevel:          valueOrDefault(v.GetString("LOG_LEVEL"), "info"),
		LogPretty:         v.GetBool("LOG_PRETTY"),
	}
}

// valueOrDefault returns fallback if s is empty
func valueOrDefault(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return strings.TrimSpace(s)
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// HostAllowed reports whether host (or a parent domain of it) is in AllowedVideoHosts
func (c *Config) HostAllowed(host string) bool {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for _, h := range c.AllowedVideoHosts {
		h = strings.ToLower(h)
		if h == "*" || host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// splitAndClean splits a comma-separated list and trims spaces; empty entries are removed
func splitAndClean(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return []string{}
	}
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
