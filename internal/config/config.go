package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every runtime parameter. Rule defaults are the competition
// values; each can be overridden from the environment or a .env file.
type Config struct {
	// Files
	StateFile     string
	BackupFile    string
	UniverseFile  string
	LogFile       string
	LogLevel      string
	MaxLogSizeMB  int64
	MaxLogBackups int

	// Holding period
	HoldMode    string // LOT_FIFO or STRICT_TICKER
	MinHold     time.Duration
	HoldBuffer  time.Duration
	MarketTZ    string
	SprintMode  bool
	ScoringMode string // long or short

	// Scoring / selection
	RelaxedUptrend          bool
	VolatilityKillThreshold float64
	SatelliteWeight         float64

	// Compliance
	MaxTradesTotal    int
	SoftStopTrades    int
	MinHoldings       int
	MaxPositionPct    float64
	MinPriceAtBuy     float64
	SafetyBufferPrice float64
	MinOrderQty       int
	MaxOrderQty       int
	StaleLockAfter    time.Duration

	// Execution
	DryRun             bool
	TransitionTimeout  time.Duration
	TransitionAttempts int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	VerifyAttempts     int
	VerifyDelay        time.Duration
	DiagnosticsDir     string

	// Market data
	RiskProxy       string
	MarketFeed      string
	HistoryDays     int
	RequestsPerSec  float64
	BreakerTimeout  time.Duration
	BreakerFailures uint32

	// Infrastructure
	LockFile       string
	RedisAddr      string
	RedisLockKey   string
	RedisLockTTL   time.Duration
	MetricsAddr    string
	TelegramToken  string
	TelegramChatID string
}

// secretVars are masked when echoed and required for broker access.
var secretVars = map[string]bool{
	"APCA_API_KEY_ID":     true,
	"APCA_API_SECRET_KEY": true,
	"APCA_API_BASE_URL":   true,
	"TELEGRAM_BOT_TOKEN":  true,
	"TELEGRAM_CHAT_ID":    true,
}

var brokerVars = []string{"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL"}

// Load reads an optional .env file and builds the Config.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using system environment variables")
	}

	sprint := getEnvAsBool("SPRINT_MODE", false)
	satelliteWeight := 0.05
	if sprint {
		satelliteWeight = 0.04
	}

	stateFile := getEnv("STATE_FILE", "portfolio_state.json")

	return &Config{
		StateFile:     stateFile,
		BackupFile:    getEnv("STATE_BACKUP_FILE", stateFile+".bak"),
		UniverseFile:  getEnv("UNIVERSE_FILE", ""),
		LogFile:       getEnv("LOG_FILE", "rebalancer.log"),
		LogLevel:      getEnv("LOG_LEVEL", "INFO"),
		MaxLogSizeMB:  int64(getEnvAsInt("MAX_LOG_SIZE_MB", 10)),
		MaxLogBackups: getEnvAsInt("MAX_LOG_BACKUPS", 5),

		HoldMode:    getEnv("HOLD_MODE", "LOT_FIFO"),
		MinHold:     getEnvAsDuration("MIN_HOLD", 24*time.Hour),
		HoldBuffer:  getEnvAsDuration("HOLD_BUFFER", 5*time.Minute),
		MarketTZ:    getEnv("MARKET_TZ", "America/New_York"),
		SprintMode:  sprint,
		ScoringMode: getEnv("SCORING_MODE", "long"),

		RelaxedUptrend:          getEnvAsBool("RELAXED_UPTREND", false),
		VolatilityKillThreshold: getEnvAsFloat64("VOLATILITY_KILL_SWITCH_THRESHOLD", 0.06),
		SatelliteWeight:         getEnvAsFloat64("SATELLITE_POSITION_SIZE", satelliteWeight),

		MaxTradesTotal:    getEnvAsInt("MAX_TRADES_TOTAL", 80),
		SoftStopTrades:    getEnvAsInt("HARD_STOP_TRADES", 70),
		MinHoldings:       getEnvAsInt("MIN_HOLDINGS", 4),
		MaxPositionPct:    getEnvAsFloat64("MAX_SINGLE_POSITION_PCT", 0.25),
		MinPriceAtBuy:     getEnvAsFloat64("MIN_PRICE_AT_BUY", 5.00),
		SafetyBufferPrice: getEnvAsFloat64("SAFETY_BUFFER_PRICE", 6.00),
		MinOrderQty:       getEnvAsInt("MIN_ORDER_QTY", 1),
		MaxOrderQty:       getEnvAsInt("MAX_ORDER_QTY", 100000),
		StaleLockAfter:    getEnvAsDuration("STALE_LOCK_AFTER", 2*time.Hour),

		DryRun:             getEnvAsBool("DRY_RUN", false),
		TransitionTimeout:  getEnvAsDuration("TRANSITION_TIMEOUT", 30*time.Second),
		TransitionAttempts: getEnvAsInt("TRANSITION_ATTEMPTS", 3),
		RetryBaseDelay:     getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:      getEnvAsDuration("RETRY_MAX_DELAY", 20*time.Second),
		VerifyAttempts:     getEnvAsInt("VERIFY_ATTEMPTS", 5),
		VerifyDelay:        getEnvAsDuration("VERIFY_DELAY", 3*time.Second),
		DiagnosticsDir:     getEnv("DIAGNOSTICS_DIR", "diagnostics"),

		RiskProxy:       getEnv("RISK_PROXY", "VOO"),
		MarketFeed:      getEnv("MARKET_FEED", "iex"),
		HistoryDays:     getEnvAsInt("HISTORY_DAYS", 320),
		RequestsPerSec:  getEnvAsFloat64("MARKET_REQUESTS_PER_SEC", 3),
		BreakerTimeout:  getEnvAsDuration("BREAKER_TIMEOUT", 60*time.Second),
		BreakerFailures: uint32(getEnvAsInt("BREAKER_FAILURES", 5)),

		LockFile:       getEnv("LOCK_FILE", "rebalancer.lock"),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisLockKey:   getEnv("REDIS_LOCK_KEY", "rebalancer:run"),
		RedisLockTTL:   getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Minute),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
	}
}

// Validate rejects combinations that cannot be enforced.
func (c *Config) Validate() error {
	if c.HoldMode != "LOT_FIFO" && c.HoldMode != "STRICT_TICKER" {
		return fmt.Errorf("HOLD_MODE must be LOT_FIFO or STRICT_TICKER, got %q", c.HoldMode)
	}
	if c.ScoringMode != "long" && c.ScoringMode != "short" {
		return fmt.Errorf("SCORING_MODE must be long or short, got %q", c.ScoringMode)
	}
	if c.SoftStopTrades > c.MaxTradesTotal {
		return fmt.Errorf("HARD_STOP_TRADES (%d) exceeds MAX_TRADES_TOTAL (%d)", c.SoftStopTrades, c.MaxTradesTotal)
	}
	if c.MinOrderQty < 1 || c.MaxOrderQty < c.MinOrderQty {
		return fmt.Errorf("invalid order quantity range %d..%d", c.MinOrderQty, c.MaxOrderQty)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("MAX_SINGLE_POSITION_PCT must be in (0,1], got %f", c.MaxPositionPct)
	}
	if c.TransitionAttempts < 1 || c.VerifyAttempts < 1 {
		return fmt.Errorf("retry budgets must be at least 1")
	}
	return nil
}

// Location resolves the market time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.MarketTZ)
	if err != nil {
		logrus.Warnf("Unknown MARKET_TZ %q, using UTC: %v", c.MarketTZ, err)
		return time.UTC
	}
	return loc
}

// RequireBroker verifies the broker credentials are present.
func RequireBroker() error {
	var missing []string
	for _, key := range brokerVars {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

// LogEnvFile echoes the variables set in .env with secrets masked.
func LogEnvFile(log logrus.FieldLogger) {
	envMap, err := godotenv.Read()
	if err != nil {
		return
	}
	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		log.Debugf("%s=%s", key, maskValue(key, envMap[key]))
	}
}

func maskValue(key, val string) string {
	if !secretVars[key] {
		return val
	}
	if len(val) > 4 {
		return "***" + val[len(val)-4:]
	}
	return "***"
}
