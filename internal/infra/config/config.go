// Пакет config собирает операционную конфигурацию клиента из .env и окружения:
//  1. читает файл через godotenv (переменные процесса имеют приоритет над файлом);
//  2. проверяет обязательные параметры MTProto (API_ID, API_HASH, PHONE_NUMBER);
//  3. для остальных «ручек» подставляет умолчания, копя предупреждения вместо падения;
//  4. фиксирует результат в singleton, доступный через Env() и Warnings().
//
// Ручки делятся на группы: подключение к Telegram, логирование, политика
// повторов, пагинация комнат, лимиты исходящих действий, пакетирование
// отметок о прочтении, снимки комнат, web-поверхность и автозавершение.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig: неизменяемый снимок настроек после нормализации.
type EnvConfig struct {
	APIID          int
	APIHash        string
	PhoneNumber    string
	SessionFile    string
	StateFile      string
	PeersCacheFile string
	TestDC         bool
	ThrottleRPS    int

	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool

	// Повторы сетевых операций
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      bool
	RetryPatterns    []string
	RetryQuietWindow time.Duration

	// Комнаты
	SyncInitialWindow int
	SyncPageSize      int

	// Исходящие действия
	SendRateTokens   int
	SendRateRefill   int
	SendRateInterval time.Duration
	TypingThrottle   time.Duration

	ReadBatchSize     int
	ReadBatchWait     time.Duration
	ReadBatchDebounce bool

	SnapshotFile     string
	SnapshotDebounce time.Duration

	DedupWindow time.Duration

	WebServerEnable  bool
	WebServerAddress string

	AutoShutdown time.Duration
}

// Config хранит снимок и предупреждения загрузки.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

const (
	defaultThrottleRPS       = 3
	defaultLogLevel          = "info"
	defaultSessionFile       = "data/session.bin"
	defaultStateFile         = "data/state.bbolt"
	defaultPeersCacheFile    = "data/peers_cache.bbolt"
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true

	defaultRetryMaxAttempts  = 3
	defaultRetryBaseDelayMS  = 1000
	defaultRetryMaxDelayMS   = 30000
	defaultRetryJitter       = true
	defaultRetryQuietSec     = 60
	defaultSyncInitialWindow = 20
	defaultSyncPageSize      = 20

	defaultSendRateTokens     = 10
	defaultSendRateRefill     = 10
	defaultSendRateIntervalMS = 1000
	defaultTypingThrottleMS   = 5000

	defaultReadBatchSize     = 20
	defaultReadBatchWaitMS   = 3000
	defaultReadBatchDebounce = false

	defaultSnapshotFile       = "data/rooms.bbolt"
	defaultSnapshotDebounceMS = 1000
	defaultDedupWindowSec     = 120

	defaultWebServerEnable  = false
	defaultWebServerAddress = "127.0.0.1:8080"
	defaultAutoShutdownSec  = 0
)

// defaultRetryPatterns: признаки временных сбоев MTProto и сети.
var defaultRetryPatterns = []string{
	"timeout", "deadline exceeded", "connection reset", "connection refused",
	"eof", "engine was closed", "connection dead", "internal", "-500", "-503",
}

var (
	cfgInstance = &Config{}
	cfgMu       sync.Mutex
	cfgDone     bool
)

// Load загружает конфигурацию в singleton. Повторный вызов запрещён.
func Load(envPath string) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	cfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = cfg
	cfgDone = true
	return nil
}

// loadConfig выполняет загрузку без глобального состояния.
func loadConfig(envPath string) (*Config, error) {
	fileVals, err := godotenv.Read(envPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	r := reader{vals: fileVals}

	apiID, err := r.requiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := r.get("API_HASH")
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	phone := r.get("PHONE_NUMBER")
	if phone == "" {
		return nil, errors.New("env PHONE_NUMBER must be set")
	}

	env := EnvConfig{
		APIID:          apiID,
		APIHash:        apiHash,
		PhoneNumber:    phone,
		SessionFile:    r.file("SESSION_FILE", defaultSessionFile),
		StateFile:      r.file("STATE_FILE", defaultStateFile),
		PeersCacheFile: r.file("PEERS_CACHE_FILE", defaultPeersCacheFile),
		TestDC:         strings.EqualFold(r.get("TEST_DC"), "true"),
		ThrottleRPS:    r.intDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero),

		LogLevel:          r.logLevel("LOG_LEVEL", defaultLogLevel),
		LogFile:           r.get("LOG_FILE"),
		LogFileLevel:      r.logLevel("LOG_FILE_LEVEL", defaultLogFileLevel),
		LogFileMaxSize:    r.intDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero),
		LogFileMaxBackups: r.intDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative),
		LogFileMaxAge:     r.intDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative),
		LogFileCompress:   r.boolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress),

		RetryMaxAttempts: r.intDefault("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts, greaterThanZero),
		RetryBaseDelay:   r.millis("RETRY_BASE_DELAY_MS", defaultRetryBaseDelayMS, nonNegative),
		RetryMaxDelay:    r.millis("RETRY_MAX_DELAY_MS", defaultRetryMaxDelayMS, greaterThanZero),
		RetryJitter:      r.boolDefault("RETRY_JITTER", defaultRetryJitter),
		RetryPatterns:    r.list("RETRY_PATTERNS", defaultRetryPatterns),
		RetryQuietWindow: r.seconds("RETRY_QUIET_WINDOW_SEC", defaultRetryQuietSec, greaterThanZero),

		SyncInitialWindow: r.intDefault("SYNC_INITIAL_WINDOW", defaultSyncInitialWindow, greaterThanZero),
		SyncPageSize:      r.intDefault("SYNC_PAGE_SIZE", defaultSyncPageSize, greaterThanZero),

		SendRateTokens:   r.intDefault("SEND_RATE_TOKENS", defaultSendRateTokens, greaterThanZero),
		SendRateRefill:   r.intDefault("SEND_RATE_REFILL", defaultSendRateRefill, greaterThanZero),
		SendRateInterval: r.millis("SEND_RATE_INTERVAL_MS", defaultSendRateIntervalMS, greaterThanZero),
		TypingThrottle:   r.millis("TYPING_THROTTLE_MS", defaultTypingThrottleMS, greaterThanZero),

		ReadBatchSize:     r.intDefault("READ_BATCH_SIZE", defaultReadBatchSize, greaterThanZero),
		ReadBatchWait:     r.millis("READ_BATCH_WAIT_MS", defaultReadBatchWaitMS, greaterThanZero),
		ReadBatchDebounce: r.boolDefault("READ_BATCH_DEBOUNCE", defaultReadBatchDebounce),

		SnapshotFile:     r.file("SNAPSHOT_FILE", defaultSnapshotFile),
		SnapshotDebounce: r.millis("SNAPSHOT_DEBOUNCE_MS", defaultSnapshotDebounceMS, greaterThanZero),
		DedupWindow:      r.seconds("DEDUP_WINDOW_SEC", defaultDedupWindowSec, nonNegative),

		WebServerEnable:  r.boolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable),
		WebServerAddress: r.file("WEB_SERVER_ADDRESS", defaultWebServerAddress),

		AutoShutdown: r.seconds("AUTO_SHUTDOWN_SEC", defaultAutoShutdownSec, nonNegative),
	}

	if env.RetryMaxDelay < env.RetryBaseDelay {
		r.warnf("env RETRY_MAX_DELAY_MS is below RETRY_BASE_DELAY_MS; raising it to %s", env.RetryBaseDelay)
		env.RetryMaxDelay = env.RetryBaseDelay
	}

	return &Config{Env: env, warnings: r.warnings}, nil
}

// Warnings возвращает копию предупреждений последней загрузки.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает снимок EnvConfig.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// reader читает переменные: сначала окружение процесса, затем файл.
type reader struct {
	vals     map[string]string
	warnings []string
}

func (r *reader) get(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.vals[name])
}

func (r *reader) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *reader) requiredInt(name string) (int, error) {
	value := r.get(name)
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// intDefault читает целое; пустое, нечисловое или не прошедшее validator
// значение заменяется умолчанием с предупреждением.
func (r *reader) intDefault(name string, def int, validator func(int) bool) int {
	value := r.get(name)
	if value == "" {
		r.warnf("env %s is not set; using default %d", name, def)
		return def
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		r.warnf("env %s value %q is not a valid integer; using default %d", name, value, def)
		return def
	}
	if validator != nil && !validator(v) {
		r.warnf("env %s value %d does not satisfy constraints; using default %d", name, v, def)
		return def
	}
	return v
}

func (r *reader) millis(name string, def int, validator func(int) bool) time.Duration {
	return time.Duration(r.intDefault(name, def, validator)) * time.Millisecond
}

func (r *reader) seconds(name string, def int, validator func(int) bool) time.Duration {
	return time.Duration(r.intDefault(name, def, validator)) * time.Second
}

func (r *reader) boolDefault(name string, def bool) bool {
	value := r.get(name)
	if value == "" {
		r.warnf("env %s is not set; using default %v", name, def)
		return def
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		r.warnf("env %s value %q is not a valid boolean; using default %v", name, value, def)
		return def
	}
	return v
}

// logLevel ограничивает значение набором {debug, info, warn, error}.
func (r *reader) logLevel(name, def string) string {
	lvl := strings.ToLower(r.get(name))
	switch lvl {
	case "":
		r.warnf("env %s is not set; using default %q", name, def)
		return def
	case "debug", "info", "warn", "error":
		return lvl
	default:
		r.warnf("env %s value %q is invalid; using default %q", name, lvl, def)
		return def
	}
}

func (r *reader) file(name, fallback string) string {
	v := r.get(name)
	if v == "" {
		r.warnf("env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// list читает CSV; пустые элементы отбрасываются. Значение "-" означает пустой список.
func (r *reader) list(name string, fallback []string) []string {
	raw := r.get(name)
	if raw == "" {
		return append([]string(nil), fallback...)
	}
	if raw == "-" {
		return nil
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if token := strings.TrimSpace(part); token != "" {
			out = append(out, token)
		}
	}
	if len(out) == 0 {
		r.warnf("env %s produced an empty list; using default", name)
		return append([]string(nil), fallback...)
	}
	return out
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
