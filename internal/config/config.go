package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Monitor  MonitorConfig
	Broker   BrokerConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// APITokenHash - bcrypt-хеш операторского токена для мутирующих эндпоинтов.
	// Пустое значение = мутирующие эндпоинты закрыты.
	APITokenHash string
}

// MonitorConfig - настройки цикла мониторинга планов
type MonitorConfig struct {
	// Интервалы шедулера
	BaseInterval  time.Duration // базовый интервал общего цикла
	FloorInterval time.Duration // нижняя граница адаптивного интервала
	FastInterval  time.Duration // интервал high-frequency линии
	ReloadEvery   time.Duration // период перезагрузки планов из БД

	// Адаптивные множители (эвристика, настраивается)
	HotScale   float64 // < 1, ускорение проверок "горячих" планов
	StaleScale float64 // > 1, замедление давно неактивных
	MaxScale   float64 // верхняя граница замедления

	// Параллельная оценка условий
	Workers       int           // размер пула воркеров
	BatchSize     int           // планов в одном батче
	EvalTimeout   time.Duration // таймаут оценки одного плана
	HotWindow     time.Duration // окно "горячести" после прохода условий
	StaleAfter    time.Duration // тишина, после которой план считается остывшим
	NearEntryPct  float64       // близость к входу для high-приоритета, %
	RecheckPause  time.Duration // пауза между проверками одного плана (cooldown)

	// Circuit breaker
	BreakerThreshold int           // подряд неудач до открытия
	BreakerCooldown  time.Duration // окно остывания до half-open

	// Кэш котировок
	CacheCapacity int
	CacheTTL      time.Duration
	FetchChunk    int // символов в одном batch-запросе котировок

	// Очередь записи
	QueueCapacity int
	FlushTimeout  time.Duration

	// Watchdog
	HealthInterval time.Duration
	MaxRestarts    int

	// Повторы исполнения
	MaxExecAttempts int

	// Допустимое отклонение цены от входа для рыночного ордера, %.
	// При превышении размещается отложенный ордер на уровне входа.
	MaxSlippagePct float64

	// Prefetch горячих символов (0 = выключен)
	PrefetchInterval time.Duration
}

// BrokerConfig - настройки подключения к брокеру
type BrokerConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	RateLimit    float64 // запросов в секунду
	RateBurst    float64
	MaxRetries   int
	RetryBackoff time.Duration
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "planwatch"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			APITokenHash: getEnv("API_TOKEN_HASH", ""),
		},
		Monitor: MonitorConfig{
			BaseInterval:  getEnvAsDuration("MONITOR_BASE_INTERVAL", 30*time.Second),
			FloorInterval: getEnvAsDuration("MONITOR_FLOOR_INTERVAL", 5*time.Second),
			FastInterval:  getEnvAsDuration("MONITOR_FAST_INTERVAL", 10*time.Second),
			ReloadEvery:   getEnvAsDuration("MONITOR_RELOAD_EVERY", 1*time.Minute),

			HotScale:   getEnvAsFloat("MONITOR_HOT_SCALE", 0.5),
			StaleScale: getEnvAsFloat("MONITOR_STALE_SCALE", 2.0),
			MaxScale:   getEnvAsFloat("MONITOR_MAX_SCALE", 4.0),

			Workers:      getEnvAsInt("MONITOR_WORKERS", 8),
			BatchSize:    getEnvAsInt("MONITOR_BATCH_SIZE", 20),
			EvalTimeout:  getEnvAsDuration("MONITOR_EVAL_TIMEOUT", 3*time.Second),
			HotWindow:    getEnvAsDuration("MONITOR_HOT_WINDOW", 5*time.Minute),
			StaleAfter:   getEnvAsDuration("MONITOR_STALE_AFTER", 30*time.Minute),
			NearEntryPct: getEnvAsFloat("MONITOR_NEAR_ENTRY_PCT", 1.0),
			RecheckPause: getEnvAsDuration("MONITOR_RECHECK_PAUSE", 2*time.Second),

			BreakerThreshold: getEnvAsInt("BREAKER_THRESHOLD", 3),
			BreakerCooldown:  getEnvAsDuration("BREAKER_COOLDOWN", 5*time.Minute),

			CacheCapacity: getEnvAsInt("PRICE_CACHE_CAPACITY", 500),
			CacheTTL:      getEnvAsDuration("PRICE_CACHE_TTL", 10*time.Second),
			FetchChunk:    getEnvAsInt("PRICE_FETCH_CHUNK", 20),

			QueueCapacity: getEnvAsInt("WRITE_QUEUE_CAPACITY", 1000),
			FlushTimeout:  getEnvAsDuration("WRITE_QUEUE_FLUSH_TIMEOUT", 10*time.Second),

			HealthInterval: getEnvAsDuration("WATCHDOG_INTERVAL", 15*time.Second),
			MaxRestarts:    getEnvAsInt("WATCHDOG_MAX_RESTARTS", 5),

			MaxExecAttempts: getEnvAsInt("MAX_EXEC_ATTEMPTS", 3),
			MaxSlippagePct:  getEnvAsFloat("MAX_SLIPPAGE_PCT", 0.5),

			PrefetchInterval: getEnvAsDuration("PREFETCH_INTERVAL", 0),
		},
		Broker: BrokerConfig{
			BaseURL:      getEnv("BROKER_BASE_URL", "http://localhost:9090"),
			APIKey:       getEnv("BROKER_API_KEY", ""),
			Timeout:      getEnvAsDuration("BROKER_TIMEOUT", 10*time.Second),
			RateLimit:    getEnvAsFloat("BROKER_RATE_LIMIT", 10),
			RateBurst:    getEnvAsFloat("BROKER_RATE_BURST", 20),
			MaxRetries:   getEnvAsInt("BROKER_MAX_RETRIES", 3),
			RetryBackoff: getEnvAsDuration("BROKER_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	m := &c.Monitor
	if m.FloorInterval <= 0 {
		return fmt.Errorf("MONITOR_FLOOR_INTERVAL must be positive, got %v", m.FloorInterval)
	}
	if m.BaseInterval < m.FloorInterval {
		return fmt.Errorf("MONITOR_BASE_INTERVAL must be >= MONITOR_FLOOR_INTERVAL, got %v < %v",
			m.BaseInterval, m.FloorInterval)
	}
	if m.HotScale <= 0 || m.HotScale > 1 {
		return fmt.Errorf("MONITOR_HOT_SCALE must be in (0, 1], got %v", m.HotScale)
	}
	if m.StaleScale < 1 {
		return fmt.Errorf("MONITOR_STALE_SCALE must be >= 1, got %v", m.StaleScale)
	}
	if m.MaxScale < m.StaleScale {
		return fmt.Errorf("MONITOR_MAX_SCALE must be >= MONITOR_STALE_SCALE, got %v < %v",
			m.MaxScale, m.StaleScale)
	}
	if m.Workers < 1 {
		return fmt.Errorf("MONITOR_WORKERS must be at least 1, got %d", m.Workers)
	}
	if m.BatchSize < 1 {
		return fmt.Errorf("MONITOR_BATCH_SIZE must be at least 1, got %d", m.BatchSize)
	}
	if m.EvalTimeout <= 0 {
		return fmt.Errorf("MONITOR_EVAL_TIMEOUT must be positive, got %v", m.EvalTimeout)
	}
	if m.BreakerThreshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1, got %d", m.BreakerThreshold)
	}
	if m.CacheCapacity < 1 {
		return fmt.Errorf("PRICE_CACHE_CAPACITY must be at least 1, got %d", m.CacheCapacity)
	}
	if m.CacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive, got %v", m.CacheTTL)
	}
	if m.FetchChunk < 1 {
		return fmt.Errorf("PRICE_FETCH_CHUNK must be at least 1, got %d", m.FetchChunk)
	}
	if m.MaxRestarts < 0 {
		return fmt.Errorf("WATCHDOG_MAX_RESTARTS cannot be negative, got %d", m.MaxRestarts)
	}
	if m.MaxExecAttempts < 1 {
		return fmt.Errorf("MAX_EXEC_ATTEMPTS must be at least 1, got %d", m.MaxExecAttempts)
	}
	if m.MaxSlippagePct <= 0 {
		return fmt.Errorf("MAX_SLIPPAGE_PCT must be positive, got %v", m.MaxSlippagePct)
	}

	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("BROKER_TIMEOUT must be positive, got %v", c.Broker.Timeout)
	}
	if c.Broker.MaxRetries < 0 || c.Broker.MaxRetries > 10 {
		return fmt.Errorf("BROKER_MAX_RETRIES must be between 0 and 10, got %d", c.Broker.MaxRetries)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
