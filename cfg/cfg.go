package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"gistlock/pkg/domain"
)

// Secret holds a sensitive config value. It stringifies to a redaction
// marker so it can never leak through %v logging.
type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

// Backends selectable through STORE_BACKEND.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
	BackendS3     = "s3"
	BackendFS     = "fs"
)

type Cfg struct {
	Environment string
	LogLevel    string

	StoreBackend   string
	DatabasePath   string
	BoltPath       string
	DataDir        string
	RedisURL       string
	RedisTLS       bool
	RedisUsername  string
	RedisPassword  Secret
	RedisTimeout   time.Duration
	RedisHostname  string
	RedisTLSCACert string
	RedisTLSDevCA  string
	S3Bucket       string
	S3Prefix       string

	DBMaxOpenConns int
	DBMaxIdleConns int
	DBQueryTimeout time.Duration

	LRUCacheSize int
	CacheTTL     time.Duration

	Argon2Time        uint32
	Argon2Memory      uint32
	Argon2Parallelism uint8

	StrictVersionCheck bool
	HistoryCap         int

	AttemptLimitEnabled bool
	AttemptLimitRPM     int
	AttemptLimitBurst   int

	SweepConcurrency int
	SweepOpsPerSec   float64
	SweepOrphanGrace time.Duration
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")

	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "gistlock.db")
	c.BoltPath = getEnv("BOLT_PATH", "gistlock.bolt")
	c.DataDir = getEnv("DATA_DIR", "gistlock-data")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisTLSCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisTLSDevCA = getEnv("REDIS_TLS_DEV_CA", "")
	c.S3Bucket = getEnv("S3_BUCKET", "")
	c.S3Prefix = getEnv("S3_PREFIX", "")

	var err error
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	c.CacheTTL, err = getDuration("CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	c.Argon2Time, err = getUint32("ARGON2_TIME", 4)
	if err != nil {
		return nil, err
	}
	c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 128*1024)
	if err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)

	c.StrictVersionCheck = getEnv("STRICT_VERSION_CHECK", "false") == "true"
	c.HistoryCap, err = getInt("HISTORY_CAP", 0)
	if err != nil {
		return nil, err
	}

	c.AttemptLimitEnabled = getEnv("ATTEMPT_LIMIT_ENABLED", "true") == "true"
	c.AttemptLimitRPM, err = getInt("ATTEMPT_LIMIT_RPM", 10)
	if err != nil {
		return nil, err
	}
	c.AttemptLimitBurst, err = getInt("ATTEMPT_LIMIT_BURST", 5)
	if err != nil {
		return nil, err
	}

	c.SweepConcurrency, err = getInt("SWEEP_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	c.SweepOpsPerSec, err = getFloat64("SWEEP_OPS_PER_SEC", 50)
	if err != nil {
		return nil, err
	}
	c.SweepOrphanGrace, err = getDuration("SWEEP_ORPHAN_GRACE", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	switch c.StoreBackend {
	case BackendMemory:
		if c.Environment == "production" {
			return errors.New("STORE_BACKEND=memory is not durable and cannot be used in production")
		}
	case BackendSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required")
		}
		if err := pathWithinWorkdir("DATABASE_PATH", c.DatabasePath); err != nil {
			return err
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required")
		}
		if err := pathWithinWorkdir("BOLT_PATH", c.BoltPath); err != nil {
			return err
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 backend")
		}
	case BackendFS:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required")
		}
		if err := pathWithinWorkdir("DATA_DIR", c.DataDir); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheTTL < time.Second {
		return errors.New("CACHE_TTL must be at least 1s")
	}
	if c.Argon2Time < 4 {
		return errors.New("ARGON2_TIME must be >= 4")
	}
	if c.Argon2Memory < 128*1024 {
		return errors.New("ARGON2_MEMORY must be >= 131072 (128MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.HistoryCap < 0 || c.HistoryCap > domain.MaxRetainedVersions {
		return fmt.Errorf("HISTORY_CAP must be between 0 and %d", domain.MaxRetainedVersions)
	}
	if c.AttemptLimitEnabled {
		if c.AttemptLimitRPM <= 0 {
			return errors.New("ATTEMPT_LIMIT_RPM must be positive")
		}
		if c.AttemptLimitBurst <= 0 {
			return errors.New("ATTEMPT_LIMIT_BURST must be positive")
		}
	}
	if c.SweepConcurrency < 1 || c.SweepConcurrency > 64 {
		return errors.New("SWEEP_CONCURRENCY must be between 1 and 64")
	}
	if c.SweepOpsPerSec < 0 {
		return errors.New("SWEEP_OPS_PER_SEC cannot be negative")
	}
	if c.SweepOrphanGrace < time.Minute {
		return errors.New("SWEEP_ORPHAN_GRACE must be at least 1 minute")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
}

// pathWithinWorkdir rejects file paths escaping the working directory,
// the same containment the store files themselves get.
func pathWithinWorkdir(key, path string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("%s must be within working directory %s", key, absWorkDir)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getFloat64(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
