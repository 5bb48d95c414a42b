package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Local store
	DBPath string

	// Directory
	ApiURL string
	AppID  string

	// SDK
	CacheTTL    time.Duration
	KeyValidity time.Duration

	// Mass reencryption
	ReencryptRetries      int
	ReencryptBatchSize    int
	ReencryptRetryWait    time.Duration
	WaitProvisioning      bool
	WaitProvisioningTime  time.Duration
	WaitProvisioningMax   time.Duration
	WaitProvisioningStep  time.Duration
	WaitProvisioningTries int

	// Dev server
	Addr       string
	JWTSecret  string
	LogLevel   string
	TrustProxy bool
}

func Load() Config {
	return Config{
		DBPath: getenv("E2EE_DB_PATH", "e2ee-sdk.sqlite"),

		ApiURL: getenv("E2EE_API_URL", "http://localhost:8090"),
		AppID:  getenv("E2EE_APP_ID", ""),

		// Negative TTL caches forever, zero disables the cache.
		CacheTTL:    getdur("E2EE_CACHE_TTL", -1),
		KeyValidity: getdur("E2EE_KEY_VALIDITY", 5*365*24*time.Hour),

		ReencryptRetries:      getint("E2EE_REENCRYPT_RETRIES", 3),
		ReencryptBatchSize:    getint("E2EE_REENCRYPT_BATCH", 1000),
		ReencryptRetryWait:    getdur("E2EE_REENCRYPT_RETRY_WAIT", 3*time.Second),
		WaitProvisioning:      getbool("E2EE_WAIT_PROVISIONING", true),
		WaitProvisioningTime:  getdur("E2EE_WAIT_PROVISIONING_TIME", 5*time.Second),
		WaitProvisioningMax:   getdur("E2EE_WAIT_PROVISIONING_MAX", 10*time.Second),
		WaitProvisioningStep:  getdur("E2EE_WAIT_PROVISIONING_STEP", time.Second),
		WaitProvisioningTries: getint("E2EE_WAIT_PROVISIONING_RETRIES", 100),

		Addr:       getenv("ADDR", ":8090"),
		JWTSecret:  getenv("JWT_SECRET", ""),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		TrustProxy: getbool("TRUST_PROXY", true),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid int, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", k, "value", v, "default", def)
	}
	return def
}
