package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string
	DBPath    string
	SpoolDir  string
	OutputDir string

	ListenHTTP    string
	MaxUploadSize int64
	SessionSecret string

	LPDEnabled     bool
	LPDAddr        string
	LPDIdleTimeout time.Duration
	LPDTrustedNets string
	LPDMaxDataSize int64

	ReleaseDelay    time.Duration
	ReleasePerPage  time.Duration
	ReleaseMaxDelay time.Duration
	Retention       time.Duration

	ErrorLogPath  string
	AccessLogPath string
	PageLogPath   string
	MaxLogSize    int64
	LogLevel      string
	LogJSON       bool

	AdminUser   string
	AdminPass   string
	PricingFile string
}

// Load reads the configuration from the environment. A .env file in the
// working directory (or the file named by PRINTGATE_ENV_FILE) is applied
// first without overriding variables that are already set; set
// USE_DOTENV=off to skip it.
func Load() Config {
	if os.Getenv("USE_DOTENV") != "off" {
		_ = godotenv.Load(getenv("PRINTGATE_ENV_FILE", ".env"))
	}

	dataDir := getenv("PRINTGATE_DATA_DIR", "data")
	logDir := getenv("PRINTGATE_LOG_DIR", filepath.Join(dataDir, "log"))

	cfg := Config{
		DataDir:   dataDir,
		DBPath:    getenv("PRINTGATE_DB_PATH", filepath.Join(dataDir, "printgate.db")),
		SpoolDir:  getenv("PRINTGATE_SPOOL_DIR", filepath.Join(dataDir, "uploads")),
		OutputDir: getenv("PRINTGATE_OUTPUT_DIR", filepath.Join(dataDir, "printed")),

		ListenHTTP:    getenv("PRINTGATE_LISTEN_HTTP", ":8080"),
		MaxUploadSize: getenvSize("PRINTGATE_MAX_UPLOAD_SIZE", 16*1024*1024),
		SessionSecret: os.Getenv("PRINTGATE_SESSION_SECRET"),

		LPDEnabled:     getenvBool("PRINTGATE_LPD_ENABLED", true),
		LPDAddr:        getenv("PRINTGATE_LPD_ADDR", ":515"),
		LPDIdleTimeout: getenvDuration("PRINTGATE_LPD_IDLE_TIMEOUT", 30*time.Second),
		LPDTrustedNets: getenv("LPD_TRUSTED_NETS", ""),
		LPDMaxDataSize: getenvSize("PRINTGATE_LPD_MAX_DATA_SIZE", 0),

		ReleaseDelay:    getenvDuration("PRINTGATE_RELEASE_DELAY", 2*time.Second),
		ReleasePerPage:  getenvDuration("PRINTGATE_RELEASE_PER_PAGE", 500*time.Millisecond),
		ReleaseMaxDelay: getenvDuration("PRINTGATE_RELEASE_MAX_DELAY", 30*time.Second),
		Retention:       getenvDuration("PRINTGATE_RETENTION", 24*time.Hour),

		ErrorLogPath:  getenvPath(logDir, "PRINTGATE_ERROR_LOG", "error_log"),
		AccessLogPath: getenvPath(logDir, "PRINTGATE_ACCESS_LOG", "access_log"),
		PageLogPath:   getenvPath(logDir, "PRINTGATE_PAGE_LOG", "page_log"),
		MaxLogSize:    getenvSize("PRINTGATE_MAX_LOG_SIZE", 1024*1024),
		LogLevel:      getenv("PRINTGATE_LOG_LEVEL", "info"),
		LogJSON:       getenvBool("PRINTGATE_LOG_JSON", false),

		AdminUser:   getenv("PRINTGATE_ADMIN_USER", "admin"),
		AdminPass:   os.Getenv("PRINTGATE_ADMIN_PASS"),
		PricingFile: os.Getenv("PRINTGATE_PRICING_FILE"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v, ok := parseBool(os.Getenv(key)); ok {
		return v
	}
	return fallback
}

func getenvSize(key string, fallback int64) int64 {
	if v, ok := parseSize(os.Getenv(key)); ok {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := parseDuration(os.Getenv(key)); ok {
		return v
	}
	return fallback
}

// getenvPath resolves a log file name relative to root. "none" or "off"
// disables the file.
func getenvPath(root, key, fallback string) string {
	v := getenv(key, fallback)
	switch strings.ToLower(v) {
	case "none", "off", "-":
		return ""
	}
	if filepath.IsAbs(v) {
		return v
	}
	return filepath.Join(root, v)
}

func parseBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// parseSize accepts a byte count with an optional k, m or g suffix.
func parseSize(value string) (int64, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	mult := int64(1)
	switch v[len(v)-1] {
	case 'k', 'K':
		mult = 1024
		v = v[:len(v)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		v = v[:len(v)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		v = v[:len(v)-1]
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || num < 0 {
		return 0, false
	}
	return int64(num * float64(mult)), true
}

// parseDuration accepts Go durations ("1m30s", "250ms") and the plain
// "<n>[smhdw]" intervals used by print server configs. A bare number is
// seconds.
func parseDuration(value string) (time.Duration, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		if d < 0 {
			return 0, false
		}
		return d, true
	}
	mult := time.Second
	switch v[len(v)-1] {
	case 'd', 'D':
		mult = 24 * time.Hour
		v = v[:len(v)-1]
	case 'w', 'W':
		mult = 7 * 24 * time.Hour
		v = v[:len(v)-1]
	case 'h', 'H':
		mult = time.Hour
		v = v[:len(v)-1]
	case 'M':
		mult = time.Minute
		v = v[:len(v)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * mult, true
}
