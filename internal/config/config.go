package config

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Contact describes the operator contact card served by GET /contact.
type Contact struct {
	Name    string `yaml:"name" json:"name,omitempty"`
	Email   string `yaml:"email" json:"email,omitempty"`
	Phone   string `yaml:"phone" json:"phone,omitempty"`
	Website string `yaml:"website" json:"website,omitempty"`
}

// IsZero reports whether no contact field is set.
func (c Contact) IsZero() bool {
	return c.Name == "" && c.Email == "" && c.Phone == "" && c.Website == ""
}

type Config struct {
	Port    string
	GinMode string

	// Upstream caption ingestion endpoint. The stream key is appended by the
	// client as the cid query parameter.
	UpstreamURL string

	// Tokens and admin access.
	JWTSecret          string
	JWTSecretGenerated bool // true when JWT_SECRET was unset and a random one was minted
	AdminKey           string

	// Persistent storage (single-file sqlite database).
	DBPath string

	// Session lifecycle.
	SessionTTL      time.Duration
	CleanupInterval time.Duration

	// Registration gating.
	AllowedDomains string

	// Optional surfaces.
	UsagePublic      bool
	FreeAPIKeyActive bool
	StaticDir        string
	Contact          Contact `yaml:"contact"`

	// Revoked key retention.
	RevokedKeyTTLDays           int
	RevokedKeyCleanupInterval   time.Duration
	ServerShutdownTimeoutSecs   int
	RequestBodyLimitBytes       int64
	FreeKeyRequestsPerHourPerIP int

	// Logging.
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

const (
	defaultSessionTTL      = 2 * time.Hour
	defaultCleanupInterval = 5 * time.Minute
	defaultRevokedCleanup  = 24 * time.Hour
	defaultBodyLimit       = 64 * 1024
)

func LoadConfig() {
	// Load .env file if it exists.
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		UpstreamURL: getEnvOrDefault("UPSTREAM_URL", "http://upload.youtube.com/closedcaption"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		AdminKey:  os.Getenv("ADMIN_KEY"),

		DBPath: getEnvOrDefault("DB_PATH", "captions.db"),

		SessionTTL:      getEnvAsMillis("SESSION_TTL", defaultSessionTTL),
		CleanupInterval: getEnvAsMillis("CLEANUP_INTERVAL", defaultCleanupInterval),

		AllowedDomains: getEnvOrDefault("ALLOWED_DOMAINS", "*"),

		UsagePublic:      os.Getenv("USAGE_PUBLIC") != "",
		FreeAPIKeyActive: os.Getenv("FREE_APIKEY_ACTIVE") != "",
		StaticDir:        os.Getenv("STATIC_DIR"),

		Contact: Contact{
			Name:    os.Getenv("CONTACT_NAME"),
			Email:   os.Getenv("CONTACT_EMAIL"),
			Phone:   os.Getenv("CONTACT_PHONE"),
			Website: os.Getenv("CONTACT_WEBSITE"),
		},

		RevokedKeyTTLDays:           getEnvAsInt("REVOKED_KEY_TTL_DAYS", 30),
		RevokedKeyCleanupInterval:   getEnvAsMillis("REVOKED_KEY_CLEANUP_INTERVAL", defaultRevokedCleanup),
		ServerShutdownTimeoutSecs:   getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),
		RequestBodyLimitBytes:       int64(getEnvAsInt("REQUEST_BODY_LIMIT_BYTES", defaultBodyLimit)),
		FreeKeyRequestsPerHourPerIP: getEnvAsInt("FREE_APIKEY_PER_HOUR_PER_IP", 3),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Optional YAML overlay for non-secret settings (contact card, allowlist).
	if configFilePath := os.Getenv("CONFIG_FILE"); configFilePath != "" {
		configFile, err := os.Open(configFilePath)
		if err != nil {
			log.Fatalf("Failed to open config file: %v", err)
		}
		defer configFile.Close()

		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	// Tokens signed with a boot-time random secret do not survive restarts.
	if AppConfig.JWTSecret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			log.Fatalf("Failed to generate JWT secret: %v", err)
		}
		AppConfig.JWTSecret = hex.EncodeToString(b)
		AppConfig.JWTSecretGenerated = true
		log.Println("Warning: JWT_SECRET not set; generated a random secret. Outstanding tokens will be invalidated on restart.")
	}

	if AppConfig.AdminKey == "" {
		log.Println("Warning: ADMIN_KEY not set; key administration endpoints will answer 503.")
	}
}

// AllowedDomainList splits the allowlist into trimmed entries.
// A single "*" entry allows every origin.
func (c *Config) AllowedDomainList() []string {
	parts := strings.Split(c.AllowedDomains, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// getEnvAsMillis reads an integer millisecond value. The wire contract keeps
// these knobs in milliseconds to match the browser clients.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed) * time.Millisecond
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as milliseconds, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
