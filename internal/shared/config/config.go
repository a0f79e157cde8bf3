package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server       ServerConfig
	Logging      LoggingConfig
	Database     DatabaseConfig
	KurrentDB    KurrentDBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	RateLimit    RateLimitConfig
	Classifier   ClassifierConfig
	HIS          HISConfig
	Availability AvailabilityConfig
	Triage       TriageConfig
	Escalation   EscalationConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: text or json
	Format string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Enabled  bool
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Host is the KurrentDB server hostname
	Host string
	// Port is the gRPC/HTTP port (default 2113)
	Port int
	// Insecure disables TLS (for development)
	Insecure bool
	// Username for authentication (optional)
	Username string
	// Password for authentication (optional)
	Password string
	Enabled  bool
}

// RedisConfig configures the patient snapshot cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Enabled  bool
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// RateLimitConfig bounds utterance submission per patient.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// ClassifierConfig points at the external NLP service.
type ClassifierConfig struct {
	URL     string
	Enabled bool
}

// HISConfig holds the hospital information system (SQL Server) connection
// used as the patient data provider.
type HISConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	Encrypt         bool
	InstitutionCode string
	Enabled         bool
}

// AvailabilityConfig points at the provider roster service.
type AvailabilityConfig struct {
	URL     string
	Enabled bool
}

// TriageConfig holds the conversation engine thresholds.
type TriageConfig struct {
	ConfidenceThreshold float64
	FollowUpCap         int
	// Response envelopes per tier / interaction mode
	Tier1Envelope  time.Duration
	Tier2Envelope  time.Duration
	VoiceEnvelope  time.Duration
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	// Background prescription retry
	PrescriptionRetries    int
	PrescriptionRetryDelay time.Duration
}

// EscalationConfig holds the Tier 3 workflow timings.
type EscalationConfig struct {
	Deadline            time.Duration
	AvailabilityTimeout time.Duration
	HandoffWindow       time.Duration
	// Budget kept back for the appointment offer after a hand-off attempt
	AppointmentReserve time.Duration
	SlotLookahead      time.Duration
	EmergencyNumber    string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
			Env:  getEnv("ENV", "development"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "triage"),
			Password: getEnv("DB_PASSWORD", "triage"),
			Database: getEnv("DB_NAME", "triage"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Enabled:  getEnvBool("DB_ENABLED", true),
		},
		KurrentDB: KurrentDBConfig{
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", "careline"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvInt("RATE_LIMIT_RPS", 2),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 5),
		},
		Classifier: ClassifierConfig{
			URL:     getEnv("CLASSIFIER_URL", "http://localhost:5000"),
			Enabled: getEnvBool("CLASSIFIER_ENABLED", false),
		},
		HIS: HISConfig{
			Host:            getEnv("HIS_HOST", "localhost"),
			Port:            getEnvInt("HIS_PORT", 1433),
			Database:        getEnv("HIS_DATABASE", "his"),
			User:            getEnv("HIS_USER", "sa"),
			Password:        getEnv("HIS_PASSWORD", ""),
			Encrypt:         getEnvBool("HIS_ENCRYPT", false),
			InstitutionCode: getEnv("HIS_INSTITUTION", "CLINIC-001"),
			Enabled:         getEnvBool("HIS_ENABLED", false),
		},
		Availability: AvailabilityConfig{
			URL:     getEnv("AVAILABILITY_URL", "http://localhost:5100"),
			Enabled: getEnvBool("AVAILABILITY_ENABLED", false),
		},
		Triage: TriageConfig{
			ConfidenceThreshold:    getEnvFloat("TRIAGE_CONFIDENCE_THRESHOLD", 0.7),
			FollowUpCap:            getEnvInt("TRIAGE_FOLLOWUP_CAP", 5),
			Tier1Envelope:          getEnvDuration("TRIAGE_TIER1_ENVELOPE", 3*time.Second),
			Tier2Envelope:          getEnvDuration("TRIAGE_TIER2_ENVELOPE", 5*time.Second),
			VoiceEnvelope:          getEnvDuration("TRIAGE_VOICE_ENVELOPE", 7*time.Second),
			SessionTimeout:         getEnvDuration("TRIAGE_SESSION_TIMEOUT", 30*time.Minute),
			SweepInterval:          getEnvDuration("TRIAGE_SWEEP_INTERVAL", time.Minute),
			PrescriptionRetries:    getEnvInt("TRIAGE_RX_RETRIES", 3),
			PrescriptionRetryDelay: getEnvDuration("TRIAGE_RX_RETRY_DELAY", 10*time.Second),
		},
		Escalation: EscalationConfig{
			Deadline:            getEnvDuration("ESCALATION_DEADLINE", 30*time.Second),
			AvailabilityTimeout: getEnvDuration("ESCALATION_AVAILABILITY_TIMEOUT", 2*time.Second),
			HandoffWindow:       getEnvDuration("ESCALATION_HANDOFF_WINDOW", 15*time.Second),
			AppointmentReserve:  getEnvDuration("ESCALATION_APPOINTMENT_RESERVE", 5*time.Second),
			SlotLookahead:       getEnvDuration("ESCALATION_SLOT_LOOKAHEAD", 48*time.Hour),
			EmergencyNumber:     getEnv("ESCALATION_EMERGENCY_NUMBER", "112"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would weaken the safety defaults.
func (c *Config) Validate() error {
	if c.Triage.ConfidenceThreshold <= 0 || c.Triage.ConfidenceThreshold > 1 {
		return fmt.Errorf("TRIAGE_CONFIDENCE_THRESHOLD must be in (0,1], got %v", c.Triage.ConfidenceThreshold)
	}
	if c.Triage.FollowUpCap < 1 {
		return fmt.Errorf("TRIAGE_FOLLOWUP_CAP must be at least 1, got %d", c.Triage.FollowUpCap)
	}
	if c.Escalation.Deadline <= 0 {
		return fmt.Errorf("ESCALATION_DEADLINE must be positive")
	}
	if c.Escalation.AvailabilityTimeout >= c.Escalation.Deadline {
		return fmt.Errorf("ESCALATION_AVAILABILITY_TIMEOUT must be shorter than ESCALATION_DEADLINE")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
