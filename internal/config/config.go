// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	CORSOrigins        []string

	// Environment
	Env      string
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Storage
	ContextStore string
	ContextTTL   time.Duration
	DatabaseURL  string
	RedisAddr    string
	RedisPass    string

	// Auth
	JWTSecret     string
	WebhookSecret string

	// Rate limiting
	RateLimitRequests        int
	RateLimitWindow          time.Duration
	WebhookRateLimitRequests int

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string
	LLMModel        string
	LLMTimeout      time.Duration

	// CRM settings
	GHLAPIKey         string
	GHLLocationID     string
	GHLBaseURL        string
	GHLCalendarID     string
	GHLAssignedUserID string
	CRMTimeout        time.Duration

	// Custom fields and workflows
	ManualSchedulingWorkflowID string
	FieldAppointmentTime       string
	FieldAppointmentType       string
	FieldLeadScore             string

	// Qualification tags
	ActivationTag string
	OptOutTag     string

	// Scheduling
	BusinessTimezone      string
	BusinessHours         string
	BookingBufferMinutes  int
	BookingScoreThreshold int
	BookingMaxAttempts    int
	OfferTTL              time.Duration
	SelectionRetryCap     int
	AutoBookFirstSlot     bool
	ConfirmationStrategy  string

	// Batching
	BatchingEnabled     bool
	BatchMaxSize        int
	BatchMaxAge         time.Duration
	BatchContactWindow  time.Duration
	BatchAccountWindow  time.Duration
	BatchAccountMaxSize int

	// Dedup
	DedupWindow   time.Duration
	DedupCapacity int

	// Processing
	ProcessTimeout  time.Duration
	DeliveryTimeout time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
		CORSOrigins:        getListEnv("CORS_ALLOWED_ORIGINS", nil),

		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Storage
		ContextStore: strings.ToLower(getEnv("CONTEXT_STORE", "memory")),
		ContextTTL:   getDurationEnv("CONTEXT_TTL", 30*24*time.Hour),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisPass:    getEnv("REDIS_PASSWORD", ""),

		// Auth
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		// Rate limiting
		RateLimitRequests:        getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:          getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		WebhookRateLimitRequests: getIntEnv("WEBHOOK_RATE_LIMIT_REQUESTS", 600),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:      strings.ToLower(getEnv("DEFAULT_LLM", "anthropic")),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMTimeout:      getDurationEnv("LLM_TIMEOUT", 15*time.Second),

		// CRM
		GHLAPIKey:         getEnv("GHL_API_KEY", ""),
		GHLLocationID:     getEnv("GHL_LOCATION_ID", ""),
		GHLBaseURL:        getEnv("GHL_BASE_URL", "https://services.leadconnectorhq.com"),
		GHLCalendarID:     getEnv("GHL_CALENDAR_ID", ""),
		GHLAssignedUserID: getEnv("GHL_ASSIGNED_USER_ID", ""),
		CRMTimeout:        getDurationEnv("CRM_TIMEOUT", 10*time.Second),

		ManualSchedulingWorkflowID: getEnv("MANUAL_SCHEDULING_WORKFLOW_ID", ""),
		FieldAppointmentTime:       getEnv("CUSTOM_FIELD_APPOINTMENT_TIME", ""),
		FieldAppointmentType:       getEnv("CUSTOM_FIELD_APPOINTMENT_TYPE", ""),
		FieldLeadScore:             getEnv("CUSTOM_FIELD_LEAD_SCORE", ""),

		ActivationTag: getEnv("ACTIVATION_TAG", "Needs Qualifying"),
		OptOutTag:     getEnv("OPT_OUT_TAG", "AI-Off"),

		// Scheduling
		BusinessTimezone:      getEnv("BUSINESS_TIMEZONE", "America/Los_Angeles"),
		BusinessHours:         getEnv("BUSINESS_HOURS", ""),
		BookingBufferMinutes:  getIntEnv("BOOKING_BUFFER_MINUTES", 15),
		BookingScoreThreshold: getIntEnv("BOOKING_SCORE_THRESHOLD", 5),
		BookingMaxAttempts:    getIntEnv("BOOKING_MAX_ATTEMPTS_PER_HOUR", 3),
		OfferTTL:              getDurationEnv("OFFER_TTL", 24*time.Hour),
		SelectionRetryCap:     getIntEnv("SELECTION_RETRY_CAP", 2),
		AutoBookFirstSlot:     getBoolEnv("AUTO_BOOK_FIRST_SLOT", false),
		ConfirmationStrategy:  strings.ToLower(getEnv("CONFIRMATION_STRATEGY", "sms_email")),

		// Batching
		BatchingEnabled:     getBoolEnv("BATCHING_ENABLED", false),
		BatchMaxSize:        getIntEnv("BATCH_MAX_SIZE", 10),
		BatchMaxAge:         getDurationEnv("BATCH_MAX_AGE", 2*time.Second),
		BatchContactWindow:  getDurationEnv("BATCH_CONTACT_WINDOW", 0),
		BatchAccountWindow:  getDurationEnv("BATCH_ACCOUNT_WINDOW", 0),
		BatchAccountMaxSize: getIntEnv("BATCH_ACCOUNT_MAX_SIZE", 5),

		// Dedup
		DedupWindow:   getDurationEnv("DEDUP_WINDOW", 5*time.Second),
		DedupCapacity: getIntEnv("DEDUP_CAPACITY", 10000),

		ProcessTimeout:  getDurationEnv("PROCESS_TIMEOUT", 25*time.Second),
		DeliveryTimeout: getDurationEnv("DELIVERY_TIMEOUT", 30*time.Second),
	}
}

// Development reports whether ENV selects the development console logger.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.ServerPort); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric: %q", c.ServerPort))
	}
	if _, err := time.LoadLocation(c.BusinessTimezone); err != nil {
		errs = append(errs, fmt.Errorf("BUSINESS_TIMEZONE: %w", err))
	}
	switch c.ContextStore {
	case "memory":
	case "nats":
		if c.NATSURL == "" {
			errs = append(errs, errors.New("CONTEXT_STORE=nats requires NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("CONTEXT_STORE must be memory or nats, got %q", c.ContextStore))
	}
	switch c.DefaultLLM {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_LLM must be anthropic or openai, got %q", c.DefaultLLM))
	}
	switch c.ConfirmationStrategy {
	case "sms", "sms_email":
	default:
		errs = append(errs, fmt.Errorf("CONFIRMATION_STRATEGY must be sms or sms_email, got %q", c.ConfirmationStrategy))
	}
	if c.BookingScoreThreshold < 1 || c.BookingScoreThreshold > 7 {
		errs = append(errs, fmt.Errorf("BOOKING_SCORE_THRESHOLD must be between 1 and 7, got %d", c.BookingScoreThreshold))
	}
	if c.BookingMaxAttempts < 1 {
		errs = append(errs, errors.New("BOOKING_MAX_ATTEMPTS_PER_HOUR must be positive"))
	}
	if c.BookingBufferMinutes < 0 {
		errs = append(errs, errors.New("BOOKING_BUFFER_MINUTES cannot be negative"))
	}
	if c.BatchMaxSize < 1 || c.BatchMaxAge <= 0 {
		errs = append(errs, errors.New("BATCH_MAX_SIZE and BATCH_MAX_AGE must be positive"))
	}
	if c.DedupWindow <= 0 || c.DedupCapacity < 1 {
		errs = append(errs, errors.New("DEDUP_WINDOW and DEDUP_CAPACITY must be positive"))
	}
	if c.RateLimitRequests < 1 || c.WebhookRateLimitRequests < 1 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Env == "production" && c.JWTSecret == "development-secret-change-in-production" {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
