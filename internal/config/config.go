package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Queue backends
const (
	QueueBackendQStash = "qstash"
	QueueBackendSQS    = "sqs"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional rotating log file

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Queue gateway
	QueueBackend    string
	QueueChunkSize  int
	QueueMaxRetries int

	// QStash config
	QStashURL               string
	QStashToken             string
	QStashCurrentSigningKey string
	QStashNextSigningKey    string
	DeliveryCallbackURL     string // where the queue calls back per job

	// AWS Services
	AWSRegion    string
	SQSRegion    string
	SQSQueueURL  string
	SNSTopicARN  string // campaign lifecycle events, optional
	SESFromEmail string
	AlertEmail   string // operator address for partial-start alerts, optional

	// WhatsApp HTTP API
	WhatsAppAPIURL  string
	WhatsAppAPIKey  string
	WhatsAppTimeout int // seconds

	// AI / OpenAI config
	AIEnabled    bool
	OpenAIAPIKey string
	OpenAIModel  string

	// Dispatch policy
	DefaultCountryCode   string
	ResumeStaggerSeconds int
	ResumeJitterSeconds  int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "disparo",
		DBName:    "disparo",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		QueueBackend:    QueueBackendQStash,
		QueueChunkSize:  100,
		QueueMaxRetries: 2,
		QStashURL:       "https://qstash.upstash.io",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@disparo.local",

		WhatsAppAPIURL:  "http://localhost:8081",
		WhatsAppTimeout: 30,

		OpenAIModel: "gpt-4o-mini",

		DefaultCountryCode:   "55",
		ResumeStaggerSeconds: 15,
		ResumeJitterSeconds:  5,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Queue config
	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		if backend != QueueBackendQStash && backend != QueueBackendSQS {
			return nil, fmt.Errorf("invalid QUEUE_BACKEND: %q (want qstash or sqs)", backend)
		}
		cfg.QueueBackend = backend
	}
	if cfg.QueueChunkSize, err = intEnv("QUEUE_CHUNK_SIZE", cfg.QueueChunkSize); err != nil {
		return nil, err
	}
	if cfg.QueueMaxRetries, err = intEnv("QUEUE_MAX_RETRIES", cfg.QueueMaxRetries); err != nil {
		return nil, err
	}
	if url := os.Getenv("QSTASH_URL"); url != "" {
		cfg.QStashURL = url
	}
	cfg.QStashToken = os.Getenv("QSTASH_TOKEN")
	cfg.QStashCurrentSigningKey = os.Getenv("QSTASH_CURRENT_SIGNING_KEY")
	cfg.QStashNextSigningKey = os.Getenv("QSTASH_NEXT_SIGNING_KEY")
	cfg.DeliveryCallbackURL = os.Getenv("DELIVERY_CALLBACK_URL")

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.AlertEmail = os.Getenv("ALERT_EMAIL")

	// WhatsApp config
	if url := os.Getenv("WHATSAPP_API_URL"); url != "" {
		cfg.WhatsAppAPIURL = url
	}
	cfg.WhatsAppAPIKey = os.Getenv("WHATSAPP_API_KEY")
	if cfg.WhatsAppTimeout, err = intEnv("WHATSAPP_TIMEOUT", cfg.WhatsAppTimeout); err != nil {
		return nil, err
	}

	// AI config
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.OpenAIAPIKey = key
		cfg.AIEnabled = true
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}

	// Dispatch policy
	if cc := os.Getenv("DEFAULT_COUNTRY_CODE"); cc != "" {
		cfg.DefaultCountryCode = cc
	}
	if cfg.ResumeStaggerSeconds, err = intEnv("RESUME_STAGGER_SECONDS", cfg.ResumeStaggerSeconds); err != nil {
		return nil, err
	}
	if cfg.ResumeJitterSeconds, err = intEnv("RESUME_JITTER_SECONDS", cfg.ResumeJitterSeconds); err != nil {
		return nil, err
	}

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
