package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Kafka struct {
		Broker  string
		Topic   string
		GroupID string
	}
	DB struct {
		Driver string // memory | postgres
		DSN    string
	}
	API struct {
		Port     string
		BasePath string
	}
	Logging struct {
		Dir   string
		Level string
	}
	Pipeline struct {
		QueueSize         int
		EventWorkers      int
		WorkersPerChannel int
	}
	Escalation struct {
		SweepInterval time.Duration
	}
	Email struct {
		SMTPServer string
		SMTPPort   int
		Username   string
		Password   string
		FromName   string
	}
	Telegram struct {
		BotToken string
	}
	SMS struct {
		AccountSID string
		AuthToken  string
		FromNumber string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config

	cfg.Kafka.Broker = os.Getenv("KAFKA_BROKER")
	cfg.Kafka.Topic = os.Getenv("KAFKA_TOPIC")
	cfg.Kafka.GroupID = os.Getenv("KAFKA_GROUP_ID")

	cfg.DB.Driver = os.Getenv("DB_DRIVER")
	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.API.Port = os.Getenv("API_PORT")
	cfg.API.BasePath = os.Getenv("API_BASE_PATH")

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")

	if qs, err := strconv.Atoi(os.Getenv("QUEUE_SIZE")); err == nil {
		cfg.Pipeline.QueueSize = qs
	}
	if ew, err := strconv.Atoi(os.Getenv("EVENT_WORKERS")); err == nil {
		cfg.Pipeline.EventWorkers = ew
	}
	if cw, err := strconv.Atoi(os.Getenv("CHANNEL_WORKERS")); err == nil {
		cfg.Pipeline.WorkersPerChannel = cw
	}

	if d, err := time.ParseDuration(os.Getenv("ESCALATION_SWEEP_INTERVAL")); err == nil {
		cfg.Escalation.SweepInterval = d
	}

	cfg.Email.SMTPServer = os.Getenv("EMAIL_SMTP_SERVER")
	if p, err := strconv.Atoi(os.Getenv("EMAIL_SMTP_PORT")); err == nil {
		cfg.Email.SMTPPort = p
	}
	cfg.Email.Username = os.Getenv("EMAIL_USERNAME")
	cfg.Email.Password = os.Getenv("EMAIL_PASSWORD")
	cfg.Email.FromName = os.Getenv("EMAIL_FROM_NAME")

	cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")

	cfg.SMS.AccountSID = os.Getenv("SMS_ACCOUNT_SID")
	cfg.SMS.AuthToken = os.Getenv("SMS_AUTH_TOKEN")
	cfg.SMS.FromNumber = os.Getenv("SMS_FROM_NUMBER")

	// Validate required settings
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = "memory"
	}
	if cfg.DB.Driver != "memory" && cfg.DB.Driver != "postgres" {
		return Config{}, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DB.Driver)
	}
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return Config{}, fmt.Errorf("missing required configuration: DB_DSN")
	}

	// Apply defaults
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "lab_events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "notification-service"
	}
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v1"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 500
	}
	if cfg.Pipeline.EventWorkers == 0 {
		cfg.Pipeline.EventWorkers = 10
	}
	if cfg.Pipeline.WorkersPerChannel == 0 {
		cfg.Pipeline.WorkersPerChannel = 4
	}
	if cfg.Escalation.SweepInterval == 0 {
		cfg.Escalation.SweepInterval = 15 * time.Second
	}

	return cfg, nil
}
