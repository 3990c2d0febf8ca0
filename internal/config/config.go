package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	ChangefeedChannel string
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	TurnSoonThreshold  int
	AvgConsultMinutes  int
	ClientBuffer       int
	NotificationLogCap int

	ReminderInterval time.Duration
	ReminderLead     time.Duration
	ReminderBatch    int

	ChamberCacheTTL time.Duration

	RateLimitIPPerMinute   int
	RateLimitIPBurst       int
	RateLimitUserPerMinute int
	RateLimitUserBurst     int
}

func Load() Config {
	port := os.Getenv("REALTIME_PORT")
	if port == "" {
		port = "8085"
	}
	channel := os.Getenv("CHANGEFEED_CHANNEL")
	if channel == "" {
		channel = "queue_changes"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		ChangefeedChannel: channel,
		ReconnectAttempts: readInt("RECONNECT_ATTEMPTS", 5),
		ReconnectBase:     readDurationSeconds("RECONNECT_BASE_SECONDS", 1),
		ReconnectMax:      readDurationSeconds("RECONNECT_MAX_SECONDS", 5),

		TurnSoonThreshold:  readInt("TURN_SOON_THRESHOLD", 1),
		AvgConsultMinutes:  readInt("AVG_CONSULT_MINUTES", 10),
		ClientBuffer:       readInt("CLIENT_BUFFER", 16),
		NotificationLogCap: readInt("NOTIFICATION_LOG_CAP", 50),

		ReminderInterval: readDurationSeconds("REMINDER_SWEEP_SECONDS", 60),
		ReminderLead:     readDurationSeconds("REMINDER_LEAD_SECONDS", 1800),
		ReminderBatch:    readInt("REMINDER_BATCH_SIZE", 50),

		ChamberCacheTTL: readDurationSeconds("CHAMBER_CACHE_TTL_SECONDS", 30),

		RateLimitIPPerMinute:   readInt("RATE_LIMIT_IP_PER_MINUTE", 300),
		RateLimitIPBurst:       readInt("RATE_LIMIT_IP_BURST", 50),
		RateLimitUserPerMinute: readInt("RATE_LIMIT_USER_PER_MINUTE", 120),
		RateLimitUserBurst:     readInt("RATE_LIMIT_USER_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
