package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the vending machine daemon.
type Config struct {
	NostrPrivateKey string
	Relays          []string

	DatabaseURL string

	LNBitsURL string
	LNBitsKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JobPriceMsats        int64
	PageSize             int
	InvoicePollSeconds   int
	RelayLivenessSeconds int
	InvoiceExpirySeconds int

	PublishRPS   float64
	PublishBurst int
}

func Load() Config {
	return Config{
		NostrPrivateKey: getEnv("NOSTR_PRIVATE_KEY", ""),
		Relays:          splitList(getEnv("NOSTR_RELAYS", "")),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		LNBitsURL: getEnv("LNBITS_URL", ""),
		LNBitsKey: getEnv("LNBITS_KEY", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JobPriceMsats:        int64(getEnvInt("JOB_PRICE_MSATS", 10_000)),
		PageSize:             getEnvInt("PAGE_SIZE", 50),
		InvoicePollSeconds:   getEnvInt("INVOICE_POLL_SECONDS", 5),
		RelayLivenessSeconds: getEnvInt("RELAY_LIVENESS_SECONDS", 30),
		InvoiceExpirySeconds: getEnvInt("INVOICE_EXPIRY_SECONDS", 600),

		PublishRPS:   getEnvFloat("PUBLISH_RPS", 10),
		PublishBurst: getEnvInt("PUBLISH_BURST", 20),
	}
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
