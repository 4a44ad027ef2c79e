// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	// マスターキー設定
	// MasterKeyProvider が "cloudkms" の場合は KMSKeyName を使用し、
	// "local"（デフォルト）の場合は MasterEncryptionKey（64文字の16進数）を使用する。
	MasterKeyProvider   string
	MasterEncryptionKey string
	KMSKeyName          string
	GoogleCloudProject  string

	// 監査ログHMAC署名用の鍵（64文字の16進数、マスターキーとは別鍵）
	AuditHMACKey string

	// キャッシュ設定
	RedisAddr       string
	RedisPassword   string
	KeyCacheTTLSecs int

	// OpenTelemetry設定
	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		MasterKeyProvider:   getEnv("MASTER_KEY_PROVIDER", "local"),
		MasterEncryptionKey: os.Getenv("MASTER_ENCRYPTION_KEY"),
		KMSKeyName:          os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject:  os.Getenv("GOOGLE_CLOUD_PROJECT"),
		AuditHMACKey:        os.Getenv("AUDIT_HMAC_KEY"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		KeyCacheTTLSecs:     getEnvInt("KEY_CACHE_TTL_SECONDS", 300),
		OtelEnabled:         getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:     getEnv("OTEL_SERVICE_NAME", "tenant-kms"),
		OtelSamplingRate:    getEnvFloat("OTEL_SAMPLING_RATE", 0.1),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
