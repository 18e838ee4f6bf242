package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// CommonConfig содержит общую конфигурацию, используемую всеми частями сервиса
type CommonConfig struct {
	HTTP     HTTPConfig
	Postgres PostgresConfig
	RabbitMQ RabbitMQConfig
}

// HTTPConfig содержит настройки HTTP сервера
type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig содержит настройки базы данных PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RabbitMQConfig содержит настройки RabbitMQ
type RabbitMQConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	VHost    string
}

// LoadCommonConfig загружает общую конфигурацию из переменных окружения
func LoadCommonConfig(serviceName string, port string) *CommonConfig {
	// Загружаем переменные окружения из .env файла, если он существует
	godotenv.Load()

	return &CommonConfig{
		HTTP: HTTPConfig{
			Port:         GetEnv("HTTP_PORT", port),
			ReadTimeout:  GetEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: GetEnvAsDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		Postgres: PostgresConfig{
			Host:     GetEnv("POSTGRES_HOST", "localhost"),
			Port:     GetEnv("POSTGRES_PORT", "5432"),
			User:     GetEnv("POSTGRES_USER", "postgres"),
			Password: GetEnv("POSTGRES_PASSWORD", "postgres"),
			DBName:   GetEnv("POSTGRES_DB", serviceName),
			SSLMode:  GetEnv("POSTGRES_SSLMODE", "disable"),
		},
		RabbitMQ: RabbitMQConfig{
			Host:     GetEnv("RABBITMQ_HOST", "localhost"),
			Port:     GetEnv("RABBITMQ_PORT", "5672"),
			User:     GetEnv("RABBITMQ_USER", "guest"),
			Password: GetEnv("RABBITMQ_PASSWORD", "guest"),
			VHost:    GetEnv("RABBITMQ_VHOST", "/"),
		},
	}
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func GetEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := GetEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
