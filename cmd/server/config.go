package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/facturaIA/invoice-intake-service/internal/models"
)

// loadConfig reads the YAML file at path, applies environment overrides and
// fills defaults. A missing file is not an error.
func loadConfig(path string, getenv func(string) string) (*models.Config, error) {
	var config models.Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(&config, getenv); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	return &config, nil
}

// applyEnv overrides config values with environment variables if present.
func applyEnv(c *models.Config, getenv func(string) string) error {
	str := map[string]*string{
		"HOST":             &c.Host,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"DATABASE_URL":     &c.Database.URL,
		"BOLT_PATH":        &c.Database.BoltPath,
		"MINIO_ENDPOINT":   &c.Storage.Endpoint,
		"MINIO_ACCESS_KEY": &c.Storage.AccessKey,
		"MINIO_SECRET_KEY": &c.Storage.SecretKey,
		"MINIO_BUCKET":     &c.Storage.Bucket,
		"QUEUE_DRIVER":     &c.Queue.Driver,
		"RABBITMQ_URL":     &c.Queue.RabbitMQURL,
		"OPENAI_API_KEY":   &c.Chat.OpenAI.APIKey,
		"OPENAI_BASE_URL":  &c.Chat.OpenAI.BaseURL,
		"OPENAI_MODEL":     &c.Chat.OpenAI.Model,
		"GEMINI_API_KEY":   &c.Chat.Gemini.APIKey,
		"GEMINI_MODEL":     &c.Chat.Gemini.Model,
		"CHAT_PROVIDER":    &c.Chat.Provider,
		"CHAT_TIMEZONE":    &c.Chat.Timezone,
		"JWT_SECRET":       &c.Auth.JWTSecret,
		"TESSERACT_BIN":    &c.OCR.Binary,
		"TESSERACT_LANG":   &c.OCR.Language,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := getenv("MINIO_USE_SSL"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MINIO_USE_SSL %q: %w", v, err)
		}
		c.Storage.UseSSL = ssl
	}
	if v := getenv("WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WORKERS %q: %w", v, err)
		}
		c.Queue.Workers = n
	}
	// A RabbitMQ URL alone selects the RabbitMQ broker.
	if c.Queue.Driver == "" && c.Queue.RabbitMQURL != "" {
		c.Queue.Driver = "rabbitmq"
	}
	return nil
}
