/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the reward-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	ResolutionEventExchange   string `mapstructure:"RESOLUTION_EVENT_EXCHANGE"`
	TelegramBotToken          string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	PlayReviewsBaseURL        string `mapstructure:"PLAY_REVIEWS_BASE_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	AuthJWTSecret             string `mapstructure:"AUTH_JWT_SECRET"`
	Timezone                  string `mapstructure:"TIMEZONE"`
	SubmissionRateLimitHourly int    `mapstructure:"SUBMISSION_RATE_LIMIT_PER_HOUR"`
	SettingsCacheTTLSeconds   int    `mapstructure:"SETTINGS_CACHE_TTL_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RESOLUTION_EVENT_EXCHANGE", "reward_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "reviewpay:rate_limit")
	viper.SetDefault("TIMEZONE", "Asia/Dhaka")
	viper.SetDefault("SUBMISSION_RATE_LIMIT_PER_HOUR", 10)
	viper.SetDefault("SETTINGS_CACHE_TTL_SECONDS", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REWARD_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RESOLUTION_EVENT_EXCHANGE")
	_ = viper.BindEnv("TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("PLAY_REVIEWS_BASE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REWARD_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("TIMEZONE", "TIMEZONE", "TZ")
	_ = viper.BindEnv("SUBMISSION_RATE_LIMIT_PER_HOUR")
	_ = viper.BindEnv("SETTINGS_CACHE_TTL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REWARD_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "reviewpay:rate_limit"
	}
	config.PlayReviewsBaseURL = strings.TrimRight(strings.TrimSpace(config.PlayReviewsBaseURL), "/")

	if config.SubmissionRateLimitHourly < 0 {
		log.Printf("level=warn component=config msg=\"negative submission rate limit configured; disabling\" limit=%d", config.SubmissionRateLimitHourly)
		config.SubmissionRateLimitHourly = 0
	}
	if config.SettingsCacheTTLSeconds <= 0 {
		config.SettingsCacheTTLSeconds = 60
	}

	return
}
