package config

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type AppConfig struct {
	ServerAddr string `mapstructure:"SERVER_ADDR" validate:"min=2"`
	GinMode    string `mapstructure:"GIN_MODE" validate:"oneof=debug release test"`
	LogLevel   string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	OpenListURL            string        `mapstructure:"OPENLIST_URL" validate:"min=1"`
	OpenListToken          string        `mapstructure:"OPENLIST_TOKEN" validate:"min=1"`
	OpenListMaxConcurrent  int           `mapstructure:"OPENLIST_MAX_CONCURRENT" validate:"min=1"`
	OpenListRequestTimeout time.Duration `mapstructure:"OPENLIST_REQUEST_TIMEOUT" validate:"nonzero_duration"`
	OpenListConnectTimeout time.Duration `mapstructure:"OPENLIST_CONNECT_TIMEOUT" validate:"nonzero_duration"`
	OpenListMaxRetries     int           `mapstructure:"OPENLIST_MAX_RETRIES" validate:"min=1"`
	OpenListRetryBackoff   time.Duration `mapstructure:"OPENLIST_RETRY_BACKOFF" validate:"nonzero_duration"`

	DownloadTool           string        `mapstructure:"DOWNLOAD_TOOL" validate:"min=1"`
	SavePath               string        `mapstructure:"SAVE_PATH" validate:"min=1"`
	RenameFormat           string        `mapstructure:"RENAME_FORMAT" validate:"min=1"`
	MaxConcurrentDownloads int           `mapstructure:"MAX_CONCURRENT_DOWNLOADS" validate:"min=1"`
	DownloadMaxRetries     int           `mapstructure:"DOWNLOAD_MAX_RETRIES" validate:"min=0"`
	DownloadRetryDelay     time.Duration `mapstructure:"DOWNLOAD_RETRY_DELAY" validate:"min=0"`
	PollInterval           time.Duration `mapstructure:"POLL_INTERVAL" validate:"nonzero_duration"`

	StateFile  string `mapstructure:"STATE_FILE" validate:"min=1"`
	ResourceDB string `mapstructure:"RESOURCE_DB" validate:"min=1"`

	RSSFeeds    []string      `mapstructure:"RSS_FEEDS"`
	RSSInterval time.Duration `mapstructure:"RSS_INTERVAL" validate:"nonzero_duration"`

	TelegramBotToken string        `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string        `mapstructure:"TELEGRAM_CHAT_ID"`
	PushPlusToken    string        `mapstructure:"PUSHPLUS_TOKEN"`
	NotifyWindow     time.Duration `mapstructure:"NOTIFY_WINDOW" validate:"nonzero_duration"`
}

func (c *AppConfig) Validate() error {
	v := validator.New()

	_ = v.RegisterValidation("nonzero_duration", func(fl validator.FieldLevel) bool {
		if d, ok := fl.Field().Interface().(time.Duration); ok {
			return d > 0
		}
		return false
	})
	return v.Struct(c)
}

func LoadAppConfig(name, ext string, paths ...string) (*AppConfig, error) {
	for _, path := range paths {
		viper.AddConfigPath(path)
	}
	viper.SetConfigName(name)
	viper.SetConfigType(ext)
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_ADDR", ":8082")
	viper.SetDefault("GIN_MODE", "release")
	viper.SetDefault("LOG_LEVEL", "info")

	viper.SetDefault("OPENLIST_URL", "http://localhost:5244")
	viper.SetDefault("OPENLIST_TOKEN", "")
	viper.SetDefault("OPENLIST_MAX_CONCURRENT", 4)
	viper.SetDefault("OPENLIST_REQUEST_TIMEOUT", 30*time.Second)
	viper.SetDefault("OPENLIST_CONNECT_TIMEOUT", 30*time.Second)
	viper.SetDefault("OPENLIST_MAX_RETRIES", 3)
	viper.SetDefault("OPENLIST_RETRY_BACKOFF", 800*time.Millisecond)

	viper.SetDefault("DOWNLOAD_TOOL", "aria2")
	viper.SetDefault("SAVE_PATH", "/anime")
	viper.SetDefault("RENAME_FORMAT", "{anime_name} S{season}E{episode}")
	viper.SetDefault("MAX_CONCURRENT_DOWNLOADS", 3)
	viper.SetDefault("DOWNLOAD_MAX_RETRIES", 3)
	viper.SetDefault("DOWNLOAD_RETRY_DELAY", 10*time.Second)
	viper.SetDefault("POLL_INTERVAL", 5*time.Second)

	viper.SetDefault("STATE_FILE", "./data/tasks_state.json")
	viper.SetDefault("RESOURCE_DB", "./data/resources.db")

	viper.SetDefault("RSS_FEEDS", []string{})
	viper.SetDefault("RSS_INTERVAL", 10*time.Minute)

	viper.SetDefault("NOTIFY_WINDOW", 30*time.Second)

	// Config file is optional: defaults plus environment are a complete
	// configuration.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &AppConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
