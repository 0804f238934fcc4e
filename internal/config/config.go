package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig 保存后端服务地址相关的配置。
type ServerConfig struct {
	BaseURL       string `mapstructure:"BASE_URL"`       // REST API 根地址，例如 http://localhost:8081
	WebSocketURL  string `mapstructure:"WEBSOCKET_URL"`  // 实时通道地址，例如 ws://localhost:8081
	WebSocketPath string `mapstructure:"WEBSOCKET_PATH"` // 实时通道路径
	ListenAddr    string `mapstructure:"LISTEN_ADDR"`    // 联调服务器监听地址
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
}

// ReconnectConfig 控制通道断开后的重连节奏。
type ReconnectConfig struct {
	InitialBackoff time.Duration `mapstructure:"INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `mapstructure:"MAX_BACKOFF"`
}

// TypingConfig 控制输入状态的本地去抖与远端过期。
type TypingConfig struct {
	DebounceMillis      int `mapstructure:"DEBOUNCE_MILLIS"`       // 停止敲键后多久发出 stop-typing
	RemoteExpirySeconds int `mapstructure:"REMOTE_EXPIRY_SECONDS"` // 远端条目无刷新多久后自动移除
}

// ReadsConfig 控制已读回执的展示策略。
type ReadsConfig struct {
	GroupReaderCap int `mapstructure:"GROUP_READER_CAP"` // 群聊头像堆叠的上限，超出部分用计数表示
}

// UploadConfig 控制文件附件上传。
type UploadConfig struct {
	MaxFileSizeMB int64 `mapstructure:"MAX_FILE_SIZE_MB"`
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// Config holds all configuration for the sync engine.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	Server     ServerConfig    `mapstructure:"SERVER"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Reconnect  ReconnectConfig `mapstructure:"RECONNECT"`
	Typing     TypingConfig    `mapstructure:"TYPING"`
	Reads      ReadsConfig     `mapstructure:"READS"`
	Upload     UploadConfig    `mapstructure:"UPLOAD"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
}

// Debounce 返回输入去抖时长。
func (c TypingConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// RemoteExpiry 返回远端输入状态的过期时长。
func (c TypingConfig) RemoteExpiry() time.Duration {
	return time.Duration(c.RemoteExpirySeconds) * time.Second
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "ChatSync")
	v.SetDefault("APP_VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")

	// Server Defaults
	v.SetDefault("SERVER.BASE_URL", "http://localhost:8081")
	v.SetDefault("SERVER.WEBSOCKET_URL", "ws://localhost:8081")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws")
	v.SetDefault("SERVER.LISTEN_ADDR", ":8081")

	// WebSocket Defaults
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 4096)

	// Reconnect Defaults
	v.SetDefault("RECONNECT.INITIAL_BACKOFF", 500*time.Millisecond)
	v.SetDefault("RECONNECT.MAX_BACKOFF", 30*time.Second)

	// Typing Defaults
	v.SetDefault("TYPING.DEBOUNCE_MILLIS", 2000)
	v.SetDefault("TYPING.REMOTE_EXPIRY_SECONDS", 5)

	// Reads Defaults
	v.SetDefault("READS.GROUP_READER_CAP", 3)

	// Upload Defaults
	v.SetDefault("UPLOAD.MAX_FILE_SIZE_MB", 100) // 100 MB

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 15*time.Minute)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv() // Read in environment variables that match
	// 例如 SERVER_BASE_URL 会覆盖 Server.BaseURL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return
		}
		// 没有配置文件时依赖默认值即可
	}

	err = v.Unmarshal(&config)
	return
}
