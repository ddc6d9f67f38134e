package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Call      CallConfig
	Chat      ChatConfig
	Store     StoreConfig
	Events    EventsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ringTimeout"`
}

type ChatConfig struct {
	// MaxFileBytes bounds inline file transfers. The payload rides inside
	// a single frame, so this is a hard limit, not a soft one.
	MaxFileBytes int64 `mapstructure:"maxFileBytes"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type EventsConfig struct {
	// URL is the AMQP broker address. Empty disables publishing; the
	// fallback publisher logs and drops instead.
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}
