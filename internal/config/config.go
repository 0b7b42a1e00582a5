// Package config holds YDL's typed configuration structs and the viper
// wiring that resolves them from flags, YDL_*-prefixed environment
// variables, and an optional YAML config file.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BrokerConfig configures the YDL broker process.
type BrokerConfig struct {
	BindAddr            string        // TCP bind address for the broker wire protocol
	Port                int           // TCP port for the broker wire protocol
	AdminAddr           string        // HTTP bind address for the admin/metrics surface, "" disables it
	HandshakeTimeout    time.Duration // window to receive the subscription declaration frame
	SubscriberQueueSize int           // bounded outbound queue depth per subscriber before it is dropped
}

// DefaultBrokerConfig returns YDL's default broker configuration: bind
// 127.0.0.1, port 5001.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		BindAddr:            "127.0.0.1",
		Port:                5001,
		AdminAddr:           ":8090",
		HandshakeTimeout:    5 * time.Second,
		SubscriberQueueSize: 256,
	}
}

// BindFlags registers the broker's configuration flags on fs so a cobra
// command can expose them; call LoadBrokerConfig afterwards to resolve the
// final values once flags have been parsed.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("bind-addr", "127.0.0.1", "TCP bind address for the broker")
	fs.Int("port", 5001, "TCP port for the broker")
	fs.String("admin-addr", ":8090", "HTTP bind address for health/metrics (empty disables it)")
	fs.Duration("handshake-timeout", 5*time.Second, "time allowed for a client to send its subscription frame")
	fs.Int("subscriber-queue-size", 256, "bounded outbound queue depth per subscriber")
	_ = v.BindPFlags(fs)
}

// LoadBrokerConfig resolves a BrokerConfig from v, which should already have
// flags bound via BindFlags. Precedence is flags > YDL_* environment
// variables > an optional config file already merged into v > these
// defaults.
func LoadBrokerConfig(v *viper.Viper) *BrokerConfig {
	v.SetEnvPrefix("YDL")
	v.AutomaticEnv()

	cfg := DefaultBrokerConfig()
	if v.IsSet("bind-addr") {
		cfg.BindAddr = v.GetString("bind-addr")
	}
	if v.IsSet("port") {
		cfg.Port = v.GetInt("port")
	}
	if v.IsSet("admin-addr") {
		cfg.AdminAddr = v.GetString("admin-addr")
	}
	if v.IsSet("handshake-timeout") {
		cfg.HandshakeTimeout = v.GetDuration("handshake-timeout")
	}
	if v.IsSet("subscriber-queue-size") {
		cfg.SubscriberQueueSize = v.GetInt("subscriber-queue-size")
	}
	return cfg
}

// ClientConfig configures a YDL client connection.
type ClientConfig struct {
	Host             string
	Port             int
	MinReconnectWait time.Duration
	MaxReconnectWait time.Duration
	InboxSize        int
}

// DefaultClientConfig returns YDL's default client configuration: broker at
// 127.0.0.1:5001, backoff within the recommended 200ms-1s range.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:             "127.0.0.1",
		Port:             5001,
		MinReconnectWait: 200 * time.Millisecond,
		MaxReconnectWait: 1 * time.Second,
		InboxSize:        256,
	}
}
