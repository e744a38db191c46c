package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ClientConfig drives cmd/callbot.
type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	UserID      string        `mapstructure:"user_id"`
	RoomID      string        `mapstructure:"room_id"`
	CallTo      string        `mapstructure:"call_to"`
	Kind        string        `mapstructure:"kind"`
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
	AutoAccept  bool          `mapstructure:"auto_accept"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	LogLevel    string        `mapstructure:"log_level"`
}

// ClientFlags declares the callbot command line.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("server_url", "ws://localhost:8080/api/ws/signal", "relay websocket url")
	fs.String("user_id", "", "user id to identify as")
	fs.String("room_id", "", "conversation room id")
	fs.String("call_to", "", "user id to ring; empty waits for incoming calls")
	fs.String("kind", "voice", "voice or video")
	fs.Duration("ring_timeout", 20*time.Second, "unanswered outgoing call timeout")
	fs.Bool("auto_accept", true, "accept incoming calls")
	fs.StringSlice("ice_servers", []string{"stun:stun.l.google.com:19302"}, "ICE server urls")
	fs.String("log_level", "info", "log level")
}

// LoadClient merges parsed flags over the callbot section of the config file.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper("CALLBOT")
	sub := v.Sub("callbot")
	if sub == nil {
		sub = viper.New()
	}
	sub.SetEnvPrefix("CALLBOT")
	sub.AutomaticEnv()
	if err := sub.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	var cfg ClientConfig
	if err := sub.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse callbot config: %w", err)
	}
	if cfg.UserID == "" || cfg.RoomID == "" {
		return nil, fmt.Errorf("user_id and room_id are required")
	}
	if cfg.Kind != "voice" && cfg.Kind != "video" {
		return nil, fmt.Errorf("kind must be voice or video, got %q", cfg.Kind)
	}
	return &cfg, nil
}
