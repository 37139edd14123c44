package pkg

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	MetricsPort int

	// MaxRoomMembers caps the creator plus joiners of a room. Zero means
	// unlimited.
	MaxRoomMembers int

	SendQueueSize  int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration

	LogLevel string
}

func DefaultConfig() Config {
	return Config{
		Port:           8080,
		MetricsPort:    8081,
		MaxRoomMembers: 2,
		SendQueueSize:  256,
		MaxMessageSize: 64 * 1024,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		LogLevel:       "info",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.MaxRoomMembers < 0 {
		c.MaxRoomMembers = 0
	}
	return c
}

// PingPeriod must stay below PongWait so the peer has time to answer.
func (c Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// LoadConfigFromEnv starts from DefaultConfig and applies PORT, METRICS_PORT,
// MAX_ROOM_MEMBERS and LOG_LEVEL when they are set.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"METRICS_PORT", &cfg.MetricsPort},
		{"MAX_ROOM_MEMBERS", &cfg.MaxRoomMembers},
	}
	for _, v := range ints {
		raw, ok := os.LookupEnv(v.name)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", v.name, raw, err)
		}
		*v.dst = n
	}

	if level, ok := os.LookupEnv("LOG_LEVEL"); ok && level != "" {
		cfg.LogLevel = level
	}

	return cfg, nil
}
