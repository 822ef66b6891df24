package internal

import (
	"fmt"
	"peer-chat/domain"
	"peer-chat/session"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// Config drives cmd/peerchat.
type Config struct {
	LogLevel           string        `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	BadgerFilepath     string        `env:"BADGER_FILEPATH,required=true" validate:"required"`
	RelayURL           string        `env:"RELAY_URL,default=ws://localhost:8090/relay" validate:"required,url"`
	TranscriptCapacity int           `env:"TRANSCRIPT_CAPACITY,default=100" validate:"gte=1"`
	ConnectTimeout     time.Duration `env:"CONNECT_TIMEOUT,default=30s" validate:"gte=0"`
	SinkTimeout        time.Duration `env:"SINK_TIMEOUT,default=1s" validate:"gt=0"`
	TeardownTimeout    time.Duration `env:"TEARDOWN_TIMEOUT,default=2s" validate:"gt=0"`
	RestartInterval    time.Duration `env:"RESTART_INTERVAL,default=200ms" validate:"gte=0"`
	OutboxSize         int           `env:"OUTBOX_SIZE,default=64" validate:"gte=1"`
	EventBuffer        int           `env:"EVENT_BUFFER,default=256" validate:"gte=1"`
	MaxContentLength   int           `env:"MAX_CONTENT_LENGTH,default=4096" validate:"gte=1"`
	PeerListenAddress  string        `env:"PEER_LISTEN_ADDRESS,default=127.0.0.1:0" validate:"required"`
	PeerAdvertiseHost  string        `env:"PEER_ADVERTISE_HOST,default=127.0.0.1" validate:"required"`
	ApprovalPolicy     string        `env:"APPROVAL_POLICY,default=auto" validate:"oneof=explicit auto"`
	DebugPort          int           `env:"DEBUG_PORT,default=0" validate:"gte=0,lte=65535"`
}

// RelayConfig drives cmd/relay.
type RelayConfig struct {
	LogLevel      string  `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
	Address       string  `env:"RELAY_ADDRESS,default=:8090" validate:"required"`
	HealthAddress string  `env:"HEALTH_ADDRESS,default=:8091" validate:"required"`
	OpsPerSecond  float64 `env:"RELAY_OPS_PER_SECOND,default=50" validate:"gte=0"`
	Burst         int     `env:"RELAY_BURST,default=100" validate:"gte=1"`
}

// Load reads a configuration from the environment and validates it.
func Load[T Config | RelayConfig]() (T, error) {
	var config T
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return config, fmt.Errorf("read configuration: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c Config) Session() session.Config {
	return session.Config{
		ConnectTimeout:   c.ConnectTimeout,
		SinkTimeout:      c.SinkTimeout,
		TeardownTimeout:  c.TeardownTimeout,
		OutboxSize:       c.OutboxSize,
		EventBuffer:      c.EventBuffer,
		MaxMessageLength: c.MaxContentLength,
	}
}

func (c Config) Policy() domain.ApprovalPolicy {
	return domain.ApprovalPolicy(c.ApprovalPolicy)
}
