package internal

import (
	"peer-chat/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_applies_defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", t.TempDir())

	config, err := Load[Config]()
	req.NoError(err)
	req.Equal("INFO", config.LogLevel)
	req.Equal("ws://localhost:8090/relay", config.RelayURL)
	req.Equal(domain.AutoApproval, config.Policy())

	sessionConfig := config.Session()
	req.Equal(30*time.Second, sessionConfig.ConnectTimeout)
	req.Equal(4096, sessionConfig.MaxMessageLength)
	req.Equal(64, sessionConfig.OutboxSize)
}

func TestLoad_requires_badger_filepath(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", "")

	_, err := Load[Config]()
	req.Error(err)
}

func TestLoad_rejects_invalid_values(t *testing.T) {
	req := require.New(t)
	t.Setenv("BADGER_FILEPATH", t.TempDir())
	t.Setenv("APPROVAL_POLICY", "whenever")

	_, err := Load[Config]()
	req.ErrorContains(err, "ApprovalPolicy")
}

func TestLoad_relay_configuration(t *testing.T) {
	req := require.New(t)
	t.Setenv("RELAY_ADDRESS", "127.0.0.1:9000")
	t.Setenv("RELAY_OPS_PER_SECOND", "12.5")

	config, err := Load[RelayConfig]()
	req.NoError(err)
	req.Equal("127.0.0.1:9000", config.Address)
	req.Equal(12.5, config.OpsPerSecond)
	req.Equal(100, config.Burst)
}
