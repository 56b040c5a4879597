package usrsock_rpc

import (
	"strings"
	"testing"
	"time"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
pool:
  prealloc_conns: 4
  alloc_conns: 2
  max_conns: 16
  max_callbacks: 32
device:
  addr: 127.0.0.1:4000
  dial_timeout: 2s
  dial_attempts: 3
`))
	require.NoError(t, err)
	require.Equal(t, usrsock.Config{PreallocConns: 4, AllocConns: 2, MaxConns: 16, MaxCallbacks: 32}, cfg.Pool)
	require.Equal(t, "127.0.0.1:4000", cfg.Device.Addr)
	require.Equal(t, 2*time.Second, cfg.Device.DialTimeout)

	dev := cfg.Device.NewDevice(nil)
	require.Equal(t, 3, dev.DialAttempts)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("pool:\n  prealocc_conns: 4\n"))
	require.Error(t, err)
}

func TestLoadEmptyConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Config{}, cfg)
}
