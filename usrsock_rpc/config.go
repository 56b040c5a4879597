package usrsock_rpc

import (
	"fmt"
	"io"
	"time"

	"github.com/TheSmallBoat/usrsock/usrsock"
	"gopkg.in/yaml.v3"
)

type DeviceConfig struct {
	Network          string        `yaml:"network"`
	Addr             string        `yaml:"addr"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DialAttempts     int           `yaml:"dial_attempts"`
}

// Config is the on-disk configuration of a pool and its daemon device.
type Config struct {
	Pool   usrsock.Config `yaml:"pool"`
	Device DeviceConfig   `yaml:"device"`
}

// LoadConfig decodes a YAML configuration. Unknown keys are rejected.
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("usrsock: failed to load config: %w", err)
	}
	return cfg, nil
}

// NewDevice returns a device for pool configured by c.
func (c DeviceConfig) NewDevice(pool *usrsock.Pool) *Device {
	return &Device{
		Network:          c.Network,
		Addr:             c.Addr,
		DialTimeout:      c.DialTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		DialAttempts:     c.DialAttempts,
		Pool:             pool,
	}
}
