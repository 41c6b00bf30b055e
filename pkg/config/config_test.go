// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, 6, cfg.Switch.NumPorts)
	assert.Equal(t, []int{4, 5}, cfg.Switch.CPUPorts)
	assert.Equal(t, time.Second, cfg.Switch.CommandTimeout)
	assert.Equal(t, "sim", cfg.Engine.Driver)
	assert.Equal(t, uint64(1), cfg.Engine.DeviceID)
	assert.Equal(t, 300*time.Second, cfg.Ageing.Time)
	assert.False(t, cfg.Netlink.Enabled)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
switch:
  num_ports: 4
  cpu_ports: [3]
  vlan_filtering: true
ageing:
  time: 60s
netlink:
  enabled: true
  phy_ports:
    - name: swp0
      port: 0
    - name: swp1
      port: 1
loglevel:
  level: debug
  format: json
`), 0o600))

	viper.SetConfigFile(path)
	t.Cleanup(func() {
		viper.Reset()
		GlobalConfig = Config{}
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
	})
	require.NoError(t, LoadConfig())

	cfg := GetConfig()
	assert.Equal(t, 4, cfg.Switch.NumPorts)
	assert.True(t, cfg.Switch.IsCPUPort(3))
	assert.False(t, cfg.Switch.IsCPUPort(0))
	assert.True(t, cfg.Switch.VlanFiltering)
	assert.Equal(t, time.Minute, cfg.Ageing.Time)
	assert.Equal(t, time.Second, cfg.Ageing.Tick)
	assert.Equal(t, map[string]int{"swp0": 0, "swp1": 1}, cfg.Netlink.PortMap())
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestSetLogLevel(t *testing.T) {
	t.Cleanup(func() { log.SetLevel(log.InfoLevel) })
	assert.NoError(t, SetLogLevel("warn", "text"))
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	assert.Error(t, SetLogLevel("loud", "text"))
	assert.Error(t, SetLogLevel("info", "xml"))
}
