// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package config holds the process configuration loaded by viper
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// SwitchConfig describes the switch ports and table command behavior
type SwitchConfig struct {
	NumPorts       int           `mapstructure:"num_ports"`
	CPUPorts       []int         `mapstructure:"cpu_ports"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	FcOnThresh     uint16        `mapstructure:"fc_on_thresh"`
	FcOffThresh    uint16        `mapstructure:"fc_off_thresh"`
	// VlanFiltering makes the bridged ports VLAN-aware
	VlanFiltering bool `mapstructure:"vlan_filtering"`
}

// EngineConfig selects the table engine driver
type EngineConfig struct {
	// Driver is "sim" or "p4"
	Driver     string `mapstructure:"driver"`
	Address    string `mapstructure:"address"`
	DeviceID   uint64 `mapstructure:"device_id"`
	P4infoFile string `mapstructure:"p4info_file"`
	BinFile    string `mapstructure:"bin_file"`
}

// AgeingConfig holds the FDB ageing time and the aging timer tick
type AgeingConfig struct {
	Time time.Duration `mapstructure:"time"`
	Tick time.Duration `mapstructure:"tick"`
}

// PhyPort maps a host netdev to a switch port
type PhyPort struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
}

// NetlinkConfig configures the host bridge monitor
type NetlinkConfig struct {
	Enabled      bool      `mapstructure:"enabled"`
	PollInterval int       `mapstructure:"poll_interval"`
	PhyPorts     []PhyPort `mapstructure:"phy_ports"`
}

// TracingConfig configures the OTLP trace exporter
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type loglevelConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the process configuration
type Config struct {
	CfgFile   string
	HTTPPort  int            `mapstructure:"httpport"`
	Database  string         `mapstructure:"database"`
	DBAddress string         `mapstructure:"dbaddress"`
	Switch    SwitchConfig   `mapstructure:"switch"`
	Engine    EngineConfig   `mapstructure:"engine"`
	Ageing    AgeingConfig   `mapstructure:"ageing"`
	Netlink   NetlinkConfig  `mapstructure:"netlink"`
	Tracing   TracingConfig  `mapstructure:"tracing"`
	LogLevel  loglevelConfig `mapstructure:"loglevel"`
}

// GlobalConfig is the process wide configuration
var GlobalConfig Config

// SetDefaults registers the values used for keys absent from both the file
// and the command line
func SetDefaults(v *viper.Viper) {
	v.SetDefault("switch.num_ports", 6)
	v.SetDefault("switch.cpu_ports", []int{4, 5})
	v.SetDefault("switch.command_timeout", time.Second)
	v.SetDefault("engine.driver", "sim")
	v.SetDefault("engine.address", "127.0.0.1:9559")
	v.SetDefault("engine.device_id", 1)
	v.SetDefault("ageing.time", 300*time.Second)
	v.SetDefault("ageing.tick", time.Second)
	v.SetDefault("netlink.poll_interval", 1)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("loglevel.level", "info")
	v.SetDefault("loglevel.format", "text")
}

// LoadConfig reads the config file, if any, into GlobalConfig
func LoadConfig() error {
	SetDefaults(viper.GetViper())
	if err := viper.ReadInConfig(); err == nil {
		log.Infof("config: using config file %s", viper.ConfigFileUsed())
	} else {
		log.Warnf("config: %v, using flags and defaults", err)
	}
	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := SetLogLevel(GlobalConfig.LogLevel.Level, GlobalConfig.LogLevel.Format); err != nil {
		return err
	}
	log.Debugf("config: %+v", GlobalConfig)
	return nil
}

// SetLogLevel configures the process logger
func SetLogLevel(level, format string) error {
	if level != "" {
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("config: loglevel: %w", err)
		}
		log.SetLevel(lvl)
	}
	switch format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("config: unknown log format %q", format)
	}
	return nil
}

// IsCPUPort reports whether port is configured as a CPU port
func (c *SwitchConfig) IsCPUPort(port int) bool {
	for _, p := range c.CPUPorts {
		if p == port {
			return true
		}
	}
	return false
}

// PortMap returns the netdev name to switch port map of the monitor
func (c *NetlinkConfig) PortMap() map[string]int {
	ports := make(map[string]int, len(c.PhyPorts))
	for _, p := range c.PhyPorts {
		ports[p.Name] = p.Port
	}
	return ports
}

// GetConfig returns the process wide configuration
func GetConfig() *Config {
	return &GlobalConfig
}
