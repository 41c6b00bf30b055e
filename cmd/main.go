// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2022-2023 Intel Corporation, or its subsidiaries.
// Copyright (c) 2022-2023 Dell Inc, or its subsidiaries.
// Copyright (C) 2023 Nordix Foundation.

// Package main is the main package of the application
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/bufferpool"
	"github.com/opiproject/opi-netc-bridge/pkg/config"
	"github.com/opiproject/opi-netc-bridge/pkg/eventbus"
	"github.com/opiproject/opi-netc-bridge/pkg/infradb"
	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
	"github.com/opiproject/opi-netc-bridge/pkg/netcswitch"
	"github.com/opiproject/opi-netc-bridge/pkg/netlink"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine/simengine"
	"github.com/opiproject/opi-netc-bridge/pkg/taskmanager"
	"github.com/opiproject/opi-netc-bridge/pkg/utils"
	"github.com/opiproject/opi-netc-bridge/pkg/vendor_plugins/netc/p4runtime/p4driverapi"
)

const (
	configFilePath = "./"
	serviceName    = "opi-netc-bridge"
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "netc switch bridge",
	Long:  "NXP NETC switch table resource manager",
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return validateConfigs()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func initialize() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&config.GlobalConfig.CfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().IntVar(&config.GlobalConfig.HTTPPort, "httpport", 8082, "The HTTP metrics server port")
	rootCmd.PersistentFlags().StringVar(&config.GlobalConfig.DBAddress, "dbaddress", "127.0.0.1:6379", "db address in ip_address:port format")
	rootCmd.PersistentFlags().StringVar(&config.GlobalConfig.Database, "database", "gomap", "Journal store, redis or gomap")

	if err := viper.GetViper().BindPFlags(rootCmd.PersistentFlags()); err != nil {
		log.Errorf("Error binding flags to Viper: %v", err)
		os.Exit(1)
	}
}

func initConfig() {
	if config.GlobalConfig.CfgFile != "" {
		viper.SetConfigFile(config.GlobalConfig.CfgFile)
	} else {
		// Search config in the default location
		viper.AddConfigPath(configFilePath)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config.yaml")
	}
	if err := config.LoadConfig(); err != nil {
		log.Errorf("Error loading config: %v", err)
		os.Exit(1)
	}
}

func validateConfigs() error {
	httpPort := viper.GetInt("httpport")
	if httpPort <= 0 || httpPort > 65535 {
		return fmt.Errorf("httpPort must be a positive integer between 1 and 65535")
	}

	dbAddr := viper.GetString("dbaddress")
	_, port, err := net.SplitHostPort(dbAddr)
	if err != nil {
		return fmt.Errorf("invalid DBAddress format. It should be in ip_address:port format")
	}
	dbPort, err := strconv.Atoi(port)
	if err != nil || dbPort <= 0 || dbPort > 65535 {
		return fmt.Errorf("invalid db port. It must be a positive integer between 1 and 65535")
	}

	numPorts := viper.GetInt("switch.num_ports")
	if numPorts <= 0 || numPorts > netcswitch.MaxPorts {
		return fmt.Errorf("switch.num_ports must be between 1 and %d", netcswitch.MaxPorts)
	}
	for _, p := range viper.GetIntSlice("switch.cpu_ports") {
		if p < 0 || p >= numPorts {
			return fmt.Errorf("cpu port %d out of range", p)
		}
	}
	for _, p := range config.GlobalConfig.Netlink.PhyPorts {
		if p.Port < 0 || p.Port >= numPorts {
			return fmt.Errorf("port %d of netdev %s out of range", p.Port, p.Name)
		}
	}

	switch driver := viper.GetString("engine.driver"); driver {
	case "sim", "p4":
	default:
		return fmt.Errorf("unknown engine driver %q, want sim or p4", driver)
	}
	return nil
}

func main() {
	initialize()
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newEngine(ctx context.Context, cfg *config.Config) (tableengine.Engine, error) {
	if cfg.Engine.Driver == "sim" {
		log.Info("Using the simulated table engine")
		return simengine.New(tableengine.Capabilities{}), nil
	}
	return p4driverapi.New(ctx, p4driverapi.Options{
		Address:    cfg.Engine.Address,
		DeviceID:   cfg.Engine.DeviceID,
		P4infoFile: cfg.Engine.P4infoFile,
		BinFile:    cfg.Engine.BinFile,
		DialOpts:   utils.ClientDialOptions(log.StandardLogger()),
	})
}

func run(ctx context.Context) error {
	cfg := config.GetConfig()

	if cfg.Tracing.Enabled {
		tp, err := utils.InitTracerProvider(ctx, serviceName, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Errorf("Tracer Provider Shutdown: %v", err)
			}
		}()
	}

	// Starting Task Manager process
	taskmanager.TaskMan.StartTaskManager()
	defer taskmanager.TaskMan.StopTaskManager()

	if err := infradb.NewInfraDB(cfg.DBAddress, cfg.Database); err != nil {
		return fmt.Errorf("error in creating db: %w", err)
	}
	defer func() {
		if err := infradb.Close(); err != nil {
			log.Errorf("Error closing db: %v", err)
		}
	}()

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	sw, err := netcswitch.Setup(ctx, engine, netcswitch.Options{
		NumPorts:       cfg.Switch.NumPorts,
		CPUPorts:       cfg.Switch.CPUPorts,
		CommandTimeout: cfg.Switch.CommandTimeout,
		Thresholds:     bufferpool.Thresholds{FcOn: cfg.Switch.FcOnThresh, FcOff: cfg.Switch.FcOffThresh},
		AgeingTick:     cfg.Ageing.Tick,
		AgeingTime:     cfg.Ageing.Time,
		Journal:        infradb.Get(),
	})
	if err != nil {
		return multierr.Append(err, engine.Close())
	}
	defer func() {
		if err := sw.Teardown(); err != nil {
			log.Errorf("Error tearing down switch: %v", err)
		}
	}()

	if err := startPorts(ctx, sw, cfg); err != nil {
		return err
	}
	if err := sw.Replay(ctx, infradb.Get()); err != nil {
		log.Warnf("Journal replay incomplete: %v", err)
	}

	sw.SubscribeEvents(eventbus.EBus, taskmanager.TaskMan, 1)
	if m := netlink.Init(); m != nil {
		defer m.Stop()
	}

	return runMetricsServer(ctx, cfg.HTTPPort)
}

// startPorts enables every port and joins the host bridge members
func startPorts(ctx context.Context, sw *netcswitch.Switch, cfg *config.Config) error {
	for port := 0; port < sw.NumPorts(); port++ {
		if err := sw.PortEnable(ctx, port); err != nil {
			return fmt.Errorf("enable port %d: %w", port, err)
		}
	}
	if !cfg.Netlink.Enabled {
		return nil
	}
	for _, p := range cfg.Netlink.PhyPorts {
		if err := sw.BridgeJoin(ctx, p.Port); err != nil {
			return fmt.Errorf("bridge join %s: %w", p.Name, err)
		}
		if err := sw.VlanFiltering(p.Port, cfg.Switch.VlanFiltering); err != nil {
			return err
		}
	}
	return nil
}

func runMetricsServer(ctx context.Context, httpPort int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	log.Infof("HTTP Server listening at %v", httpPort)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", httpPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("cannot start HTTP server: %w", err)
	case <-ctx.Done():
	}
	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
