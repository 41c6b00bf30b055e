// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package netcswitch is the port level control of the switch. It owns the
// FDB and VLAN tables, the buffer pools and the aging sweep.
package netcswitch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/aging"
	"github.com/opiproject/opi-netc-bridge/pkg/bufferpool"
	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/fdb"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
	"github.com/opiproject/opi-netc-bridge/pkg/vlan"
)

// MaxPorts is the width of the port bitmaps
const MaxPorts = common.BitmapPorts

var tracer = otel.Tracer("github.com/opiproject/opi-netc-bridge/pkg/netcswitch")

// Options configure a switch
type Options struct {
	NumPorts       int
	CPUPorts       []int
	CommandTimeout time.Duration
	Thresholds     bufferpool.Thresholds
	// AgeingTick is the unit of the aging timer, one second when zero
	AgeingTick time.Duration
	// AgeingTime replaces the default sweep parameters when not zero
	AgeingTime time.Duration
	// Journal records the static state, may be nil
	Journal Journal
}

type portState struct {
	enabled   bool
	cpu       bool
	bridged   bool
	vlanAware bool
	pvid      uint16
}

// Switch is a running switch
type Switch struct {
	engine  tableengine.Engine
	caps    tableengine.Capabilities
	opts    Options
	journal Journal

	fdb   *fdb.Table
	vlan  *vlan.Table
	bp    *bufferpool.Controller
	aging *aging.Scheduler

	mu    sync.Mutex
	ports []portState
}

// Setup builds the switch tables from the engine capabilities, programs the
// buffer pools and starts the aging sweep
func Setup(ctx context.Context, engine tableengine.Engine, opts Options) (*Switch, error) {
	if opts.NumPorts <= 0 || opts.NumPorts > MaxPorts {
		return nil, fmt.Errorf("%w: %d ports", common.ErrInvalidArgument, opts.NumPorts)
	}
	ports := make([]portState, opts.NumPorts)
	for _, p := range opts.CPUPorts {
		if p < 0 || p >= opts.NumPorts {
			return nil, fmt.Errorf("%w: cpu port %d", common.ErrInvalidArgument, p)
		}
		ports[p].cpu = true
	}

	caps, err := engine.Capabilities(ctx)
	if err != nil {
		return nil, common.HardwareError("capabilities", err)
	}
	log.WithFields(log.Fields{
		"ports":   opts.NumPorts,
		"ett":     caps.EttEntries,
		"ect":     caps.EctEntries,
		"pools":   caps.BufferPools,
		"act_max": caps.MaxActivityCnt,
	}).Info("netcswitch: setting up")

	s := &Switch{
		engine:  engine,
		caps:    caps,
		opts:    opts,
		journal: opts.Journal,
		fdb:     fdb.NewTable(engine.FDB(), opts.CommandTimeout),
		vlan:    vlan.NewTable(engine, opts.NumPorts, caps, opts.CommandTimeout),
		bp:      bufferpool.NewController(engine.BufferPool(), caps.BufferPools, opts.Thresholds, opts.CommandTimeout),
		ports:   ports,
	}
	if err := s.bp.Setup(ctx); err != nil {
		return nil, err
	}
	s.aging = aging.New(s.fdb, opts.AgeingTick, caps.MaxActivityCnt)
	if opts.AgeingTime > 0 {
		s.aging.SetAgeingTime(opts.AgeingTime)
	}
	s.aging.Start(context.WithoutCancel(ctx))
	return s, nil
}

// Teardown stops the aging sweep, drops the shadow tables and closes the
// engine
func (s *Switch) Teardown() error {
	s.aging.Stop()
	s.fdb.Destroy()
	s.vlan.Destroy()
	err := s.engine.Close()
	log.Info("netcswitch: torn down")
	return err
}

// Capabilities returns the table resources reported at setup
func (s *Switch) Capabilities() tableengine.Capabilities {
	return s.caps
}

// NumPorts returns the number of switch ports
func (s *Switch) NumPorts() int {
	return s.opts.NumPorts
}

// FDB returns the FDB table
func (s *Switch) FDB() *fdb.Table {
	return s.fdb
}

// VLAN returns the VLAN table
func (s *Switch) VLAN() *vlan.Table {
	return s.vlan
}

// BufferPools returns the buffer pool controller
func (s *Switch) BufferPools() *bufferpool.Controller {
	return s.bp
}

// Aging returns the aging scheduler
func (s *Switch) Aging() *aging.Scheduler {
	return s.aging
}

func (s *Switch) checkPort(port int) error {
	if port < 0 || port >= s.opts.NumPorts {
		return fmt.Errorf("%w: port %d", common.ErrInvalidArgument, port)
	}
	return nil
}

func checkVid(vid uint16) error {
	if vid > common.MaxVID {
		return fmt.Errorf("%w: vid %d", common.ErrInvalidArgument, vid)
	}
	return nil
}

func checkAddr(addr net.HardwareAddr) error {
	if len(addr) != 6 {
		return fmt.Errorf("%w: address %q", common.ErrInvalidArgument, addr.String())
	}
	return nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// record runs a journal write. Journal failures do not fail the operation,
// the hardware already holds the new state.
func (s *Switch) record(what string, fn func(Journal) error) {
	if s.journal == nil {
		return
	}
	if err := fn(s.journal); err != nil {
		log.Warnf("netcswitch: journal %s: %v", what, err)
	}
}

// SetTxPause folds the pause state of port into every buffer pool
func (s *Switch) SetTxPause(ctx context.Context, port int, enabled bool) (err error) {
	ctx, span := startSpan(ctx, "SetTxPause", attribute.Int("port", port), attribute.Bool("enabled", enabled))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	return s.bp.SetPortPause(ctx, port, enabled)
}

// SetAgeingTime changes the FDB ageing time from the next sweep on
func (s *Switch) SetAgeingTime(ctx context.Context, ageing time.Duration) (err error) {
	_, span := startSpan(ctx, "SetAgeingTime", attribute.Int64("ageing_ms", ageing.Milliseconds()))
	defer func() { endSpan(span, err) }()

	if ageing < 0 {
		return fmt.Errorf("%w: ageing time %v", common.ErrInvalidArgument, ageing)
	}
	s.aging.SetAgeingTime(ageing)
	s.record("ageing time", func(j Journal) error { return j.SetAgeingTime(ageing) })
	return nil
}

// EgressCounters reads the egress counters of port in vid
func (s *Switch) EgressCounters(ctx context.Context, vid uint16, port int) (c tableengine.EgressCounters, err error) {
	ctx, span := startSpan(ctx, "EgressCounters", attribute.Int("port", port), attribute.Int("vid", int(vid)))
	defer func() { endSpan(span, err) }()

	if err := multierr.Combine(s.checkPort(port), checkVid(vid)); err != nil {
		return c, err
	}
	return s.vlan.EgressCounters(ctx, vid, port)
}
