// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
)

var broadcastAddr = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// PortEnable adds port to the standalone VLAN. A CPU port also gets the
// broadcast FDB entry of the standalone VLAN and joins the VLAN unaware
// VLAN, since standalone user ports do not flood.
func (s *Switch) PortEnable(ctx context.Context, port int) (err error) {
	ctx, span := startSpan(ctx, "PortEnable", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	cpu := s.isCPUPort(port)
	logger := log.WithFields(log.Fields{"port": port, "cpu": cpu})

	if err := s.vlan.AddPort(ctx, common.StandalonePVID, port, false); err != nil {
		logger.Errorf("netcswitch: failed to set VLAN %d entry: %v", common.StandalonePVID, err)
		return err
	}
	if cpu {
		if err := s.fdb.Set(ctx, broadcastAddr, common.StandalonePVID, port); err != nil {
			logger.Errorf("netcswitch: failed to set broadcast FDB entry: %v", err)
			s.unwind(ctx, port, false, false)
			return err
		}
		if err := s.vlan.AddPort(ctx, common.VlanUnawarePVID, port, false); err != nil {
			logger.Errorf("netcswitch: failed to set VLAN %d entry: %v", common.VlanUnawarePVID, err)
			s.unwind(ctx, port, true, false)
			return err
		}
	}

	s.mu.Lock()
	s.ports[port].enabled = true
	s.mu.Unlock()
	logger.Info("netcswitch: port enabled")
	return nil
}

// unwind removes what PortEnable programmed, the broadcast entry and the
// unaware VLAN only when asked
func (s *Switch) unwind(ctx context.Context, port int, bcast, unaware bool) error {
	ctx = context.WithoutCancel(ctx)
	var errs error
	if unaware {
		errs = multierr.Append(errs, s.vlan.RemovePort(ctx, common.VlanUnawarePVID, port))
	}
	if bcast {
		errs = multierr.Append(errs, s.fdb.Delete(ctx, broadcastAddr, common.StandalonePVID, port))
	}
	errs = multierr.Append(errs, s.vlan.RemovePort(ctx, common.StandalonePVID, port))
	if errs != nil {
		log.WithField("port", port).Warnf("netcswitch: port cleanup: %v", errs)
	}
	return errs
}

// PortDisable reverses PortEnable
func (s *Switch) PortDisable(ctx context.Context, port int) (err error) {
	ctx, span := startSpan(ctx, "PortDisable", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	cpu := s.isCPUPort(port)
	err = s.unwind(ctx, port, cpu, cpu)

	s.mu.Lock()
	s.ports[port].enabled = false
	s.mu.Unlock()
	log.WithField("port", port).Info("netcswitch: port disabled")
	return err
}

// BridgeJoin adds port to the VLAN unaware VLAN of the bridge
func (s *Switch) BridgeJoin(ctx context.Context, port int) (err error) {
	ctx, span := startSpan(ctx, "BridgeJoin", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	if err := s.vlan.AddPort(ctx, common.VlanUnawarePVID, port, false); err != nil {
		return err
	}
	s.mu.Lock()
	s.ports[port].bridged = true
	s.mu.Unlock()
	return nil
}

// BridgeLeave removes port from the bridge. The port falls back to
// standalone and VLAN unaware.
func (s *Switch) BridgeLeave(ctx context.Context, port int) (err error) {
	ctx, span := startSpan(ctx, "BridgeLeave", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	if err := s.vlan.RemovePort(ctx, common.VlanUnawarePVID, port); err != nil {
		return err
	}
	s.mu.Lock()
	s.ports[port].bridged = false
	s.ports[port].vlanAware = false
	s.mu.Unlock()
	return nil
}

// VlanFiltering switches port between VLAN aware and unaware forwarding.
// A standalone port is always unaware.
func (s *Switch) VlanFiltering(port int, aware bool) error {
	if err := s.checkPort(port); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &s.ports[port]
	if !p.bridged {
		p.pvid = common.StandalonePVID
		p.vlanAware = false
		return nil
	}
	p.vlanAware = aware
	return nil
}

// PortPVID returns the VLAN assigned to untagged frames received on port
func (s *Switch) PortPVID(port int) (uint16, error) {
	if err := s.checkPort(port); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ports[port]
	switch {
	case !p.bridged:
		return common.StandalonePVID, nil
	case p.vlanAware:
		return p.pvid, nil
	default:
		return common.VlanUnawarePVID, nil
	}
}

// IsEnabled reports whether port is enabled
func (s *Switch) IsEnabled(port int) bool {
	if s.checkPort(port) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port].enabled
}

func (s *Switch) isCPUPort(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port].cpu
}

func (s *Switch) isBridged(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port].bridged
}
