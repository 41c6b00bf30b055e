// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/infradb"
)

// Journal persists the static switch state
type Journal interface {
	AddFdbPort(addr net.HardwareAddr, vid uint16, port int) error
	DelFdbPort(addr net.HardwareAddr, vid uint16, port int) error
	AddVlanPort(vid uint16, port int, untagged, pvid bool) error
	DelVlanPort(vid uint16, port int) error
	SetAgeingTime(ageing time.Duration) error
	GetAllFdbs() ([]*infradb.FdbEntry, error)
	GetAllVlans() ([]*infradb.Vlan, error)
	GetSettings() (infradb.Settings, error)
}

var _ Journal = (*infradb.InfraDB)(nil)

// Replay programs the journaled state of db. Every object is attempted,
// the failures are returned together.
func (s *Switch) Replay(ctx context.Context, db Journal) error {
	var errs error

	settings, err := db.GetSettings()
	switch {
	case err == nil:
		s.aging.SetAgeingTime(settings.AgeingTime)
	case errors.Is(err, infradb.ErrKeyNotFound):
	default:
		errs = multierr.Append(errs, fmt.Errorf("settings: %w", err))
	}

	vlans, err := db.GetAllVlans()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("vlans: %w", err))
	}
	for _, v := range vlans {
		for _, port := range v.Members {
			if err := s.replayVlanPort(ctx, v, port); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s port %d: %w", v.Name, port, err))
			}
		}
	}

	fdbs, err := db.GetAllFdbs()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("fdbs: %w", err))
	}
	for _, e := range fdbs {
		addr, err := e.HardwareAddr()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.Name, err))
			continue
		}
		for _, port := range e.Ports {
			if err := s.checkPort(port); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", e.Name, err))
				continue
			}
			if err := s.fdb.Set(ctx, addr, e.Vid, port); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s port %d: %w", e.Name, port, err))
			}
		}
	}

	log.WithFields(log.Fields{"vlans": len(vlans), "fdbs": len(fdbs)}).Info("netcswitch: journal replayed")
	return errs
}

func (s *Switch) replayVlanPort(ctx context.Context, v *infradb.Vlan, port int) error {
	if err := s.checkPort(port); err != nil {
		return err
	}
	if err := checkBridgeVid(v.Vid); err != nil {
		return err
	}
	if err := s.vlan.AddPort(ctx, v.Vid, port, v.IsUntagged(port)); err != nil {
		return err
	}
	s.setPvid(port, v.Vid, v.IsPvid(port))
	return nil
}
