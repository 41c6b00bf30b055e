// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
)

func checkBridgeVid(vid uint16) error {
	if common.IsReservedVID(vid) || vid > common.MaxVID {
		return fmt.Errorf("%w: vid %d", common.ErrInvalidArgument, vid)
	}
	return nil
}

// VlanAdd makes port a member of vid. pvid selects vid as the VLAN of the
// untagged frames received on port. VID 1 is always the PVID of a CPU port.
func (s *Switch) VlanAdd(ctx context.Context, port int, vid uint16, untagged, pvid bool) (err error) {
	ctx, span := startSpan(ctx, "VlanAdd",
		attribute.Int("port", port), attribute.Int("vid", int(vid)),
		attribute.Bool("untagged", untagged), attribute.Bool("pvid", pvid))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	if err := checkBridgeVid(vid); err != nil {
		return err
	}
	if err := s.vlan.AddPort(ctx, vid, port, untagged); err != nil {
		return err
	}
	pvid = s.setPvid(port, vid, pvid)
	s.record("vlan add", func(j Journal) error { return j.AddVlanPort(vid, port, untagged, pvid) })
	return nil
}

// setPvid updates the port VLAN bookkeeping after vid was added to port
// and returns whether vid is now the PVID
func (s *Switch) setPvid(port int, vid uint16, pvid bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &s.ports[port]
	if p.cpu && vid == common.CPUPortPVID {
		pvid = true
	}
	if pvid {
		p.pvid = vid
	} else if p.pvid == vid {
		p.pvid = common.StandalonePVID
	}
	log.WithFields(log.Fields{"port": port, "vid": vid}).Debugf("netcswitch: pvid %d", p.pvid)
	return pvid
}

// VlanDel removes port from vid
func (s *Switch) VlanDel(ctx context.Context, port int, vid uint16) (err error) {
	ctx, span := startSpan(ctx, "VlanDel", attribute.Int("port", port), attribute.Int("vid", int(vid)))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	if err := checkBridgeVid(vid); err != nil {
		return err
	}
	if err := s.vlan.RemovePort(ctx, vid, port); err != nil {
		return err
	}
	s.mu.Lock()
	if s.ports[port].pvid == vid {
		s.ports[port].pvid = common.StandalonePVID
	}
	s.mu.Unlock()
	s.record("vlan del", func(j Journal) error { return j.DelVlanPort(vid, port) })
	return nil
}
