// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"net"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/fdb"
)

// fdbVid maps VID 0 to the VLAN the port forwards untagged frames in
func (s *Switch) fdbVid(port int, vid uint16) uint16 {
	if vid != 0 {
		return vid
	}
	if s.isBridged(port) {
		return common.VlanUnawarePVID
	}
	return common.StandalonePVID
}

func (s *Switch) checkFdbArgs(port int, addr net.HardwareAddr, vid uint16) error {
	return multierr.Combine(s.checkPort(port), checkAddr(addr), checkVid(vid))
}

// FdbAdd adds port to the static FDB entry (addr, vid)
func (s *Switch) FdbAdd(ctx context.Context, port int, addr net.HardwareAddr, vid uint16) (err error) {
	ctx, span := startSpan(ctx, "FdbAdd", attribute.Int("port", port), attribute.String("mac", addr.String()), attribute.Int("vid", int(vid)))
	defer func() { endSpan(span, err) }()

	if err := s.checkFdbArgs(port, addr, vid); err != nil {
		return err
	}
	vid = s.fdbVid(port, vid)
	if err := s.fdb.Set(ctx, addr, vid, port); err != nil {
		return err
	}
	s.record("fdb add", func(j Journal) error { return j.AddFdbPort(addr, vid, port) })
	return nil
}

// FdbDel removes port from the static FDB entry (addr, vid)
func (s *Switch) FdbDel(ctx context.Context, port int, addr net.HardwareAddr, vid uint16) (err error) {
	ctx, span := startSpan(ctx, "FdbDel", attribute.Int("port", port), attribute.String("mac", addr.String()), attribute.Int("vid", int(vid)))
	defer func() { endSpan(span, err) }()

	if err := s.checkFdbArgs(port, addr, vid); err != nil {
		return err
	}
	vid = s.fdbVid(port, vid)
	if err := s.fdb.Delete(ctx, addr, vid, port); err != nil {
		return err
	}
	s.record("fdb del", func(j Journal) error { return j.DelFdbPort(addr, vid, port) })
	return nil
}

// MdbAdd adds port to the multicast group addr of vid
func (s *Switch) MdbAdd(ctx context.Context, port int, addr net.HardwareAddr, vid uint16) error {
	return s.FdbAdd(ctx, port, addr, vid)
}

// MdbDel removes port from the multicast group addr of vid
func (s *Switch) MdbDel(ctx context.Context, port int, addr net.HardwareAddr, vid uint16) error {
	return s.FdbDel(ctx, port, addr, vid)
}

// FdbDump reports the FDB rows of port, static and learned
func (s *Switch) FdbDump(ctx context.Context, port int, fn fdb.DumpFunc) (err error) {
	ctx, span := startSpan(ctx, "FdbDump", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	return s.fdb.Dump(ctx, port, fn)
}

// FastAge deletes the learned FDB rows of port
func (s *Switch) FastAge(ctx context.Context, port int) (err error) {
	ctx, span := startSpan(ctx, "FastAge", attribute.Int("port", port))
	defer func() { endSpan(span, err) }()

	if err := s.checkPort(port); err != nil {
		return err
	}
	return s.fdb.FastAge(ctx, port)
}
