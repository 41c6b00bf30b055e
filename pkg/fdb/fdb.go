// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package fdb keeps the shadow of the static FDB rows and serializes every
// FDB table command, including the aging sweep, behind one lock
package fdb

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

const tableName = "fdb"

// ErrDumpDone may be returned by a DumpFunc to end a dump without error
var ErrDumpDone = errors.New("fdb dump done")

// DumpFunc is called once per FDB row of the dumped port
type DumpFunc func(addr net.HardwareAddr, vid uint16, dynamic bool) error

// Entry is a shadowed FDB row
type Entry struct {
	Key     tableengine.FdbKey
	EntryID uint32
	Config  tableengine.FdbConfig
}

// Ports returns the member ports of the entry in ascending order
func (e Entry) Ports() []int {
	var ports []int
	for p := 0; p < 32; p++ {
		if e.Config.PortBitmap&common.PortBit(p) != 0 {
			ports = append(ports, p)
		}
	}
	return ports
}

// Table is the FDB shadow table
type Table struct {
	mu      sync.Mutex
	entries map[tableengine.FdbKey]*Entry
	hw      tableengine.FdbTable
	timeout time.Duration
}

// NewTable creates an empty shadow table in front of hw. Every hardware
// command is bounded by timeout when it is not zero.
func NewTable(hw tableengine.FdbTable, timeout time.Duration) *Table {
	return &Table{
		entries: make(map[tableengine.FdbKey]*Entry),
		hw:      hw,
		timeout: timeout,
	}
}

func (t *Table) cmdContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

func (t *Table) updateGauge() {
	metrics.ShadowEntries.WithLabelValues(tableName).Set(float64(len(t.entries)))
}

// Set adds port to the members of the (addr, vid) row, creating the row on
// first use
func (t *Table) Set(ctx context.Context, addr net.HardwareAddr, vid uint16, port int) error {
	if err := common.CheckPort(port, common.BitmapPorts); err != nil {
		return err
	}
	key := tableengine.NewFdbKey(addr, vid)
	bit := common.PortBit(port)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return t.add(ctx, key, port)
	}
	if entry.Config.PortBitmap&bit != 0 {
		return nil
	}

	cfg := entry.Config
	cfg.PortBitmap |= bit
	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	err := t.hw.Update(cctx, entry.EntryID, cfg)
	metrics.ObserveOp(tableName, "update", err)
	if err != nil {
		log.WithFields(log.Fields{"mac": addr, "vid": vid, "port": port}).Errorf("fdb: failed to set entry: %v", err)
		return common.HardwareError("fdb update", err)
	}
	entry.Config = cfg
	return nil
}

func (t *Table) add(ctx context.Context, key tableengine.FdbKey, port int) error {
	cfg := tableengine.FdbConfig{
		PortBitmap: common.PortBit(port),
		EtEID:      common.NullEntryID,
	}
	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	id, err := t.hw.Add(cctx, key, cfg)
	metrics.ObserveOp(tableName, "add", err)
	if err != nil {
		log.WithFields(log.Fields{"mac": key.HardwareAddr(), "vid": key.Fid, "port": port}).Errorf("fdb: failed to add entry: %v", err)
		return common.HardwareError("fdb add", err)
	}
	t.entries[key] = &Entry{Key: key, EntryID: id, Config: cfg}
	t.updateGauge()
	log.WithFields(log.Fields{"mac": key.HardwareAddr(), "vid": key.Fid, "port": port, "eid": id}).Debug("fdb: entry added")
	return nil
}

// Delete removes port from the members of the (addr, vid) row. The row is
// deleted with its last member. Unknown rows and non members are ignored.
func (t *Table) Delete(ctx context.Context, addr net.HardwareAddr, vid uint16, port int) error {
	if err := common.CheckPort(port, common.BitmapPorts); err != nil {
		return err
	}
	key := tableengine.NewFdbKey(addr, vid)
	bit := common.PortBit(port)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok || entry.Config.PortBitmap&bit == 0 {
		return nil
	}

	cctx, cancel := t.cmdContext(ctx)
	defer cancel()

	if entry.Config.PortBitmap != bit {
		cfg := entry.Config
		cfg.PortBitmap &^= bit
		err := t.hw.Update(cctx, entry.EntryID, cfg)
		metrics.ObserveOp(tableName, "update", err)
		if err != nil {
			return common.HardwareError("fdb update", err)
		}
		entry.Config = cfg
		return nil
	}

	err := t.hw.Delete(cctx, entry.EntryID)
	metrics.ObserveOp(tableName, "delete", err)
	if err != nil {
		return common.HardwareError("fdb delete", err)
	}
	delete(t.entries, key)
	t.updateGauge()
	log.WithFields(log.Fields{"mac": addr, "vid": vid, "eid": entry.EntryID}).Debug("fdb: entry deleted")
	return nil
}

// Lookup returns a copy of the shadowed (addr, vid) row
func (t *Table) Lookup(addr net.HardwareAddr, vid uint16) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[tableengine.NewFdbKey(addr, vid)]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns a copy of every shadowed row ordered by entry id
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].EntryID < list[j].EntryID })
	return list
}

// Len returns the number of shadowed rows
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Cursor walks the hardware FDB rows of one port. The table lock is only
// held while the cursor advances, so rows may be aged out between two
// calls to Next; such rows are simply not reported.
type Cursor struct {
	t      *Table
	port   int
	resume uint32
	done   bool
}

// NewCursor starts a walk over the rows of port
func (t *Table) NewCursor(port int) *Cursor {
	return &Cursor{t: t, port: port, resume: common.NullEntryID}
}

// Next returns the next row, or nil when the walk is over
func (c *Cursor) Next(ctx context.Context) (*tableengine.FdbEntry, error) {
	if c.done {
		return nil, nil
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()

	cctx, cancel := c.t.cmdContext(ctx)
	defer cancel()
	entry, next, err := c.t.hw.SearchPort(cctx, c.port, c.resume)
	metrics.ObserveOp(tableName, "search", err)
	if err != nil {
		c.done = true
		return nil, common.HardwareError("fdb search", err)
	}
	if entry == nil || next == common.NullEntryID {
		c.done = true
	}
	c.resume = next
	return entry, nil
}

// Dump reports every hardware row of port to fn. VLAN unaware rows are
// reported with VID 0.
func (t *Table) Dump(ctx context.Context, port int, fn DumpFunc) error {
	cur := t.NewCursor(port)
	for {
		entry, err := cur.Next(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		vid := entry.Key.Fid
		if vid == common.VlanUnawarePVID {
			vid = 0
		}
		if err := fn(entry.Key.HardwareAddr(), vid, entry.Config.Dynamic); err != nil {
			if errors.Is(err, ErrDumpDone) {
				return nil
			}
			return err
		}
	}
}

// Age runs one aging sweep: the activity counters are refreshed, then the
// dynamic rows whose counter reached actCnt are deleted
func (t *Table) Age(ctx context.Context, actCnt uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cctx, cancel := t.cmdContext(ctx)
	err := t.hw.UpdateActivity(cctx)
	cancel()
	metrics.ObserveOp(tableName, "update_activity", err)
	if err != nil {
		err = common.HardwareError("fdb update activity", err)
	}

	cctx, cancel = t.cmdContext(ctx)
	derr := t.hw.DeleteAging(cctx, actCnt)
	cancel()
	metrics.ObserveOp(tableName, "delete_aging", derr)
	if derr != nil {
		derr = common.HardwareError("fdb delete aging", derr)
	}
	return multierr.Append(err, derr)
}

// FastAge deletes the dynamic rows learned on port
func (t *Table) FastAge(ctx context.Context, port int) error {
	if err := common.CheckPort(port, common.BitmapPorts); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	err := t.hw.DeletePortDynamic(cctx, port)
	metrics.ObserveOp(tableName, "delete_port_dynamic", err)
	return common.HardwareError("fdb fast age", err)
}

// Destroy drops the shadow. Hardware rows are left untouched.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[tableengine.FdbKey]*Entry)
	t.updateGauge()
}
