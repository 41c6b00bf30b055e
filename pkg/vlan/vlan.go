// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package vlan keeps the shadow of the VLAN filter table and builds the
// per port egress treatment and counter rows of every VLAN
package vlan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/eidpool"
	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

const (
	tableName = "vlan"
	ettName   = "ett"
	ectName   = "ect"

	// frame length delta of an outer tag removal
	frameLenDelVlan int8 = -4
)

// Entry is a shadowed VLAN filter row
type Entry struct {
	Vid     uint16
	EntryID uint32
	Config  tableengine.VlanFilterConfig
	// UntaggedPorts is the subset of the members that egress untagged
	UntaggedPorts uint32
	// EctBaseID is the first counter row of the VLAN or NullEntryID
	EctBaseID uint32
}

// EttBaseID returns the first egress treatment row of the VLAN or NullEntryID
func (e Entry) EttBaseID() uint32 {
	return e.Config.EtEID
}

// IsMember reports whether port belongs to the VLAN
func (e Entry) IsMember(port int) bool {
	return e.Config.PortBitmap&common.PortBit(port) != 0
}

// IsUntagged reports whether port egresses the VLAN untagged
func (e Entry) IsUntagged(port int) bool {
	return e.UntaggedPorts&common.PortBit(port) != 0
}

// Table is the VLAN shadow table. Its lock also guards the egress
// treatment and counter id pools.
type Table struct {
	mu       sync.Mutex
	entries  map[uint16]*Entry
	engine   tableengine.Engine
	numPorts int
	ett      *eidpool.Pool
	ect      *eidpool.Pool
	timeout  time.Duration
}

// NewTable creates an empty VLAN table. The id pools are sized from the
// raw row counts in caps, numPorts rows per VLAN.
func NewTable(engine tableengine.Engine, numPorts int, caps tableengine.Capabilities, timeout time.Duration) *Table {
	return &Table{
		entries:  make(map[uint16]*Entry),
		engine:   engine,
		numPorts: numPorts,
		ett:      eidpool.NewFromCapacity(ettName, caps.EttEntries, uint32(numPorts)),
		ect:      eidpool.NewFromCapacity(ectName, caps.EctEntries, uint32(numPorts)),
		timeout:  timeout,
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

func (t *Table) allPorts() uint32 {
	var bitmap uint32
	for i := 0; i < t.numPorts; i++ {
		bitmap |= common.PortBit(i)
	}
	return bitmap
}

// AddPort makes port a member of vid, egressing untagged or tagged. The
// first member creates the filter row and its egress rule.
func (t *Table) AddPort(ctx context.Context, vid uint16, port int, untagged bool) error {
	if err := common.CheckPort(port, t.numPorts); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[vid]
	if !ok {
		err := t.create(ctx, vid, port, untagged)
		if err != nil {
			log.WithFields(log.Fields{"vid": vid, "port": port}).Errorf("vlan: failed to add entry: %v", err)
		}
		return err
	}
	return t.update(ctx, entry, port, untagged)
}

func (t *Table) create(ctx context.Context, vid uint16, port int, untagged bool) error {
	bit := common.PortBit(port)
	entry := &Entry{
		Vid:       vid,
		EntryID:   common.NullEntryID,
		EctBaseID: common.NullEntryID,
		Config: tableengine.VlanFilterConfig{
			PortBitmap: bit,
			Fid:        vid,
			EtEID:      common.NullEntryID,
		},
	}
	tx := newTxn(vid, port)

	if vid == common.StandalonePVID {
		entry.Config.Mlo = tableengine.MloDisable
		entry.Config.Mfo = tableengine.MfoNoMatchDiscard
	} else {
		entry.Config.Mlo = tableengine.MloHW
		entry.Config.Mfo = tableengine.MfoNoMatchFlood
		entry.Config.EtaPortBitmap = t.allPorts()
		if untagged && vid != common.VlanUnawarePVID {
			entry.UntaggedPorts = bit
		}
		if err := t.addEgressRule(ctx, tx, entry); err != nil {
			_ = tx.rollback(ctx)
			return err
		}
	}

	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	id, err := t.engine.VLAN().Add(cctx, vid, entry.Config)
	metrics.ObserveOp(tableName, "add", err)
	if err != nil {
		_ = tx.rollback(ctx)
		return common.HardwareError("vft add", err)
	}
	entry.EntryID = id
	t.entries[vid] = entry
	t.updateGauge()
	log.WithFields(log.Fields{"vid": vid, "port": port, "eid": id, "ett": entry.EttBaseID(), "ect": entry.EctBaseID}).Debug("vlan: entry added")
	return nil
}

// ettConfig builds the egress treatment row of port for entry
func (t *Table) ettConfig(entry *Entry, port int) tableengine.EgressTransformConfig {
	cfg := tableengine.EgressTransformConfig{
		VlanAction: tableengine.VlanActionNone,
		EcEID:      common.NullEntryID,
	}
	if entry.EctBaseID != common.NullEntryID {
		cfg.CountEnabled = true
		cfg.EcEID = entry.EctBaseID + uint32(port)
	}
	if entry.IsUntagged(port) {
		cfg.VlanAction = tableengine.VlanActionDelOuterTag
		cfg.FrameLenChange = frameLenDelVlan
	}
	return cfg
}

// addEgressRule reserves the counter group (best effort) and the treatment
// group of entry, then programs one treatment row per port
func (t *Table) addEgressRule(ctx context.Context, tx *txn, entry *Entry) error {
	ports := uint32(t.numPorts)

	if idx, ok := t.ect.Allocate(); !ok {
		log.WithField("vid", entry.Vid).Warn("vlan: no egress counter entries available")
	} else {
		tx.push("free ect group", func(context.Context) error {
			entry.EctBaseID = common.NullEntryID
			return t.ect.Free(idx)
		})
		base := idx * ports
		for i := uint32(0); i < ports; i++ {
			cctx, cancel := t.cmdContext(ctx)
			err := t.engine.EgressCounter().Reset(cctx, base+i)
			cancel()
			metrics.ObserveOp(ectName, "reset", err)
			if err != nil {
				log.WithFields(log.Fields{"vid": entry.Vid, "eid": base + i}).Warnf("vlan: failed to reset egress counter: %v", err)
			}
		}
		entry.EctBaseID = base
	}

	idx, ok := t.ett.Allocate()
	if !ok {
		return fmt.Errorf("vlan %d egress treatment: %w", entry.Vid, common.ErrResourceExhausted)
	}
	tx.push("free ett group", func(context.Context) error {
		return t.ett.Free(idx)
	})

	base := idx * ports
	for i := 0; i < t.numPorts; i++ {
		eid := base + uint32(i)
		cctx, cancel := t.cmdContext(ctx)
		err := t.engine.EgressTransform().Add(cctx, eid, t.ettConfig(entry, i))
		cancel()
		metrics.ObserveOp(ettName, "add", err)
		if err != nil {
			return common.HardwareError(fmt.Sprintf("ett add %d", eid), err)
		}
		tx.push(fmt.Sprintf("delete ett %d", eid), func(ctx context.Context) error {
			cctx, cancel := t.cmdContext(ctx)
			defer cancel()
			err := t.engine.EgressTransform().Delete(cctx, eid)
			metrics.ObserveOp(ettName, "delete", err)
			return err
		})
	}
	entry.Config.EtEID = base
	return nil
}

// ruleChanged reports whether the tagging of port in entry differs from
// untagged. The reserved VLANs have no egress rule.
func ruleChanged(entry *Entry, port int, untagged bool) bool {
	if common.IsReservedVID(entry.Vid) {
		return false
	}
	return entry.IsUntagged(port) != untagged
}

// updateEgressRule reprograms the treatment row of port and restarts its
// counter
func (t *Table) updateEgressRule(ctx context.Context, entry *Entry, port int) error {
	if entry.EttBaseID() == common.NullEntryID {
		return nil
	}
	if entry.EctBaseID != common.NullEntryID {
		cctx, cancel := t.cmdContext(ctx)
		err := t.engine.EgressCounter().Reset(cctx, entry.EctBaseID+uint32(port))
		cancel()
		metrics.ObserveOp(ectName, "reset", err)
		if err != nil {
			log.WithFields(log.Fields{"vid": entry.Vid, "port": port}).Warnf("vlan: failed to reset egress counter: %v", err)
		}
	}

	eid := entry.EttBaseID() + uint32(port)
	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	err := t.engine.EgressTransform().Update(cctx, eid, t.ettConfig(entry, port))
	metrics.ObserveOp(ettName, "update", err)
	return common.HardwareError(fmt.Sprintf("ett update %d", eid), err)
}

func (t *Table) update(ctx context.Context, entry *Entry, port int, untagged bool) error {
	bit := common.PortBit(port)
	tx := newTxn(entry.Vid, port)

	if ruleChanged(entry, port, untagged) {
		entry.UntaggedPorts ^= bit
		if err := t.updateEgressRule(ctx, entry, port); err != nil {
			entry.UntaggedPorts ^= bit
			log.WithFields(log.Fields{"vid": entry.Vid, "port": port}).Errorf("vlan: failed to update egress rule: %v", err)
			return err
		}
		tx.push("restore egress rule", func(ctx context.Context) error {
			entry.UntaggedPorts ^= bit
			return t.updateEgressRule(ctx, entry, port)
		})
	}

	if entry.IsMember(port) {
		return nil
	}

	cfg := entry.Config
	cfg.PortBitmap |= bit
	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	err := t.engine.VLAN().Update(cctx, entry.EntryID, cfg)
	metrics.ObserveOp(tableName, "update", err)
	if err != nil {
		log.WithFields(log.Fields{"vid": entry.Vid, "port": port}).Errorf("vlan: failed to update entry: %v", err)
		_ = tx.rollback(ctx)
		return common.HardwareError("vft update", err)
	}
	entry.Config = cfg
	return nil
}

// deleteEgressRule releases the treatment and counter groups of entry.
// Counter rows live in a static table and are left as they are.
func (t *Table) deleteEgressRule(ctx context.Context, entry *Entry) error {
	base := entry.EttBaseID()
	if base == common.NullEntryID {
		return nil
	}
	ports := uint32(t.numPorts)

	errs := t.ett.Free(base / ports)
	for i := uint32(0); i < ports; i++ {
		cctx, cancel := t.cmdContext(ctx)
		err := t.engine.EgressTransform().Delete(cctx, base+i)
		cancel()
		metrics.ObserveOp(ettName, "delete", err)
		errs = multierr.Append(errs, common.HardwareError(fmt.Sprintf("ett delete %d", base+i), err))
	}
	entry.Config.EtEID = common.NullEntryID

	if entry.EctBaseID != common.NullEntryID {
		errs = multierr.Append(errs, t.ect.Free(entry.EctBaseID/ports))
		entry.EctBaseID = common.NullEntryID
	}
	return errs
}

// RemovePort drops port from vid. The last member deletes the filter row
// and releases the egress rule. Unknown VLANs and non members are ignored.
func (t *Table) RemovePort(ctx context.Context, vid uint16, port int) error {
	if err := common.CheckPort(port, t.numPorts); err != nil {
		return err
	}
	bit := common.PortBit(port)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[vid]
	if !ok || !entry.IsMember(port) {
		return nil
	}

	cctx, cancel := t.cmdContext(ctx)
	defer cancel()

	if entry.Config.PortBitmap == bit {
		err := t.engine.VLAN().Delete(cctx, entry.EntryID)
		metrics.ObserveOp(tableName, "delete", err)
		if err != nil {
			log.WithFields(log.Fields{"vid": vid, "port": port}).Errorf("vlan: failed to delete entry: %v", err)
			return common.HardwareError("vft delete", err)
		}
		if err := t.deleteEgressRule(ctx, entry); err != nil {
			log.WithField("vid", vid).Warnf("vlan: egress rule cleanup incomplete: %v", err)
		}
		delete(t.entries, vid)
		t.updateGauge()
		log.WithFields(log.Fields{"vid": vid, "port": port}).Debug("vlan: entry deleted")
		return nil
	}

	cfg := entry.Config
	cfg.PortBitmap &^= bit
	err := t.engine.VLAN().Update(cctx, entry.EntryID, cfg)
	metrics.ObserveOp(tableName, "update", err)
	if err != nil {
		log.WithFields(log.Fields{"vid": vid, "port": port}).Errorf("vlan: failed to update entry: %v", err)
		return common.HardwareError("vft update", err)
	}
	entry.Config = cfg
	if entry.IsUntagged(port) {
		// a former member egresses tagged, so does it when it rejoins
		entry.UntaggedPorts &^= bit
		if err := t.updateEgressRule(ctx, entry, port); err != nil {
			log.WithFields(log.Fields{"vid": vid, "port": port}).Warnf("vlan: failed to restore tagged egress rule: %v", err)
		}
	}
	return nil
}

// Lookup returns a copy of the shadowed row of vid
func (t *Table) Lookup(vid uint16) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[vid]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Entries returns a copy of every shadowed row ordered by VID
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, *e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Vid < list[j].Vid })
	return list
}

// EgressCounters reads the egress counter row of port in vid
func (t *Table) EgressCounters(ctx context.Context, vid uint16, port int) (tableengine.EgressCounters, error) {
	if err := common.CheckPort(port, t.numPorts); err != nil {
		return tableengine.EgressCounters{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[vid]
	if !ok || entry.EctBaseID == common.NullEntryID {
		return tableengine.EgressCounters{}, fmt.Errorf("vlan %d counters: %w", vid, common.ErrNotFound)
	}
	cctx, cancel := t.cmdContext(ctx)
	defer cancel()
	c, err := t.engine.EgressCounter().Query(cctx, entry.EctBaseID+uint32(port))
	metrics.ObserveOp(ectName, "query", err)
	return c, common.HardwareError("ect query", err)
}

// Destroy drops the shadow and the id pools. Hardware rows are left
// untouched.
func (t *Table) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint16]*Entry)
	t.ett = eidpool.New(ettName, t.ett.Size())
	t.ect = eidpool.New(ectName, t.ect.Size())
	t.updateGauge()
}
