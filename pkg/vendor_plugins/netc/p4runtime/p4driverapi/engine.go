// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package p4driverapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antoninbas/p4runtime-go-client/pkg/client"
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

// Engine programs the switch tables through P4Runtime
type Engine struct {
	pc  *p4Conn
	sch *schema

	mu           sync.Mutex
	fdb          *fdbIndex
	lastActivity time.Time
	vlanVids     map[uint32]uint16
	vlanIDs      map[uint16]uint32
	nextVlanID   uint32
	bpProgrammed map[uint32]bool
}

// New connects to the P4Runtime server, becomes the primary client and
// loads the pipeline
func New(ctx context.Context, opts Options) (*Engine, error) {
	pc, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}
	sch, err := newSchema(pc.info)
	if err != nil {
		_ = pc.close()
		return nil, err
	}
	log.WithFields(log.Fields{"address": opts.Address, "device": pc.deviceID}).Info("p4driverapi: connected")
	return newEngine(pc, sch), nil
}

func newEngine(pc *p4Conn, sch *schema) *Engine {
	return &Engine{
		pc:           pc,
		sch:          sch,
		fdb:          newFdbIndex(),
		vlanVids:     make(map[uint32]uint16),
		vlanIDs:      make(map[uint16]uint32),
		bpProgrammed: make(map[uint32]bool),
	}
}

// Capabilities implements tableengine.Engine
func (e *Engine) Capabilities(_ context.Context) (tableengine.Capabilities, error) {
	return e.sch.capabilities(), nil
}

// Close implements tableengine.Engine
func (e *Engine) Close() error {
	return e.pc.close()
}

// FDB implements tableengine.Engine
func (e *Engine) FDB() tableengine.FdbTable { return fdbTable{e} }

// VLAN implements tableengine.Engine
func (e *Engine) VLAN() tableengine.VlanTable { return vlanTable{e} }

// EgressTransform implements tableengine.Engine
func (e *Engine) EgressTransform() tableengine.EgressTransformTable { return ettTable{e} }

// EgressCounter implements tableengine.Engine
func (e *Engine) EgressCounter() tableengine.EgressCounterTable { return ectTable{e} }

// BufferPool implements tableengine.Engine
func (e *Engine) BufferPool() tableengine.BufferPoolTable { return bptTable{e} }

func fdbMatch(key tableengine.FdbKey) map[string]client.MatchInterface {
	return map[string]client.MatchInterface{
		fieldMac: &client.ExactMatch{Value: key.MacAddr[:]},
		fieldFid: &client.ExactMatch{Value: uint16toBytes(key.Fid)},
	}
}

func indexMatch(field string, index uint32) map[string]client.MatchInterface {
	return map[string]client.MatchInterface{
		field: &client.ExactMatch{Value: uint32toBytes(index)},
	}
}

func (e *Engine) entry(table, action string, mfs map[string]client.MatchInterface, cfg []byte) *p4_v1.TableEntry {
	if cfg == nil {
		return e.pc.client.NewTableEntry(table, mfs, nil, nil)
	}
	return e.pc.client.NewTableEntry(table, mfs, e.pc.client.NewTableActionDirect(action, [][]byte{cfg}), nil)
}

// readOne reads the row of table matching mfs and returns its packed
// configuration
func (e *Engine) readOne(ctx context.Context, table string, mfs map[string]client.MatchInterface) ([]byte, error) {
	req := e.entry(table, "", mfs, nil)
	entities, err := e.pc.read(ctx, &p4_v1.Entity{Entity: &p4_v1.Entity_TableEntry{TableEntry: req}})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("%s: %w", table, common.ErrNotFound)
	}
	return actionParam(entities[0].GetTableEntry())
}

func actionParam(te *p4_v1.TableEntry) ([]byte, error) {
	params := te.GetAction().GetAction().GetParams()
	if len(params) != 1 {
		return nil, fmt.Errorf("table %d: %d action params", te.GetTableId(), len(params))
	}
	return params[0].GetValue(), nil
}

type fdbRead struct {
	cfgs map[tableengine.FdbKey]tableengine.FdbConfig
	// elapsed is the time since the last hit of every row
	elapsed map[tableengine.FdbKey]time.Duration
}

// readFdb reads the whole FDB table, with the idle time of the rows when
// idle is set
func (e *Engine) readFdb(ctx context.Context, idle bool) (*fdbRead, error) {
	req := &p4_v1.TableEntry{TableId: e.sch.tables[tableFdb].id}
	if idle {
		req.TimeSinceLastHit = &p4_v1.TableEntry_IdleTimeout{}
	}
	entities, err := e.pc.read(ctx, &p4_v1.Entity{Entity: &p4_v1.Entity_TableEntry{TableEntry: req}})
	if err != nil {
		return nil, err
	}
	out := &fdbRead{
		cfgs:    make(map[tableengine.FdbKey]tableengine.FdbConfig, len(entities)),
		elapsed: make(map[tableengine.FdbKey]time.Duration),
	}
	for _, ent := range entities {
		te := ent.GetTableEntry()
		var mac, fid []byte
		for _, m := range te.GetMatch() {
			switch e.sch.fieldName(tableFdb, m.GetFieldId()) {
			case fieldMac:
				mac = m.GetExact().GetValue()
			case fieldFid:
				fid = m.GetExact().GetValue()
			}
		}
		key, err := decodeFdbKey(mac, fid)
		if err != nil {
			return nil, err
		}
		blob, err := actionParam(te)
		if err != nil {
			return nil, err
		}
		cfg, err := decodeFdbConfig(blob)
		if err != nil {
			return nil, err
		}
		out.cfgs[key] = cfg
		if te.GetTimeSinceLastHit() != nil {
			out.elapsed[key] = time.Duration(te.GetTimeSinceLastHit().GetElapsedNs())
		}
	}
	return out, nil
}

func (e *Engine) syncFdb(ctx context.Context) error {
	rd, err := e.readFdb(ctx, false)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.fdb.reconcile(rd.cfgs)
	e.mu.Unlock()
	return nil
}

// deleteFdbRows deletes every row of ids still known to the index
func (e *Engine) deleteFdbRows(ctx context.Context, ids []uint32) error {
	var errs error
	for _, id := range ids {
		e.mu.Lock()
		row, ok := e.fdb.get(id)
		var key tableengine.FdbKey
		if ok {
			key = row.Key
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		if err := e.pc.client.DeleteTableEntry(ctx, e.entry(tableFdb, "", fdbMatch(key), nil)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("fdb entry %d: %w", id, err))
			continue
		}
		e.mu.Lock()
		e.fdb.remove(id)
		e.mu.Unlock()
	}
	return errs
}

type fdbTable struct{ e *Engine }

func (t fdbTable) Add(ctx context.Context, key tableengine.FdbKey, cfg tableengine.FdbConfig) (uint32, error) {
	blob, err := encodeFdbConfig(cfg)
	if err != nil {
		return common.NullEntryID, err
	}
	if err := t.e.pc.client.InsertTableEntry(ctx, t.e.entry(tableFdb, actionFdb, fdbMatch(key), blob)); err != nil {
		return common.NullEntryID, err
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	return t.e.fdb.put(key, cfg), nil
}

func (t fdbTable) key(entryID uint32) (tableengine.FdbKey, error) {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	row, ok := t.e.fdb.get(entryID)
	if !ok {
		return tableengine.FdbKey{}, fmt.Errorf("fdb entry %d: %w", entryID, common.ErrNotFound)
	}
	return row.Key, nil
}

func (t fdbTable) Update(ctx context.Context, entryID uint32, cfg tableengine.FdbConfig) error {
	key, err := t.key(entryID)
	if err != nil {
		return err
	}
	blob, err := encodeFdbConfig(cfg)
	if err != nil {
		return err
	}
	if err := t.e.pc.client.ModifyTableEntry(ctx, t.e.entry(tableFdb, actionFdb, fdbMatch(key), blob)); err != nil {
		return err
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	t.e.fdb.put(key, cfg)
	return nil
}

func (t fdbTable) Delete(ctx context.Context, entryID uint32) error {
	if _, err := t.key(entryID); err != nil {
		return err
	}
	return t.e.deleteFdbRows(ctx, []uint32{entryID})
}

func (t fdbTable) Query(ctx context.Context, entryID uint32) (tableengine.FdbEntry, error) {
	key, err := t.key(entryID)
	if err != nil {
		return tableengine.FdbEntry{}, err
	}
	blob, err := t.e.readOne(ctx, tableFdb, fdbMatch(key))
	if err != nil {
		return tableengine.FdbEntry{}, err
	}
	cfg, err := decodeFdbConfig(blob)
	if err != nil {
		return tableengine.FdbEntry{}, err
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	t.e.fdb.put(key, cfg)
	row, _ := t.e.fdb.get(entryID)
	return *row, nil
}

func (t fdbTable) SearchPort(ctx context.Context, port int, resume uint32) (*tableengine.FdbEntry, uint32, error) {
	// a search starting over refreshes the ids of the learned rows
	if resume == common.NullEntryID {
		if err := t.e.syncFdb(ctx); err != nil {
			return nil, common.NullEntryID, err
		}
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	entry, next := t.e.fdb.search(port, resume)
	return entry, next, nil
}

func (t fdbTable) UpdateActivity(ctx context.Context) error {
	rd, err := t.e.readFdb(ctx, true)
	if err != nil {
		return err
	}
	now := time.Now()
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	window := now.Sub(t.e.lastActivity)
	t.e.lastActivity = now
	hit := make(map[tableengine.FdbKey]bool, len(rd.elapsed))
	for key, elapsed := range rd.elapsed {
		hit[key] = elapsed < window
	}
	t.e.fdb.reconcile(rd.cfgs)
	t.e.fdb.age(hit)
	return nil
}

func (t fdbTable) DeleteAging(ctx context.Context, actCnt uint8) error {
	t.e.mu.Lock()
	ids := t.e.fdb.expired(actCnt)
	t.e.mu.Unlock()
	return t.e.deleteFdbRows(ctx, ids)
}

func (t fdbTable) DeletePortDynamic(ctx context.Context, port int) error {
	if err := t.e.syncFdb(ctx); err != nil {
		return err
	}
	t.e.mu.Lock()
	ids := t.e.fdb.onPort(port)
	t.e.mu.Unlock()
	return t.e.deleteFdbRows(ctx, ids)
}

type vlanTable struct{ e *Engine }

func vlanMatch(vid uint16) map[string]client.MatchInterface {
	return map[string]client.MatchInterface{
		fieldVid: &client.ExactMatch{Value: uint16toBytes(vid)},
	}
}

func (t vlanTable) vid(entryID uint32) (uint16, error) {
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	vid, ok := t.e.vlanVids[entryID]
	if !ok {
		return 0, fmt.Errorf("vlan entry %d: %w", entryID, common.ErrNotFound)
	}
	return vid, nil
}

func (t vlanTable) Add(ctx context.Context, vid uint16, cfg tableengine.VlanFilterConfig) (uint32, error) {
	blob, err := encodeVlanConfig(cfg)
	if err != nil {
		return common.NullEntryID, err
	}
	if err := t.e.pc.client.InsertTableEntry(ctx, t.e.entry(tableVlan, actionVlan, vlanMatch(vid), blob)); err != nil {
		return common.NullEntryID, err
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	if id, ok := t.e.vlanIDs[vid]; ok {
		return id, nil
	}
	id := t.e.nextVlanID
	t.e.nextVlanID++
	t.e.vlanIDs[vid] = id
	t.e.vlanVids[id] = vid
	return id, nil
}

func (t vlanTable) Update(ctx context.Context, entryID uint32, cfg tableengine.VlanFilterConfig) error {
	vid, err := t.vid(entryID)
	if err != nil {
		return err
	}
	blob, err := encodeVlanConfig(cfg)
	if err != nil {
		return err
	}
	return t.e.pc.client.ModifyTableEntry(ctx, t.e.entry(tableVlan, actionVlan, vlanMatch(vid), blob))
}

func (t vlanTable) Delete(ctx context.Context, entryID uint32) error {
	vid, err := t.vid(entryID)
	if err != nil {
		return err
	}
	if err := t.e.pc.client.DeleteTableEntry(ctx, t.e.entry(tableVlan, "", vlanMatch(vid), nil)); err != nil {
		return err
	}
	t.e.mu.Lock()
	defer t.e.mu.Unlock()
	delete(t.e.vlanIDs, vid)
	delete(t.e.vlanVids, entryID)
	return nil
}

func (t vlanTable) Query(ctx context.Context, entryID uint32) (tableengine.VlanFilterConfig, error) {
	vid, err := t.vid(entryID)
	if err != nil {
		return tableengine.VlanFilterConfig{}, err
	}
	blob, err := t.e.readOne(ctx, tableVlan, vlanMatch(vid))
	if err != nil {
		return tableengine.VlanFilterConfig{}, err
	}
	return decodeVlanConfig(blob)
}

type ettTable struct{ e *Engine }

func (t ettTable) Add(ctx context.Context, entryID uint32, cfg tableengine.EgressTransformConfig) error {
	blob, err := encodeEgressConfig(cfg)
	if err != nil {
		return err
	}
	return t.e.pc.client.InsertTableEntry(ctx, t.e.entry(tableEtt, actionEtt, indexMatch(fieldEid, entryID), blob))
}

func (t ettTable) Update(ctx context.Context, entryID uint32, cfg tableengine.EgressTransformConfig) error {
	blob, err := encodeEgressConfig(cfg)
	if err != nil {
		return err
	}
	return t.e.pc.client.ModifyTableEntry(ctx, t.e.entry(tableEtt, actionEtt, indexMatch(fieldEid, entryID), blob))
}

func (t ettTable) Delete(ctx context.Context, entryID uint32) error {
	return t.e.pc.client.DeleteTableEntry(ctx, t.e.entry(tableEtt, "", indexMatch(fieldEid, entryID), nil))
}

func (t ettTable) Query(ctx context.Context, entryID uint32) (tableengine.EgressTransformConfig, error) {
	blob, err := t.e.readOne(ctx, tableEtt, indexMatch(fieldEid, entryID))
	if err != nil {
		return tableengine.EgressTransformConfig{}, err
	}
	return decodeEgressConfig(blob)
}

type ectTable struct{ e *Engine }

func (t ectTable) counterEntry(entryID uint32, data *p4_v1.CounterData) *p4_v1.Entity {
	return &p4_v1.Entity{Entity: &p4_v1.Entity_CounterEntry{CounterEntry: &p4_v1.CounterEntry{
		CounterId: t.e.sch.ectID,
		Index:     &p4_v1.Index{Index: int64(entryID)},
		Data:      data,
	}}}
}

func (t ectTable) Reset(ctx context.Context, entryID uint32) error {
	return t.e.pc.write(ctx, p4_v1.Update_MODIFY, t.counterEntry(entryID, &p4_v1.CounterData{}))
}

func (t ectTable) Query(ctx context.Context, entryID uint32) (tableengine.EgressCounters, error) {
	entities, err := t.e.pc.read(ctx, t.counterEntry(entryID, nil))
	if err != nil {
		return tableengine.EgressCounters{}, err
	}
	if len(entities) == 0 {
		return tableengine.EgressCounters{}, fmt.Errorf("egress counter %d: %w", entryID, common.ErrNotFound)
	}
	data := entities[0].GetCounterEntry().GetData()
	return tableengine.EgressCounters{
		Frames: uint64(data.GetPacketCount()),
		Bytes:  uint64(data.GetByteCount()),
	}, nil
}

type bptTable struct{ e *Engine }

// Update inserts the row of a pool the first time it is programmed
func (t bptTable) Update(ctx context.Context, index uint32, cfg tableengine.BufferPoolConfig) error {
	blob, err := encodeBufferPoolConfig(cfg)
	if err != nil {
		return err
	}
	entry := t.e.entry(tableBpt, actionBpt, indexMatch(fieldIndex, index), blob)
	t.e.mu.Lock()
	programmed := t.e.bpProgrammed[index]
	t.e.mu.Unlock()
	if programmed {
		return t.e.pc.client.ModifyTableEntry(ctx, entry)
	}
	if err := t.e.pc.client.InsertTableEntry(ctx, entry); err != nil {
		return err
	}
	t.e.mu.Lock()
	t.e.bpProgrammed[index] = true
	t.e.mu.Unlock()
	return nil
}

func (t bptTable) Query(ctx context.Context, index uint32) (tableengine.BufferPoolConfig, error) {
	t.e.mu.Lock()
	programmed := t.e.bpProgrammed[index]
	t.e.mu.Unlock()
	if !programmed {
		return tableengine.BufferPoolConfig{}, nil
	}
	blob, err := t.e.readOne(ctx, tableBpt, indexMatch(fieldIndex, index))
	if err != nil {
		return tableengine.BufferPoolConfig{}, err
	}
	return decodeBufferPoolConfig(blob)
}

var _ tableengine.Engine = (*Engine)(nil)
