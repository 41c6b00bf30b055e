// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package simengine is an in-memory table engine. It backs the "sim" driver
// and the tests of the table managers, and supports fault injection.
package simengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

// Table names used for call accounting and fault injection
const (
	TableFDB  = "fdb"
	TableVLAN = "vlan"
	TableETT  = "ett"
	TableECT  = "ect"
	TableBPT  = "bpt"
)

// Operation names used for call accounting and fault injection
const (
	OpAdd               = "add"
	OpUpdate            = "update"
	OpDelete            = "delete"
	OpQuery             = "query"
	OpSearch            = "search"
	OpReset             = "reset"
	OpUpdateActivity    = "update_activity"
	OpDeleteAging       = "delete_aging"
	OpDeletePortDynamic = "delete_port_dynamic"
)

// ErrInjected is the default error returned by an injected fault
var ErrInjected = errors.New("injected fault")

// maxActCnt is the saturation value of the activity counters
const maxActCnt = 127

// DefaultCapabilities are used when New is given a zero Capabilities
var DefaultCapabilities = tableengine.Capabilities{
	EttEntries:     1024,
	EctEntries:     1024,
	BufferPools:    8,
	MaxActivityCnt: maxActCnt,
}

type fault struct {
	table string
	op    string
	// nth call to fail, starting at 1. Zero fails every call.
	nth int
	err error
}

type fdbRow struct {
	entry tableengine.FdbEntry
	hit   bool
}

type vlanRow struct {
	vid uint16
	cfg tableengine.VlanFilterConfig
}

// Engine is the simulated switch
type Engine struct {
	mu      sync.Mutex
	caps    tableengine.Capabilities
	latency time.Duration

	fdb       map[uint32]*fdbRow
	fdbByKey  map[tableengine.FdbKey]uint32
	nextFdbID uint32

	vlan       map[uint32]*vlanRow
	vlanByVid  map[uint16]uint32
	nextVlanID uint32

	ett map[uint32]tableengine.EgressTransformConfig
	ect map[uint32]tableengine.EgressCounters
	bpt map[uint32]tableengine.BufferPoolConfig

	attempts  map[string]int
	successes map[string]int
	faults    []fault
	closed    bool
}

// New creates a simulated engine with the given capabilities
func New(caps tableengine.Capabilities) *Engine {
	if caps == (tableengine.Capabilities{}) {
		caps = DefaultCapabilities
	}
	return &Engine{
		caps:      caps,
		fdb:       make(map[uint32]*fdbRow),
		fdbByKey:  make(map[tableengine.FdbKey]uint32),
		vlan:      make(map[uint32]*vlanRow),
		vlanByVid: make(map[uint16]uint32),
		ett:       make(map[uint32]tableengine.EgressTransformConfig),
		ect:       make(map[uint32]tableengine.EgressCounters),
		bpt:       make(map[uint32]tableengine.BufferPoolConfig),
		attempts:  make(map[string]int),
		successes: make(map[string]int),
	}
}

func callKey(table, op string) string {
	return table + "." + op
}

// FailOn makes the nth call (starting at 1, counted from now) of table.op
// return err. nth 0 fails every call. A nil err uses ErrInjected.
func (e *Engine) FailOn(table, op string, nth int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	if nth > 0 {
		nth += e.attempts[callKey(table, op)]
	}
	e.faults = append(e.faults, fault{table: table, op: op, nth: nth, err: err})
}

// ClearFaults removes every injected fault
func (e *Engine) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = nil
}

// SetLatency delays every call by d, or until the call context is done
func (e *Engine) SetLatency(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency = d
}

// Calls returns the number of attempted table.op calls
func (e *Engine) Calls(table, op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[callKey(table, op)]
}

// Successes returns the number of table.op calls that succeeded
func (e *Engine) Successes(table, op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.successes[callKey(table, op)]
}

// begin accounts for a call and returns the injected or context error.
// Must be called with e.mu held; it may release it while waiting.
func (e *Engine) begin(ctx context.Context, table, op string) error {
	key := callKey(table, op)
	e.attempts[key]++
	n := e.attempts[key]

	if e.latency > 0 {
		d := e.latency
		e.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		e.mu.Lock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed {
		return fmt.Errorf("%s: engine closed", key)
	}
	for _, f := range e.faults {
		if f.table == table && f.op == op && (f.nth == 0 || f.nth == n) {
			return fmt.Errorf("%s: %w", key, f.err)
		}
	}
	return nil
}

func (e *Engine) done(table, op string, err error) error {
	if err == nil {
		e.successes[callKey(table, op)]++
	}
	return err
}

// Capabilities implements tableengine.Engine
func (e *Engine) Capabilities(_ context.Context) (tableengine.Capabilities, error) {
	return e.caps, nil
}

// Close implements tableengine.Engine
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
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

// Learn inserts a dynamic FDB row the way hardware learning does, and
// returns its entry id
func (e *Engine) Learn(key tableengine.FdbKey, port int) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.fdbByKey[key]; ok {
		row := e.fdb[id]
		row.entry.Config.PortBitmap = common.PortBit(port)
		row.hit = true
		return id
	}
	cfg := tableengine.FdbConfig{PortBitmap: common.PortBit(port), Dynamic: true, EtEID: common.NullEntryID}
	return e.insertFdb(key, cfg, true)
}

// Hit marks an FDB row as seen in traffic
func (e *Engine) Hit(key tableengine.FdbKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.fdbByKey[key]; ok {
		e.fdb[id].hit = true
	}
}

// SetActivity forces the activity counter of an FDB row
func (e *Engine) SetActivity(key tableengine.FdbKey, actCnt uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.fdbByKey[key]; ok {
		e.fdb[id].entry.ActCnt = actCnt
		e.fdb[id].hit = false
	}
}

// FdbRows returns a snapshot of the FDB table ordered by entry id
func (e *Engine) FdbRows() []tableengine.FdbEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	rows := make([]tableengine.FdbEntry, 0, len(e.fdb))
	for _, id := range e.sortedFdbIDs() {
		rows = append(rows, e.fdb[id].entry)
	}
	return rows
}

// FdbRow returns the FDB row of key
func (e *Engine) FdbRow(key tableengine.FdbKey) (tableengine.FdbEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.fdbByKey[key]
	if !ok {
		return tableengine.FdbEntry{}, false
	}
	return e.fdb[id].entry, true
}

// VlanRow returns the VLAN filter row of vid
func (e *Engine) VlanRow(vid uint16) (tableengine.VlanFilterConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.vlanByVid[vid]
	if !ok {
		return tableengine.VlanFilterConfig{}, false
	}
	return e.vlan[id].cfg, true
}

// EttRow returns the egress treatment row at entryID
func (e *Engine) EttRow(entryID uint32) (tableengine.EgressTransformConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.ett[entryID]
	return cfg, ok
}

// EttRowCount returns the number of programmed egress treatment rows
func (e *Engine) EttRowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ett)
}

// BufferPoolRow returns the configuration of buffer pool index
func (e *Engine) BufferPoolRow(index uint32) tableengine.BufferPoolConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bpt[index]
}

// CountFrames adds traffic to an egress counter row
func (e *Engine) CountFrames(entryID uint32, frames, bytes uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.ect[entryID]
	c.Frames += frames
	c.Bytes += bytes
	e.ect[entryID] = c
}

func (e *Engine) insertFdb(key tableengine.FdbKey, cfg tableengine.FdbConfig, hit bool) uint32 {
	id := e.nextFdbID
	e.nextFdbID++
	e.fdb[id] = &fdbRow{
		entry: tableengine.FdbEntry{EntryID: id, Key: key, Config: cfg},
		hit:   hit,
	}
	e.fdbByKey[key] = id
	return id
}

func (e *Engine) deleteFdb(id uint32) {
	row := e.fdb[id]
	delete(e.fdbByKey, row.entry.Key)
	delete(e.fdb, id)
}

func (e *Engine) sortedFdbIDs() []uint32 {
	ids := make([]uint32, 0, len(e.fdb))
	for id := range e.fdb {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type fdbTable struct{ e *Engine }

func (t fdbTable) Add(ctx context.Context, key tableengine.FdbKey, cfg tableengine.FdbConfig) (uint32, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpAdd); err != nil {
		return common.NullEntryID, err
	}
	if _, ok := e.fdbByKey[key]; ok {
		return common.NullEntryID, fmt.Errorf("fdb entry %v fid %d already exists", key.HardwareAddr(), key.Fid)
	}
	id := e.insertFdb(key, cfg, false)
	return id, e.done(TableFDB, OpAdd, nil)
}

func (t fdbTable) Update(ctx context.Context, entryID uint32, cfg tableengine.FdbConfig) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpUpdate); err != nil {
		return err
	}
	row, ok := e.fdb[entryID]
	if !ok {
		return fmt.Errorf("fdb entry %d: %w", entryID, common.ErrNotFound)
	}
	row.entry.Config = cfg
	return e.done(TableFDB, OpUpdate, nil)
}

func (t fdbTable) Delete(ctx context.Context, entryID uint32) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpDelete); err != nil {
		return err
	}
	if _, ok := e.fdb[entryID]; !ok {
		return fmt.Errorf("fdb entry %d: %w", entryID, common.ErrNotFound)
	}
	e.deleteFdb(entryID)
	return e.done(TableFDB, OpDelete, nil)
}

func (t fdbTable) Query(ctx context.Context, entryID uint32) (tableengine.FdbEntry, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpQuery); err != nil {
		return tableengine.FdbEntry{}, err
	}
	row, ok := e.fdb[entryID]
	if !ok {
		return tableengine.FdbEntry{}, fmt.Errorf("fdb entry %d: %w", entryID, common.ErrNotFound)
	}
	return row.entry, e.done(TableFDB, OpQuery, nil)
}

func (t fdbTable) SearchPort(ctx context.Context, port int, resume uint32) (*tableengine.FdbEntry, uint32, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpSearch); err != nil {
		return nil, common.NullEntryID, err
	}
	start := resume
	if resume == common.NullEntryID {
		start = 0
	}
	ids := e.sortedFdbIDs()
	for i, id := range ids {
		if id < start {
			continue
		}
		row := e.fdb[id]
		if row.entry.Config.PortBitmap&common.PortBit(port) == 0 {
			continue
		}
		next := common.NullEntryID
		if i+1 < len(ids) {
			next = id + 1
		}
		entry := row.entry
		return &entry, next, e.done(TableFDB, OpSearch, nil)
	}
	return nil, common.NullEntryID, e.done(TableFDB, OpSearch, nil)
}

func (t fdbTable) UpdateActivity(ctx context.Context) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpUpdateActivity); err != nil {
		return err
	}
	for _, row := range e.fdb {
		if !row.entry.Config.Dynamic {
			continue
		}
		if row.hit {
			row.entry.ActCnt = 0
			row.hit = false
		} else if row.entry.ActCnt < maxActCnt {
			row.entry.ActCnt++
		}
	}
	return e.done(TableFDB, OpUpdateActivity, nil)
}

func (t fdbTable) DeleteAging(ctx context.Context, actCnt uint8) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpDeleteAging); err != nil {
		return err
	}
	for id, row := range e.fdb {
		if row.entry.Config.Dynamic && row.entry.ActCnt >= actCnt {
			e.deleteFdb(id)
		}
	}
	return e.done(TableFDB, OpDeleteAging, nil)
}

func (t fdbTable) DeletePortDynamic(ctx context.Context, port int) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableFDB, OpDeletePortDynamic); err != nil {
		return err
	}
	for id, row := range e.fdb {
		if row.entry.Config.Dynamic && row.entry.Config.PortBitmap&common.PortBit(port) != 0 {
			e.deleteFdb(id)
		}
	}
	return e.done(TableFDB, OpDeletePortDynamic, nil)
}

type vlanTable struct{ e *Engine }

func (t vlanTable) Add(ctx context.Context, vid uint16, cfg tableengine.VlanFilterConfig) (uint32, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableVLAN, OpAdd); err != nil {
		return common.NullEntryID, err
	}
	if _, ok := e.vlanByVid[vid]; ok {
		return common.NullEntryID, fmt.Errorf("vlan %d already exists", vid)
	}
	id := e.nextVlanID
	e.nextVlanID++
	e.vlan[id] = &vlanRow{vid: vid, cfg: cfg}
	e.vlanByVid[vid] = id
	return id, e.done(TableVLAN, OpAdd, nil)
}

func (t vlanTable) Update(ctx context.Context, entryID uint32, cfg tableengine.VlanFilterConfig) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableVLAN, OpUpdate); err != nil {
		return err
	}
	row, ok := e.vlan[entryID]
	if !ok {
		return fmt.Errorf("vlan entry %d: %w", entryID, common.ErrNotFound)
	}
	row.cfg = cfg
	return e.done(TableVLAN, OpUpdate, nil)
}

func (t vlanTable) Delete(ctx context.Context, entryID uint32) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableVLAN, OpDelete); err != nil {
		return err
	}
	row, ok := e.vlan[entryID]
	if !ok {
		return fmt.Errorf("vlan entry %d: %w", entryID, common.ErrNotFound)
	}
	delete(e.vlanByVid, row.vid)
	delete(e.vlan, entryID)
	return e.done(TableVLAN, OpDelete, nil)
}

func (t vlanTable) Query(ctx context.Context, entryID uint32) (tableengine.VlanFilterConfig, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableVLAN, OpQuery); err != nil {
		return tableengine.VlanFilterConfig{}, err
	}
	row, ok := e.vlan[entryID]
	if !ok {
		return tableengine.VlanFilterConfig{}, fmt.Errorf("vlan entry %d: %w", entryID, common.ErrNotFound)
	}
	return row.cfg, e.done(TableVLAN, OpQuery, nil)
}

type ettTable struct{ e *Engine }

func (t ettTable) Add(ctx context.Context, entryID uint32, cfg tableengine.EgressTransformConfig) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableETT, OpAdd); err != nil {
		return err
	}
	if entryID >= e.caps.EttEntries {
		return fmt.Errorf("ett entry %d out of range", entryID)
	}
	if _, ok := e.ett[entryID]; ok {
		return fmt.Errorf("ett entry %d already exists", entryID)
	}
	e.ett[entryID] = cfg
	return e.done(TableETT, OpAdd, nil)
}

func (t ettTable) Update(ctx context.Context, entryID uint32, cfg tableengine.EgressTransformConfig) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableETT, OpUpdate); err != nil {
		return err
	}
	if _, ok := e.ett[entryID]; !ok {
		return fmt.Errorf("ett entry %d: %w", entryID, common.ErrNotFound)
	}
	e.ett[entryID] = cfg
	return e.done(TableETT, OpUpdate, nil)
}

func (t ettTable) Delete(ctx context.Context, entryID uint32) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableETT, OpDelete); err != nil {
		return err
	}
	if _, ok := e.ett[entryID]; !ok {
		return fmt.Errorf("ett entry %d: %w", entryID, common.ErrNotFound)
	}
	delete(e.ett, entryID)
	return e.done(TableETT, OpDelete, nil)
}

func (t ettTable) Query(ctx context.Context, entryID uint32) (tableengine.EgressTransformConfig, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableETT, OpQuery); err != nil {
		return tableengine.EgressTransformConfig{}, err
	}
	cfg, ok := e.ett[entryID]
	if !ok {
		return cfg, fmt.Errorf("ett entry %d: %w", entryID, common.ErrNotFound)
	}
	return cfg, e.done(TableETT, OpQuery, nil)
}

type ectTable struct{ e *Engine }

func (t ectTable) Reset(ctx context.Context, entryID uint32) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableECT, OpReset); err != nil {
		return err
	}
	if entryID >= e.caps.EctEntries {
		return fmt.Errorf("ect entry %d out of range", entryID)
	}
	e.ect[entryID] = tableengine.EgressCounters{}
	return e.done(TableECT, OpReset, nil)
}

func (t ectTable) Query(ctx context.Context, entryID uint32) (tableengine.EgressCounters, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableECT, OpQuery); err != nil {
		return tableengine.EgressCounters{}, err
	}
	if entryID >= e.caps.EctEntries {
		return tableengine.EgressCounters{}, fmt.Errorf("ect entry %d out of range", entryID)
	}
	return e.ect[entryID], e.done(TableECT, OpQuery, nil)
}

type bptTable struct{ e *Engine }

func (t bptTable) Update(ctx context.Context, index uint32, cfg tableengine.BufferPoolConfig) error {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableBPT, OpUpdate); err != nil {
		return err
	}
	if index >= e.caps.BufferPools {
		return fmt.Errorf("buffer pool %d out of range", index)
	}
	e.bpt[index] = cfg
	return e.done(TableBPT, OpUpdate, nil)
}

func (t bptTable) Query(ctx context.Context, index uint32) (tableengine.BufferPoolConfig, error) {
	e := t.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(ctx, TableBPT, OpQuery); err != nil {
		return tableengine.BufferPoolConfig{}, err
	}
	if index >= e.caps.BufferPools {
		return tableengine.BufferPoolConfig{}, fmt.Errorf("buffer pool %d out of range", index)
	}
	return e.bpt[index], e.done(TableBPT, OpQuery, nil)
}
