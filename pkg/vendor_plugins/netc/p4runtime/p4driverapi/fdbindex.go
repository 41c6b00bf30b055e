// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package p4driverapi

import (
	"sort"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

// P4Runtime addresses rows by key. fdbIndex hands out the entry ids the
// table managers expect and keeps the activity counters of the rows.
type fdbIndex struct {
	rows  map[uint32]*tableengine.FdbEntry
	byKey map[tableengine.FdbKey]uint32
	next  uint32
}

func newFdbIndex() *fdbIndex {
	return &fdbIndex{
		rows:  make(map[uint32]*tableengine.FdbEntry),
		byKey: make(map[tableengine.FdbKey]uint32),
	}
}

func (x *fdbIndex) put(key tableengine.FdbKey, cfg tableengine.FdbConfig) uint32 {
	if id, ok := x.byKey[key]; ok {
		x.rows[id].Config = cfg
		return id
	}
	id := x.next
	x.next++
	if x.next == common.NullEntryID {
		x.next = 0
	}
	x.rows[id] = &tableengine.FdbEntry{EntryID: id, Key: key, Config: cfg}
	x.byKey[key] = id
	return id
}

func (x *fdbIndex) get(id uint32) (*tableengine.FdbEntry, bool) {
	row, ok := x.rows[id]
	return row, ok
}

func (x *fdbIndex) remove(id uint32) {
	if row, ok := x.rows[id]; ok {
		delete(x.byKey, row.Key)
		delete(x.rows, id)
	}
}

// reconcile aligns the index with a full read of the table. Rows learned by
// the hardware get new ids, rows gone from the table are dropped.
func (x *fdbIndex) reconcile(seen map[tableengine.FdbKey]tableengine.FdbConfig) {
	for id, row := range x.rows {
		if _, ok := seen[row.Key]; !ok {
			x.remove(id)
		}
	}
	for key, cfg := range seen {
		x.put(key, cfg)
	}
}

func (x *fdbIndex) sortedIDs() []uint32 {
	ids := make([]uint32, 0, len(x.rows))
	for id := range x.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (x *fdbIndex) search(port int, resume uint32) (*tableengine.FdbEntry, uint32) {
	start := resume
	if resume == common.NullEntryID {
		start = 0
	}
	ids := x.sortedIDs()
	for i, id := range ids {
		if id < start {
			continue
		}
		row := x.rows[id]
		if row.Config.PortBitmap&common.PortBit(port) == 0 {
			continue
		}
		next := common.NullEntryID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		entry := *row
		return &entry, next
	}
	return nil, common.NullEntryID
}

// age clears the activity counter of the dynamic rows in hit and increments
// the others
func (x *fdbIndex) age(hit map[tableengine.FdbKey]bool) {
	for _, row := range x.rows {
		if !row.Config.Dynamic {
			continue
		}
		if hit[row.Key] {
			row.ActCnt = 0
		} else if row.ActCnt < maxActCnt {
			row.ActCnt++
		}
	}
}

func (x *fdbIndex) dynamic(match func(*tableengine.FdbEntry) bool) []uint32 {
	var ids []uint32
	for _, id := range x.sortedIDs() {
		row := x.rows[id]
		if row.Config.Dynamic && match(row) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (x *fdbIndex) expired(actCnt uint8) []uint32 {
	return x.dynamic(func(row *tableengine.FdbEntry) bool { return row.ActCnt >= actCnt })
}

func (x *fdbIndex) onPort(port int) []uint32 {
	return x.dynamic(func(row *tableengine.FdbEntry) bool {
		return row.Config.PortBitmap&common.PortBit(port) != 0
	})
}
