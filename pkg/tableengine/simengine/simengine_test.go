// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package simengine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

func key(t *testing.T, mac string, fid uint16) tableengine.FdbKey {
	addr, err := net.ParseMAC(mac)
	require.NoError(t, err)
	return tableengine.NewFdbKey(addr, fid)
}

func TestFailOnNthCall(t *testing.T) {
	ctx := context.Background()
	e := New(tableengine.Capabilities{})
	e.FailOn(TableETT, OpAdd, 2, nil)

	require.NoError(t, e.EgressTransform().Add(ctx, 0, tableengine.EgressTransformConfig{}))
	err := e.EgressTransform().Add(ctx, 1, tableengine.EgressTransformConfig{})
	assert.ErrorIs(t, err, ErrInjected)
	require.NoError(t, e.EgressTransform().Add(ctx, 2, tableengine.EgressTransformConfig{}))

	assert.Equal(t, 3, e.Calls(TableETT, OpAdd))
	assert.Equal(t, 2, e.Successes(TableETT, OpAdd))
	assert.Equal(t, 2, e.EttRowCount())
}

func TestLatencyHonorsContext(t *testing.T) {
	e := New(tableengine.Capabilities{})
	e.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.EgressCounter().Reset(ctx, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.ErrorIs(t, common.HardwareError("ect reset", err), common.ErrHardwareTimeout)
}

func TestActivityAndAging(t *testing.T) {
	ctx := context.Background()
	e := New(tableengine.Capabilities{})
	idle := key(t, "00:00:00:00:00:01", 1)
	busy := key(t, "00:00:00:00:00:02", 1)
	static := key(t, "00:00:00:00:00:03", 1)

	e.Learn(idle, 0)
	e.Learn(busy, 0)
	_, err := e.FDB().Add(ctx, static, tableengine.FdbConfig{PortBitmap: common.PortBit(0), EtEID: common.NullEntryID})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.Hit(busy)
		require.NoError(t, e.FDB().UpdateActivity(ctx))
	}
	row, ok := e.FdbRow(idle)
	require.True(t, ok)
	assert.Equal(t, uint8(2), row.ActCnt)

	require.NoError(t, e.FDB().DeleteAging(ctx, 2))
	_, ok = e.FdbRow(idle)
	assert.False(t, ok)
	_, ok = e.FdbRow(busy)
	assert.True(t, ok)
	_, ok = e.FdbRow(static)
	assert.True(t, ok)
}

func TestSearchPortCursor(t *testing.T) {
	ctx := context.Background()
	e := New(tableengine.Capabilities{})
	e.Learn(key(t, "00:00:00:00:00:01", 1), 0)
	e.Learn(key(t, "00:00:00:00:00:02", 1), 1)
	e.Learn(key(t, "00:00:00:00:00:03", 1), 0)

	var found []uint32
	resume := common.NullEntryID
	for {
		entry, next, err := e.FDB().SearchPort(ctx, 0, resume)
		require.NoError(t, err)
		if entry == nil {
			break
		}
		found = append(found, entry.EntryID)
		if next == common.NullEntryID {
			break
		}
		resume = next
	}
	assert.Equal(t, []uint32{0, 2}, found)
}

func TestTableBounds(t *testing.T) {
	ctx := context.Background()
	e := New(tableengine.Capabilities{EttEntries: 4, EctEntries: 4, BufferPools: 2, MaxActivityCnt: 127})

	assert.Error(t, e.EgressTransform().Add(ctx, 4, tableengine.EgressTransformConfig{}))
	assert.Error(t, e.EgressCounter().Reset(ctx, 4))
	assert.Error(t, e.BufferPool().Update(ctx, 2, tableengine.BufferPoolConfig{}))

	err := e.VLAN().Delete(ctx, 7)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, e.Close())
	assert.Error(t, e.BufferPool().Update(ctx, 0, tableengine.BufferPoolConfig{}))
}
