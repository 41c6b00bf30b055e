// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/philippgille/gokv/gomap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opiproject/opi-netc-bridge/pkg/bufferpool"
	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/infradb"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine/simengine"
)

const (
	numPorts = 4
	cpuPort  = 3
)

var testAddr = net.HardwareAddr{0x00, 0x04, 0x9f, 0x05, 0xf4, 0xab}

func newSwitch(t *testing.T, db *infradb.InfraDB) (*Switch, *simengine.Engine) {
	t.Helper()
	eng := simengine.New(tableengine.Capabilities{})
	opts := Options{
		NumPorts: numPorts,
		CPUPorts: []int{cpuPort},
		// keep the sweep out of the way
		AgeingTime: time.Hour,
	}
	if db != nil {
		opts.Journal = db
	}
	sw, err := Setup(context.Background(), eng, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sw.Teardown() })
	return sw, eng
}

func newJournal() *infradb.InfraDB {
	return infradb.New(gomap.NewStore(gomap.DefaultOptions))
}

func TestSetupRejectsBadPorts(t *testing.T) {
	for _, opts := range []Options{
		{NumPorts: 0},
		{NumPorts: MaxPorts + 1},
		{NumPorts: 4, CPUPorts: []int{4}},
	} {
		_, err := Setup(context.Background(), simengine.New(tableengine.Capabilities{}), opts)
		assert.ErrorIs(t, err, common.ErrInvalidArgument)
	}
}

func TestSetupProgramsBufferPools(t *testing.T) {
	sw, eng := newSwitch(t, nil)

	require.Equal(t, int(simengine.DefaultCapabilities.BufferPools), sw.BufferPools().NumPools())
	row := eng.BufferPoolRow(0)
	assert.Equal(t, bufferpool.DefaultFcOnThresh, row.FcOnThresh)
	assert.Equal(t, bufferpool.DefaultFcOffThresh, row.FcOffThresh)
	assert.Equal(t, tableengine.FlowControlBufferPool, row.FlowControlMode)
}

func TestPortEnable(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	ctx := context.Background()

	require.NoError(t, sw.PortEnable(ctx, 0))
	require.NoError(t, sw.PortEnable(ctx, cpuPort))
	assert.True(t, sw.IsEnabled(0))

	standalone, ok := eng.VlanRow(common.StandalonePVID)
	require.True(t, ok)
	assert.Equal(t, common.PortBit(0)|common.PortBit(cpuPort), standalone.PortBitmap)
	assert.Equal(t, tableengine.MfoNoMatchDiscard, standalone.Mfo)

	unaware, ok := eng.VlanRow(common.VlanUnawarePVID)
	require.True(t, ok)
	assert.Equal(t, common.PortBit(cpuPort), unaware.PortBitmap)

	bcast, ok := eng.FdbRow(tableengine.NewFdbKey(broadcastAddr, common.StandalonePVID))
	require.True(t, ok)
	assert.Equal(t, common.PortBit(cpuPort), bcast.Config.PortBitmap)

	require.NoError(t, sw.PortDisable(ctx, cpuPort))
	require.NoError(t, sw.PortDisable(ctx, 0))
	assert.False(t, sw.IsEnabled(cpuPort))
	_, ok = eng.VlanRow(common.StandalonePVID)
	assert.False(t, ok)
	_, ok = eng.VlanRow(common.VlanUnawarePVID)
	assert.False(t, ok)
	assert.Empty(t, eng.FdbRows())
}

func TestPortEnableUnwindsCPUPort(t *testing.T) {
	sw, eng := newSwitch(t, nil)

	// the second filter row is the VLAN unaware one
	eng.FailOn(simengine.TableVLAN, simengine.OpAdd, 2, nil)
	err := sw.PortEnable(context.Background(), cpuPort)
	require.ErrorIs(t, err, common.ErrHardwareRejected)

	assert.False(t, sw.IsEnabled(cpuPort))
	_, ok := eng.VlanRow(common.StandalonePVID)
	assert.False(t, ok)
	assert.Empty(t, eng.FdbRows())
	assert.Equal(t, 0, sw.FDB().Len())
	assert.Zero(t, eng.EttRowCount())
}

func TestFdbAddMapsVid(t *testing.T) {
	db := newJournal()
	sw, eng := newSwitch(t, db)
	ctx := context.Background()

	require.NoError(t, sw.FdbAdd(ctx, 0, testAddr, 0))
	_, ok := eng.FdbRow(tableengine.NewFdbKey(testAddr, common.StandalonePVID))
	assert.True(t, ok)

	require.NoError(t, sw.BridgeJoin(ctx, 1))
	require.NoError(t, sw.FdbAdd(ctx, 1, testAddr, 0))
	row, ok := eng.FdbRow(tableengine.NewFdbKey(testAddr, common.VlanUnawarePVID))
	require.True(t, ok)
	assert.Equal(t, common.PortBit(1), row.Config.PortBitmap)

	var vids []uint16
	require.NoError(t, sw.FdbDump(ctx, 1, func(addr net.HardwareAddr, vid uint16, dynamic bool) error {
		assert.Equal(t, testAddr, addr)
		assert.False(t, dynamic)
		vids = append(vids, vid)
		return nil
	}))
	assert.Equal(t, []uint16{0}, vids)

	entry, err := db.GetFdb(infradb.FdbName(testAddr, common.VlanUnawarePVID))
	require.NoError(t, err)
	assert.Equal(t, []int{1}, entry.Ports)

	require.NoError(t, sw.FdbDel(ctx, 1, testAddr, 0))
	_, ok = eng.FdbRow(tableengine.NewFdbKey(testAddr, common.VlanUnawarePVID))
	assert.False(t, ok)
	_, err = db.GetFdb(infradb.FdbName(testAddr, common.VlanUnawarePVID))
	assert.ErrorIs(t, err, infradb.ErrKeyNotFound)
}

func TestMdbAdd(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	ctx := context.Background()
	group := net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}

	require.NoError(t, sw.MdbAdd(ctx, 0, group, 10))
	require.NoError(t, sw.MdbAdd(ctx, 2, group, 10))
	row, ok := eng.FdbRow(tableengine.NewFdbKey(group, 10))
	require.True(t, ok)
	assert.Equal(t, common.PortBit(0)|common.PortBit(2), row.Config.PortBitmap)

	require.NoError(t, sw.MdbDel(ctx, 0, group, 10))
	row, ok = eng.FdbRow(tableengine.NewFdbKey(group, 10))
	require.True(t, ok)
	assert.Equal(t, common.PortBit(2), row.Config.PortBitmap)
}

func TestInvalidArguments(t *testing.T) {
	db := newJournal()
	sw, eng := newSwitch(t, db)
	ctx := context.Background()

	assert.ErrorIs(t, sw.FdbAdd(ctx, numPorts, testAddr, 1), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.FdbAdd(ctx, 0, testAddr[:4], 1), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.FdbAdd(ctx, 0, testAddr, 4096), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.VlanAdd(ctx, -1, 100, false, false), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.VlanAdd(ctx, 0, common.VlanUnawarePVID, false, false), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.VlanDel(ctx, 0, common.StandalonePVID), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.SetTxPause(ctx, 7, true), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.PortEnable(ctx, 4), common.ErrInvalidArgument)
	assert.ErrorIs(t, sw.SetAgeingTime(ctx, -time.Second), common.ErrInvalidArgument)

	assert.Empty(t, eng.FdbRows())
	fdbs, err := db.GetAllFdbs()
	require.NoError(t, err)
	assert.Empty(t, fdbs)
}

func TestVlanAddPvid(t *testing.T) {
	db := newJournal()
	sw, eng := newSwitch(t, db)
	ctx := context.Background()

	require.NoError(t, sw.BridgeJoin(ctx, 0))
	pvid, err := sw.PortPVID(0)
	require.NoError(t, err)
	assert.Equal(t, common.VlanUnawarePVID, pvid)

	require.NoError(t, sw.VlanFiltering(0, true))
	require.NoError(t, sw.VlanAdd(ctx, 0, 100, true, true))
	pvid, err = sw.PortPVID(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(100), pvid)

	row, ok := eng.VlanRow(100)
	require.True(t, ok)
	assert.Equal(t, common.PortBit(0), row.PortBitmap)
	entry, ok := sw.VLAN().Lookup(100)
	require.True(t, ok)
	assert.True(t, entry.IsUntagged(0))

	journaled, err := db.GetVlan(100)
	require.NoError(t, err)
	assert.True(t, journaled.IsUntagged(0))
	assert.True(t, journaled.IsPvid(0))

	// re-adding without the pvid flag clears the pvid
	require.NoError(t, sw.VlanAdd(ctx, 0, 100, true, false))
	pvid, err = sw.PortPVID(0)
	require.NoError(t, err)
	assert.Equal(t, common.StandalonePVID, pvid)

	require.NoError(t, sw.VlanDel(ctx, 0, 100))
	_, ok = eng.VlanRow(100)
	assert.False(t, ok)
	_, err = db.GetVlan(100)
	assert.ErrorIs(t, err, infradb.ErrKeyNotFound)

	require.NoError(t, sw.BridgeLeave(ctx, 0))
	pvid, err = sw.PortPVID(0)
	require.NoError(t, err)
	assert.Equal(t, common.StandalonePVID, pvid)
}

func TestBridgeLeaveFailureKeepsPortBridged(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	ctx := context.Background()
	require.NoError(t, sw.BridgeJoin(ctx, 0))
	require.NoError(t, sw.BridgeJoin(ctx, 1))
	require.NoError(t, sw.VlanFiltering(0, true))

	eng.FailOn(simengine.TableVLAN, simengine.OpUpdate, 1, nil)
	require.Error(t, sw.BridgeLeave(ctx, 0))
	assert.True(t, sw.isBridged(0))
	entry, ok := sw.VLAN().Lookup(common.VlanUnawarePVID)
	require.True(t, ok)
	assert.True(t, entry.IsMember(0))

	eng.ClearFaults()
	require.NoError(t, sw.BridgeLeave(ctx, 0))
	assert.False(t, sw.isBridged(0))
	pvid, err := sw.PortPVID(0)
	require.NoError(t, err)
	assert.Equal(t, common.StandalonePVID, pvid)
}

func TestCPUPortPvid(t *testing.T) {
	sw, _ := newSwitch(t, nil)

	require.NoError(t, sw.VlanAdd(context.Background(), cpuPort, common.CPUPortPVID, false, false))
	sw.mu.Lock()
	defer sw.mu.Unlock()
	assert.Equal(t, common.CPUPortPVID, sw.ports[cpuPort].pvid)
}

func TestSetAgeingTime(t *testing.T) {
	db := newJournal()
	sw, _ := newSwitch(t, db)

	require.NoError(t, sw.SetAgeingTime(context.Background(), 30*time.Second))
	period, actCnt := sw.Aging().Params()
	assert.Equal(t, time.Second, period)
	assert.Equal(t, uint8(30), actCnt)

	settings, err := db.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, settings.AgeingTime)
}

func TestSetTxPause(t *testing.T) {
	sw, eng := newSwitch(t, nil)

	require.NoError(t, sw.SetTxPause(context.Background(), 2, true))
	for i := 0; i < sw.BufferPools().NumPools(); i++ {
		assert.Equal(t, common.PortBit(2), eng.BufferPoolRow(uint32(i)).FcPorts)
	}
	require.NoError(t, sw.SetTxPause(context.Background(), 2, false))
	assert.Zero(t, eng.BufferPoolRow(0).FcPorts)
}

func TestEgressCounters(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	ctx := context.Background()

	_, err := sw.EgressCounters(ctx, 100, 1)
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, sw.VlanAdd(ctx, 1, 100, false, false))
	entry, ok := sw.VLAN().Lookup(100)
	require.True(t, ok)
	require.NotEqual(t, common.NullEntryID, entry.EctBaseID)
	eng.CountFrames(entry.EctBaseID+1, 5, 320)

	c, err := sw.EgressCounters(ctx, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Frames)
	assert.Equal(t, uint64(320), c.Bytes)
}

func TestFastAge(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	ctx := context.Background()

	eng.Learn(tableengine.NewFdbKey(testAddr, 100), 2)
	require.NoError(t, sw.FdbAdd(ctx, 2, net.HardwareAddr{0, 0, 0, 0, 0, 1}, 100))

	require.NoError(t, sw.FastAge(ctx, 2))
	rows := eng.FdbRows()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Config.Dynamic)
}

func TestReplay(t *testing.T) {
	db := newJournal()
	ctx := context.Background()

	sw, _ := newSwitch(t, db)
	require.NoError(t, sw.FdbAdd(ctx, 0, testAddr, 10))
	require.NoError(t, sw.FdbAdd(ctx, 2, testAddr, 10))
	require.NoError(t, sw.VlanAdd(ctx, 1, 200, true, true))
	require.NoError(t, sw.SetAgeingTime(ctx, 600*time.Second))

	// a restarted switch without journal
	sw2, eng2 := newSwitch(t, nil)
	require.NoError(t, sw2.Replay(ctx, db))

	row, ok := eng2.FdbRow(tableengine.NewFdbKey(testAddr, 10))
	require.True(t, ok)
	assert.Equal(t, common.PortBit(0)|common.PortBit(2), row.Config.PortBitmap)

	entry, ok := sw2.VLAN().Lookup(200)
	require.True(t, ok)
	assert.True(t, entry.IsMember(1))
	assert.True(t, entry.IsUntagged(1))
	sw2.mu.Lock()
	assert.Equal(t, uint16(200), sw2.ports[1].pvid)
	sw2.mu.Unlock()

	p1, a1 := sw.Aging().Params()
	p2, a2 := sw2.Aging().Params()
	assert.Equal(t, p1, p2)
	assert.Equal(t, a1, a2)
}
