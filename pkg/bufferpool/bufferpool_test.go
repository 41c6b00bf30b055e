// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package bufferpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine/simengine"
)

func TestSetupPushesDefaults(t *testing.T) {
	e := simengine.New(tableengine.Capabilities{EttEntries: 8, EctEntries: 8, BufferPools: 3, MaxActivityCnt: 127})
	c := NewController(e.BufferPool(), 3, Thresholds{}, time.Second)

	require.NoError(t, c.Setup(context.Background()))
	assert.Equal(t, 3, e.Calls(simengine.TableBPT, simengine.OpUpdate))
	for i := uint32(0); i < 3; i++ {
		assert.Equal(t, tableengine.BufferPoolConfig{
			FlowControlMode: tableengine.FlowControlBufferPool,
			FcOnThresh:      DefaultFcOnThresh,
			FcOffThresh:     DefaultFcOffThresh,
		}, e.BufferPoolRow(i))
	}
}

func TestSetPortPause(t *testing.T) {
	ctx := context.Background()
	e := simengine.New(tableengine.Capabilities{EttEntries: 8, EctEntries: 8, BufferPools: 2, MaxActivityCnt: 127})
	c := NewController(e.BufferPool(), 2, Thresholds{FcOn: 0x100, FcOff: 0x80}, time.Second)
	require.NoError(t, c.Setup(ctx))

	require.NoError(t, c.SetPortPause(ctx, 1, true))
	require.NoError(t, c.SetPortPause(ctx, 3, true))
	require.NoError(t, c.SetPortPause(ctx, 1, false))

	for i := 0; i < 2; i++ {
		cfg, ok := c.Pool(i)
		require.True(t, ok)
		assert.Equal(t, common.PortBit(3), cfg.FcPorts)
		assert.Equal(t, uint16(0x100), cfg.FcOnThresh)
		assert.Equal(t, cfg, e.BufferPoolRow(uint32(i)))
	}
	_, ok := c.Pool(2)
	assert.False(t, ok)
}

func TestSetPortPauseKeepsGoing(t *testing.T) {
	ctx := context.Background()
	e := simengine.New(tableengine.Capabilities{EttEntries: 8, EctEntries: 8, BufferPools: 3, MaxActivityCnt: 127})
	c := NewController(e.BufferPool(), 3, Thresholds{}, time.Second)
	e.FailOn(simengine.TableBPT, simengine.OpUpdate, 1, nil)

	err := c.SetPortPause(ctx, 2, true)
	assert.ErrorIs(t, err, common.ErrHardwareRejected)
	assert.Equal(t, 3, e.Calls(simengine.TableBPT, simengine.OpUpdate))
	assert.Equal(t, common.PortBit(2), e.BufferPoolRow(1).FcPorts)
	assert.Equal(t, common.PortBit(2), e.BufferPoolRow(2).FcPorts)
	assert.Zero(t, e.BufferPoolRow(0).FcPorts)

	// the failed pool is fixed by the next push
	require.NoError(t, c.SetPortPause(ctx, 2, true))
	assert.Equal(t, common.PortBit(2), e.BufferPoolRow(0).FcPorts)
}

func TestSetPortPauseRejectsPort(t *testing.T) {
	ctx := context.Background()
	e := simengine.New(tableengine.Capabilities{EttEntries: 8, EctEntries: 8, BufferPools: 2, MaxActivityCnt: 127})
	c := NewController(e.BufferPool(), 2, Thresholds{}, time.Second)
	require.NoError(t, c.Setup(ctx))

	for _, port := range []int{-1, common.BitmapPorts} {
		assert.ErrorIs(t, c.SetPortPause(ctx, port, true), common.ErrInvalidArgument)
	}
	assert.Equal(t, 2, e.Calls(simengine.TableBPT, simengine.OpUpdate))
	cfg, _ := c.Pool(0)
	assert.Zero(t, cfg.FcPorts)
}
