// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/eventbus"
	"github.com/opiproject/opi-netc-bridge/pkg/netlink"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine/simengine"
	"github.com/opiproject/opi-netc-bridge/pkg/taskmanager"
)

func startEvents(t *testing.T, sw *Switch) (*eventbus.EventBus, *taskmanager.TaskManager) {
	t.Helper()
	bus := eventbus.NewEventBus()
	tm := taskmanager.NewTaskManager(bus)
	tm.StartTaskManager()
	t.Cleanup(tm.StopTaskManager)
	sw.SubscribeEvents(bus, tm, 1)
	return bus, tm
}

func TestHostFdbEvents(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	bus, tm := startEvents(t, sw)
	key := tableengine.NewFdbKey(testAddr, common.StandalonePVID)

	ev := netlink.FdbEvent{Port: 1, MAC: testAddr.String()}
	tm.CreateTask(ev.Name(), netlink.FdbEntryAdded, ev, bus.GetSubscribers(netlink.FdbEntryAdded))
	require.Eventually(t, func() bool {
		_, ok := eng.FdbRow(key)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	tm.CreateTask(ev.Name(), netlink.FdbEntryDeleted, ev, bus.GetSubscribers(netlink.FdbEntryDeleted))
	require.Eventually(t, func() bool {
		_, ok := eng.FdbRow(key)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHostVlanEventRetried(t *testing.T) {
	sw, eng := newSwitch(t, nil)
	bus, tm := startEvents(t, sw)

	eng.FailOn(simengine.TableVLAN, simengine.OpAdd, 1, nil)
	ev := netlink.VlanEvent{Port: 2, Vid: 300, Untagged: true}
	tm.CreateTask(ev.Name(), netlink.VlanAdded, ev, bus.GetSubscribers(netlink.VlanAdded))

	// the first attempt fails, the retry runs after the initial retry timer
	require.Eventually(t, func() bool {
		_, ok := sw.VLAN().Lookup(300)
		return ok
	}, taskmanager.InitialRetryTimer+3*time.Second, 50*time.Millisecond)
	assert.Equal(t, 2, eng.Calls(simengine.TableVLAN, simengine.OpAdd))
}

func TestHostEventInvalidArgument(t *testing.T) {
	sw, _ := newSwitch(t, nil)
	h := &ModuleEventHandler{sw: sw, timeout: time.Second}
	ctx := context.Background()

	err := h.apply(ctx, netlink.VlanAdded, netlink.VlanEvent{Port: numPorts, Vid: 10})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	err = h.apply(ctx, netlink.FdbEntryAdded, netlink.FdbEvent{Port: 0, MAC: "not a mac"})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	err = h.apply(ctx, netlink.FdbEntryAdded, netlink.VlanEvent{Port: 0, Vid: 10})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
