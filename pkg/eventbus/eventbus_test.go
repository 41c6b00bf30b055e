// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanHandler chan *ObjectData

func (c chanHandler) HandleEvent(_ string, objectData *ObjectData) {
	c <- objectData
}

func TestSubscribersInPriorityOrder(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe("low", "vlan_added", 20, chanHandler(nil))
	bus.Subscribe("high", "vlan_added", 1, chanHandler(nil))
	bus.Subscribe("other", "fdb_entry_added", 1, chanHandler(nil))

	subs := bus.GetSubscribers("vlan_added")
	require.Len(t, subs, 2)
	assert.Equal(t, "high", subs[0].Name)
	assert.Equal(t, "low", subs[1].Name)
	assert.Empty(t, bus.GetSubscribers("vlan_deleted"))
}

func TestPublishReachesHandler(t *testing.T) {
	bus := NewEventBus()
	got := make(chanHandler, 1)
	sub := bus.StartSubscriber("netc", "fdb_entry_added", 1, got)

	bus.Publish(&ObjectData{Name: "fdb/00:00:00:00:00:01/1", NotificationID: "n1", Value: 42}, sub)

	select {
	case data := <-got:
		assert.Equal(t, "n1", data.NotificationID)
		assert.Equal(t, 42, data.Value)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	bus.UnsubscribeEvent(sub, "fdb_entry_added")
	assert.Empty(t, bus.GetSubscribers("fdb_entry_added"))
}
