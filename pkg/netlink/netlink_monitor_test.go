// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netlink

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vn "github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

type fakeSource struct {
	links  map[string]int
	neighs []vn.Neigh
	vlans  map[int32][]*nl.BridgeVlanInfo
	err    error
}

func (f *fakeSource) LinkByName(name string) (vn.Link, error) {
	index, ok := f.links[name]
	if !ok {
		return nil, vn.LinkNotFoundError{}
	}
	return &vn.Device{LinkAttrs: vn.LinkAttrs{Name: name, Index: index}}, nil
}

func (f *fakeSource) NeighList(_, _ int) ([]vn.Neigh, error) {
	return f.neighs, f.err
}

func (f *fakeSource) BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error) {
	return f.vlans, nil
}

type published struct {
	name      string
	eventType string
	value     interface{}
}

func newTestMonitor(src source) (*Monitor, *[]published) {
	var events []published
	m := newMonitor(src, map[string]int{"swp0": 0, "swp1": 1, "swp9": 9}, 0, func(name, eventType string, value interface{}) {
		events = append(events, published{name, eventType, value})
	})
	return m, &events
}

func mac(t *testing.T, s string) net.HardwareAddr {
	addr, err := net.ParseMAC(s)
	require.NoError(t, err)
	return addr
}

func TestResyncFdb(t *testing.T) {
	src := &fakeSource{
		links: map[string]int{"swp0": 10, "swp1": 11},
		neighs: []vn.Neigh{
			{LinkIndex: 10, State: unix.NUD_NOARP, HardwareAddr: mac(t, "00:00:00:00:00:01"), Vlan: 100},
			// learned
			{LinkIndex: 10, State: unix.NUD_REACHABLE, HardwareAddr: mac(t, "00:00:00:00:00:02"), Vlan: 100},
			// offloaded copy
			{LinkIndex: 11, State: unix.NUD_NOARP, Flags: unix.NTF_SELF, HardwareAddr: mac(t, "00:00:00:00:00:03")},
			// not a switch port
			{LinkIndex: 12, State: unix.NUD_NOARP, HardwareAddr: mac(t, "00:00:00:00:00:04")},
			{LinkIndex: 11, State: unix.NUD_PERMANENT, HardwareAddr: mac(t, "00:00:00:00:00:05")},
		},
	}
	m, events := newTestMonitor(src)

	require.NoError(t, m.Resync())
	require.Len(t, *events, 2)
	assert.Equal(t, FdbEntryAdded, (*events)[0].eventType)
	assert.Equal(t, FdbEvent{Port: 0, MAC: "00:00:00:00:00:01", Vid: 100}, (*events)[0].value)
	assert.Equal(t, "fdb/0/00:00:00:00:00:01/100", (*events)[0].name)
	assert.Equal(t, FdbEvent{Port: 1, MAC: "00:00:00:00:00:05", Vid: 0}, (*events)[1].value)

	// an unchanged poll publishes nothing
	*events = nil
	require.NoError(t, m.Resync())
	assert.Empty(t, *events)

	src.neighs = src.neighs[:1]
	require.NoError(t, m.Resync())
	require.Len(t, *events, 1)
	assert.Equal(t, FdbEntryDeleted, (*events)[0].eventType)
	assert.Equal(t, FdbEvent{Port: 1, MAC: "00:00:00:00:00:05", Vid: 0}, (*events)[0].value)
}

func TestResyncVlans(t *testing.T) {
	src := &fakeSource{
		links: map[string]int{"swp0": 10, "swp1": 11},
		vlans: map[int32][]*nl.BridgeVlanInfo{
			10: {
				{Vid: 1, Flags: nl.BRIDGE_VLAN_INFO_PVID | nl.BRIDGE_VLAN_INFO_UNTAGGED},
				{Vid: 100},
			},
			11: {{Vid: 100}},
			12: {{Vid: 200}},
		},
	}
	m, events := newTestMonitor(src)

	require.NoError(t, m.Resync())
	require.Len(t, *events, 3)
	for _, e := range *events {
		assert.Equal(t, VlanAdded, e.eventType)
	}
	assert.Equal(t, VlanEvent{Port: 0, Vid: 1, Untagged: true, Pvid: true}, (*events)[0].value)

	*events = nil
	src.vlans[11] = []*nl.BridgeVlanInfo{{Vid: 100, Flags: nl.BRIDGE_VLAN_INFO_UNTAGGED}}
	src.vlans[10] = src.vlans[10][:1]
	require.NoError(t, m.Resync())
	require.Len(t, *events, 2)
	assert.Equal(t, VlanDeleted, (*events)[0].eventType)
	assert.Equal(t, VlanEvent{Port: 0, Vid: 100}, (*events)[0].value)
	assert.Equal(t, VlanUpdated, (*events)[1].eventType)
	assert.Equal(t, VlanEvent{Port: 1, Vid: 100, Untagged: true}, (*events)[1].value)
}

func TestResyncKeepsStateOnError(t *testing.T) {
	src := &fakeSource{
		links:  map[string]int{"swp0": 10},
		neighs: []vn.Neigh{{LinkIndex: 10, State: unix.NUD_NOARP, HardwareAddr: mac(t, "00:00:00:00:00:01")}},
	}
	m, events := newTestMonitor(src)
	require.NoError(t, m.Resync())
	require.Len(t, *events, 1)

	*events = nil
	src.err = errors.New("dump interrupted")
	assert.Error(t, m.Resync())
	assert.Empty(t, *events)

	// the entry is not reported again once the dump recovers
	src.err = nil
	require.NoError(t, m.Resync())
	assert.Empty(t, *events)
}
