// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package infradb

import (
	"net"
	"testing"
	"time"

	"github.com/philippgille/gokv/gomap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB() *InfraDB {
	return New(gomap.NewStore(gomap.DefaultOptions))
}

func TestFdbJournal(t *testing.T) {
	db := newDB()
	addr, err := net.ParseMAC("01:00:5e:00:00:01")
	require.NoError(t, err)

	require.NoError(t, db.AddFdbPort(addr, 10, 3))
	require.NoError(t, db.AddFdbPort(addr, 10, 1))
	require.NoError(t, db.AddFdbPort(addr, 10, 1))

	entry, err := db.GetFdb(FdbName(addr, 10))
	require.NoError(t, err)
	assert.Equal(t, "fdb/01:00:5e:00:00:01/10", entry.Name)
	assert.Equal(t, []int{1, 3}, entry.Ports)
	got, err := entry.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	require.NoError(t, db.DelFdbPort(addr, 10, 1))
	require.NoError(t, db.DelFdbPort(addr, 10, 7))
	all, err := db.GetAllFdbs()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []int{3}, all[0].Ports)

	require.NoError(t, db.DelFdbPort(addr, 10, 3))
	_, err = db.GetFdb(FdbName(addr, 10))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	all, err = db.GetAllFdbs()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestVlanJournal(t *testing.T) {
	db := newDB()

	require.NoError(t, db.AddVlanPort(200, 2, true, true))
	require.NoError(t, db.AddVlanPort(100, 1, false, false))
	require.NoError(t, db.AddVlanPort(200, 0, false, false))

	vlans, err := db.GetAllVlans()
	require.NoError(t, err)
	require.Len(t, vlans, 2)
	assert.Equal(t, uint16(100), vlans[0].Vid)
	assert.Equal(t, []int{0, 2}, vlans[1].Members)
	assert.True(t, vlans[1].IsUntagged(2))
	assert.True(t, vlans[1].IsPvid(2))
	assert.False(t, vlans[1].IsUntagged(0))

	// a re-add updates the flags
	require.NoError(t, db.AddVlanPort(200, 2, false, false))
	vlan, err := db.GetVlan(200)
	require.NoError(t, err)
	assert.False(t, vlan.IsUntagged(2))
	assert.False(t, vlan.IsPvid(2))

	require.NoError(t, db.DelVlanPort(200, 2))
	require.NoError(t, db.DelVlanPort(200, 0))
	_, err = db.GetVlan(200)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSettings(t *testing.T) {
	db := newDB()

	_, err := db.GetSettings()
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, db.SetAgeingTime(45*time.Second))
	s, err := db.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, s.AgeingTime)
	assert.NotEmpty(t, s.ResourceVersion)
}
