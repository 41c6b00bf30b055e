// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package infradb

import (
	"fmt"
	"sort"
)

// Vlan is the journaled membership of a VLAN
type Vlan struct {
	Name     string
	Vid      uint16
	Members  []int
	Untagged []int
	// Pvid lists the members using the VLAN as port VLAN id
	Pvid            []int
	ResourceVersion string
}

// VlanName returns the journal key of vid
func VlanName(vid uint16) string {
	return fmt.Sprintf("vlan/%d", vid)
}

// IsUntagged reports whether port is journaled as untagged
func (in *Vlan) IsUntagged(port int) bool {
	for _, p := range in.Untagged {
		if p == port {
			return true
		}
	}
	return false
}

// IsPvid reports whether port is journaled with the VLAN as PVID
func (in *Vlan) IsPvid(port int) bool {
	for _, p := range in.Pvid {
		if p == port {
			return true
		}
	}
	return false
}

// AddVlanPort journals port as a member of vid
func (db *InfraDB) AddVlanPort(vid uint16, port int, untagged, pvid bool) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	name := VlanName(vid)
	vlan := Vlan{}
	found, err := db.client.Get(name, &vlan)
	if err != nil {
		return err
	}
	if !found {
		vlan = Vlan{Name: name, Vid: vid}
	}
	vlan.Members, _ = addPort(vlan.Members, port)
	if untagged {
		vlan.Untagged, _ = addPort(vlan.Untagged, port)
	} else {
		vlan.Untagged, _ = removePort(vlan.Untagged, port)
	}
	if pvid {
		vlan.Pvid, _ = addPort(vlan.Pvid, port)
	} else {
		vlan.Pvid, _ = removePort(vlan.Pvid, port)
	}
	vlan.ResourceVersion = generateVersion()
	if err := db.client.Set(name, vlan); err != nil {
		return err
	}
	if !found {
		return db.addToIndex(vlansKey, name)
	}
	return nil
}

// DelVlanPort removes port from vid. The VLAN is dropped with its last
// member.
func (db *InfraDB) DelVlanPort(vid uint16, port int) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	name := VlanName(vid)
	vlan := Vlan{}
	found, err := db.client.Get(name, &vlan)
	if err != nil || !found {
		return err
	}
	var changed bool
	vlan.Members, changed = removePort(vlan.Members, port)
	if !changed {
		return nil
	}
	vlan.Untagged, _ = removePort(vlan.Untagged, port)
	vlan.Pvid, _ = removePort(vlan.Pvid, port)
	if len(vlan.Members) == 0 {
		if err := db.client.Delete(name); err != nil {
			return err
		}
		return db.removeFromIndex(vlansKey, name)
	}
	vlan.ResourceVersion = generateVersion()
	return db.client.Set(name, vlan)
}

// GetVlan returns the journaled membership of vid
func (db *InfraDB) GetVlan(vid uint16) (*Vlan, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.getVlan(VlanName(vid))
}

func (db *InfraDB) getVlan(name string) (*Vlan, error) {
	vlan := Vlan{}
	found, err := db.client.Get(name, &vlan)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return &vlan, nil
}

// GetAllVlans returns every journaled VLAN ordered by VID
func (db *InfraDB) GetAllVlans() ([]*Vlan, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	names, err := db.index(vlansKey)
	if err != nil {
		return nil, err
	}
	vlans := make([]*Vlan, 0, len(names))
	for _, name := range names {
		vlan, err := db.getVlan(name)
		if err != nil {
			return nil, fmt.Errorf("vlan %s: %w", name, err)
		}
		vlans = append(vlans, vlan)
	}
	sort.Slice(vlans, func(i, j int) bool { return vlans[i].Vid < vlans[j].Vid })
	return vlans, nil
}
