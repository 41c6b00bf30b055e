// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package infradb

import (
	"fmt"
	"net"
	"sort"
)

// FdbEntry is a journaled static FDB entry
type FdbEntry struct {
	Name            string
	MAC             string
	Vid             uint16
	Ports           []int
	ResourceVersion string
}

// FdbName returns the journal key of (addr, vid)
func FdbName(addr net.HardwareAddr, vid uint16) string {
	return fmt.Sprintf("fdb/%s/%d", addr, vid)
}

// HardwareAddr parses the MAC address of the entry
func (in *FdbEntry) HardwareAddr() (net.HardwareAddr, error) {
	return net.ParseMAC(in.MAC)
}

func addPort(ports []int, port int) ([]int, bool) {
	for _, p := range ports {
		if p == port {
			return ports, false
		}
	}
	ports = append(ports, port)
	sort.Ints(ports)
	return ports, true
}

func removePort(ports []int, port int) ([]int, bool) {
	for i, p := range ports {
		if p == port {
			return append(ports[:i:i], ports[i+1:]...), true
		}
	}
	return ports, false
}

// AddFdbPort journals port as a member of the static entry (addr, vid)
func (db *InfraDB) AddFdbPort(addr net.HardwareAddr, vid uint16, port int) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	name := FdbName(addr, vid)
	entry := FdbEntry{}
	found, err := db.client.Get(name, &entry)
	if err != nil {
		return err
	}
	if !found {
		entry = FdbEntry{Name: name, MAC: addr.String(), Vid: vid}
	}
	var changed bool
	entry.Ports, changed = addPort(entry.Ports, port)
	if found && !changed {
		return nil
	}
	entry.ResourceVersion = generateVersion()
	if err := db.client.Set(name, entry); err != nil {
		return err
	}
	if !found {
		return db.addToIndex(fdbsKey, name)
	}
	return nil
}

// DelFdbPort removes port from the static entry (addr, vid). The entry is
// dropped with its last port.
func (db *InfraDB) DelFdbPort(addr net.HardwareAddr, vid uint16, port int) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	name := FdbName(addr, vid)
	entry := FdbEntry{}
	found, err := db.client.Get(name, &entry)
	if err != nil || !found {
		return err
	}
	var changed bool
	entry.Ports, changed = removePort(entry.Ports, port)
	if !changed {
		return nil
	}
	if len(entry.Ports) == 0 {
		if err := db.client.Delete(name); err != nil {
			return err
		}
		return db.removeFromIndex(fdbsKey, name)
	}
	entry.ResourceVersion = generateVersion()
	return db.client.Set(name, entry)
}

// GetFdb returns the journaled entry name
func (db *InfraDB) GetFdb(name string) (*FdbEntry, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.getFdb(name)
}

func (db *InfraDB) getFdb(name string) (*FdbEntry, error) {
	entry := FdbEntry{}
	found, err := db.client.Get(name, &entry)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return &entry, nil
}

// GetAllFdbs returns every journaled static entry ordered by name
func (db *InfraDB) GetAllFdbs() ([]*FdbEntry, error) {
	db.lock.Lock()
	defer db.lock.Unlock()

	names, err := db.index(fdbsKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	entries := make([]*FdbEntry, 0, len(names))
	for _, name := range names {
		entry, err := db.getFdb(name)
		if err != nil {
			return nil, fmt.Errorf("fdb %s: %w", name, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
