// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package netlink polls the host bridge of the switch netdevs and publishes
// the static FDB entries and VLAN memberships that changed
package netlink

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	vn "github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/opiproject/opi-netc-bridge/pkg/config"
	"github.com/opiproject/opi-netc-bridge/pkg/eventbus"
	"github.com/opiproject/opi-netc-bridge/pkg/taskmanager"
)

// Event types published by the monitor
const (
	FdbEntryAdded   = "fdb_entry_added"
	FdbEntryDeleted = "fdb_entry_deleted"
	VlanAdded       = "vlan_added"
	VlanUpdated     = "vlan_updated"
	VlanDeleted     = "vlan_deleted"
)

var fdbEvents = [3]string{FdbEntryAdded, FdbEntryAdded, FdbEntryDeleted}
var vlanEvents = [3]string{VlanAdded, VlanUpdated, VlanDeleted}

// FdbEvent is a static bridge FDB entry of a switch port
type FdbEvent struct {
	Port int
	MAC  string
	Vid  uint16
}

// Name is the task name of the entry
func (e FdbEvent) Name() string {
	return fmt.Sprintf("fdb/%d/%s/%d", e.Port, e.MAC, e.Vid)
}

// HardwareAddr parses the MAC address of the entry
func (e FdbEvent) HardwareAddr() (net.HardwareAddr, error) {
	return net.ParseMAC(e.MAC)
}

// VlanEvent is the membership of a switch port in a bridge VLAN
type VlanEvent struct {
	Port     int
	Vid      uint16
	Untagged bool
	Pvid     bool
}

// Name is the task name of the membership
func (e VlanEvent) Name() string {
	return fmt.Sprintf("vlan/%d/%d", e.Port, e.Vid)
}

// source is the part of the netlink API the monitor reads
type source interface {
	LinkByName(name string) (vn.Link, error)
	NeighList(linkIndex, family int) ([]vn.Neigh, error)
	BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error)
}

type netlinkSource struct{}

func (netlinkSource) LinkByName(name string) (vn.Link, error) { return vn.LinkByName(name) }
func (netlinkSource) NeighList(linkIndex, family int) ([]vn.Neigh, error) {
	return vn.NeighList(linkIndex, family)
}
func (netlinkSource) BridgeVlanList() (map[int32][]*nl.BridgeVlanInfo, error) {
	return vn.BridgeVlanList()
}

// PublishFunc delivers one change notification
type PublishFunc func(name, eventType string, value interface{})

// publishTask hands the notification to the task manager
func publishTask(name, eventType string, value interface{}) {
	taskmanager.TaskMan.CreateTask(name, eventType, value, eventbus.EBus.GetSubscribers(eventType))
}

// Monitor polls the host bridge state
type Monitor struct {
	src      source
	ports    map[string]int
	interval time.Duration
	publish  PublishFunc

	fdbs  map[string]interface{}
	vlans map[string]interface{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a stopped monitor of the netdevs in ports
func NewMonitor(ports map[string]int, interval time.Duration) *Monitor {
	return newMonitor(netlinkSource{}, ports, interval, publishTask)
}

func newMonitor(src source, ports map[string]int, interval time.Duration, publish PublishFunc) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		src:      src,
		ports:    ports,
		interval: interval,
		publish:  publish,
		fdbs:     make(map[string]interface{}),
		vlans:    make(map[string]interface{}),
		quit:     make(chan struct{}),
	}
}

// Init starts the monitor configured in config.GlobalConfig. It returns nil
// when the monitor is disabled.
func Init() *Monitor {
	cfg := config.GlobalConfig.Netlink
	if !cfg.Enabled {
		log.Info("netlink: monitor disabled")
		return nil
	}
	m := NewMonitor(cfg.PortMap(), time.Duration(cfg.PollInterval)*time.Second)
	m.Start()
	return m
}

// Start starts polling
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.monitor()
	log.Infof("netlink: started polling %d ports every %v", len(m.ports), m.interval)
}

// Stop stops polling and waits for the current poll to finish
func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
	log.Info("netlink: stopped polling")
}

func (m *Monitor) monitor() {
	defer m.wg.Done()
	for {
		if err := m.Resync(); err != nil {
			log.Warnf("netlink: poll failed: %v", err)
		}
		select {
		case <-m.quit:
			return
		case <-time.After(m.interval):
		}
	}
}

// Resync reads the host state, notifies the differences with the previous
// poll and keeps the new state
func (m *Monitor) Resync() error {
	links, err := m.linkIndexes()
	if err != nil {
		return err
	}
	fdbs, err := m.readFdb(links)
	if err != nil {
		return err
	}
	vlans, err := m.readVlans(links)
	if err != nil {
		return err
	}
	m.notifyChanges(fdbs, m.fdbs, fdbEvents)
	m.notifyChanges(vlans, m.vlans, vlanEvents)
	m.fdbs = fdbs
	m.vlans = vlans
	return nil
}

// linkIndexes resolves the ifindex of every configured netdev. Netdevs that
// do not exist are skipped.
func (m *Monitor) linkIndexes() (map[int]int, error) {
	links := make(map[int]int, len(m.ports))
	for name, port := range m.ports {
		link, err := m.src.LinkByName(name)
		if err != nil {
			var notFound vn.LinkNotFoundError
			if errors.As(err, &notFound) {
				log.Debugf("netlink: link %s not found", name)
				continue
			}
			return nil, fmt.Errorf("link %s: %w", name, err)
		}
		links[link.Attrs().Index] = port
	}
	return links, nil
}

func staticNeigh(n *vn.Neigh) bool {
	if n.Flags&unix.NTF_SELF != 0 {
		return false
	}
	return n.State&(unix.NUD_NOARP|unix.NUD_PERMANENT) != 0
}

func (m *Monitor) readFdb(links map[int]int) (map[string]interface{}, error) {
	neighs, err := m.src.NeighList(0, unix.AF_BRIDGE)
	if err != nil {
		return nil, fmt.Errorf("bridge fdb: %w", err)
	}
	fdbs := make(map[string]interface{})
	for i := range neighs {
		n := &neighs[i]
		port, ok := links[n.LinkIndex]
		if !ok || !staticNeigh(n) || len(n.HardwareAddr) != 6 {
			continue
		}
		e := FdbEvent{Port: port, MAC: n.HardwareAddr.String(), Vid: uint16(n.Vlan)}
		fdbs[e.Name()] = e
	}
	return fdbs, nil
}

func (m *Monitor) readVlans(links map[int]int) (map[string]interface{}, error) {
	infos, err := m.src.BridgeVlanList()
	if err != nil {
		return nil, fmt.Errorf("bridge vlan: %w", err)
	}
	vlans := make(map[string]interface{})
	for index, list := range infos {
		port, ok := links[int(index)]
		if !ok {
			continue
		}
		for _, info := range list {
			e := VlanEvent{
				Port:     port,
				Vid:      info.Vid,
				Untagged: info.EngressUntag(),
				Pvid:     info.PortVID(),
			}
			vlans[e.Name()] = e
		}
	}
	return vlans, nil
}

func sortedKeys(db map[string]interface{}) []string {
	keys := make([]string, 0, len(db))
	for k := range db {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// notifyChanges publishes event[0] for the objects only in newDB, event[1]
// for the objects whose value changed and event[2] for the objects only in
// oldDB. Deletions are published first.
func (m *Monitor) notifyChanges(newDB, oldDB map[string]interface{}, event [3]string) {
	for _, k := range sortedKeys(oldDB) {
		if _, ok := newDB[k]; !ok {
			log.Debugf("netlink: notify %s %s", event[2], k)
			m.publish(k, event[2], oldDB[k])
		}
	}
	for _, k := range sortedKeys(newDB) {
		old, ok := oldDB[k]
		switch {
		case !ok:
			log.Debugf("netlink: notify %s %s", event[0], k)
			m.publish(k, event[0], newDB[k])
		case !reflect.DeepEqual(old, newDB[k]):
			log.Debugf("netlink: notify %s %s", event[1], k)
			m.publish(k, event[1], newDB[k])
		}
	}
}
