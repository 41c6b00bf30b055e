// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package infradb journals the administratively configured switch state so
// that it can be replayed after a restart
package infradb

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/gokv"
	log "github.com/sirupsen/logrus"

	"github.com/opiproject/opi-netc-bridge/pkg/storage"
)

var infradb *InfraDB

// ErrKeyNotFound is returned when a journal object does not exist
var ErrKeyNotFound = errors.New("key not found")

// index keys listing the names of every journaled object of a kind
const (
	fdbsKey     = "fdbs"
	vlansKey    = "vlans"
	settingsKey = "settings"
)

// InfraDB is the journal
type InfraDB struct {
	client gokv.Store
	lock   sync.Mutex
}

// Settings are the switch wide journaled values
type Settings struct {
	AgeingTime      time.Duration
	ResourceVersion string
}

// NewInfraDB opens the process wide journal
func NewInfraDB(address string, dbtype string) error {
	store, err := storage.NewStore(dbtype, address)
	if err != nil {
		return err
	}
	infradb = New(store.GetClient())
	log.Infof("infradb: using %s store", dbtype)
	return nil
}

// New creates a journal on top of client
func New(client gokv.Store) *InfraDB {
	return &InfraDB{client: client}
}

// Get returns the process wide journal, nil before NewInfraDB
func Get() *InfraDB {
	return infradb
}

// Close closes the process wide journal
func Close() error {
	if infradb == nil {
		return nil
	}
	return infradb.client.Close()
}

func generateVersion() string {
	return uuid.NewString()
}

// addToIndex records name in the index map stored at key
func (db *InfraDB) addToIndex(key, name string) error {
	index := make(map[string]bool)
	if _, err := db.client.Get(key, &index); err != nil {
		return err
	}
	index[name] = false
	return db.client.Set(key, index)
}

func (db *InfraDB) removeFromIndex(key, name string) error {
	index := make(map[string]bool)
	found, err := db.client.Get(key, &index)
	if err != nil || !found {
		return err
	}
	delete(index, name)
	return db.client.Set(key, index)
}

func (db *InfraDB) index(key string) ([]string, error) {
	index := make(map[string]bool)
	found, err := db.client.Get(key, &index)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	return names, nil
}

// SetAgeingTime journals the FDB ageing time
func (db *InfraDB) SetAgeingTime(ageing time.Duration) error {
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.client.Set(settingsKey, Settings{AgeingTime: ageing, ResourceVersion: generateVersion()})
}

// GetSettings returns the journaled switch settings
func (db *InfraDB) GetSettings() (Settings, error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	var s Settings
	found, err := db.client.Get(settingsKey, &s)
	if err != nil {
		return s, err
	}
	if !found {
		return s, ErrKeyNotFound
	}
	return s, nil
}
