// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package storage opens the key value store backing the switch journal
package storage

import (
	"fmt"

	"github.com/philippgille/gokv"
	"github.com/philippgille/gokv/gomap"
	"github.com/philippgille/gokv/redis"
)

// Supported store types
const (
	TypeGomap = "gomap"
	TypeRedis = "redis"
)

// Store wraps a gokv store
type Store struct {
	client gokv.Store
}

// NewStore opens a store of dbtype. address is only used by redis.
func NewStore(dbtype string, address string) (*Store, error) {
	switch dbtype {
	case TypeRedis:
		options := redis.DefaultOptions
		options.Address = address
		client, err := redis.NewClient(options)
		if err != nil {
			return nil, fmt.Errorf("redis store %s: %w", address, err)
		}
		return &Store{client: client}, nil
	case TypeGomap:
		return &Store{client: gomap.NewStore(gomap.DefaultOptions)}, nil
	default:
		return nil, fmt.Errorf("unknown database type %q", dbtype)
	}
}

// GetClient returns the underlying gokv store
func (s *Store) GetClient() gokv.Store {
	return s.client
}
