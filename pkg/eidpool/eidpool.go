// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package eidpool implements the bitmap allocator of hardware entry id groups
package eidpool

import (
	"math/bits"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
)

const wordBits = 64

// Pool hands out indexes in [0, size) from a fixed size bitmap.
// It has no lock of its own: it is only used under the lock of the
// table that owns it.
type Pool struct {
	name  string
	size  uint32
	words []uint64
	// every index below lowWater is in use
	lowWater uint32
	inUse    uint32
}

// New creates a pool with size free indexes
func New(name string, size uint32) *Pool {
	p := &Pool{
		name:  name,
		size:  size,
		words: make([]uint64, (size+wordBits-1)/wordBits),
	}
	metrics.EidPoolSize.WithLabelValues(name).Set(float64(size))
	metrics.EidPoolInUse.WithLabelValues(name).Set(0)
	return p
}

// NewFromCapacity sizes a pool from a raw hardware row count shared by
// numPorts rows per logical entry
func NewFromCapacity(name string, rawEntries, numPorts uint32) *Pool {
	if numPorts == 0 {
		return New(name, 0)
	}
	return New(name, rawEntries/numPorts)
}

// Name returns the table name the pool was created for
func (p *Pool) Name() string {
	return p.name
}

// Size returns the capacity of the pool
func (p *Pool) Size() uint32 {
	return p.size
}

// InUseCount returns the number of allocated indexes
func (p *Pool) InUseCount() uint32 {
	return p.inUse
}

// Allocate returns the lowest free index. The second result is false when
// the pool is exhausted.
func (p *Pool) Allocate() (uint32, bool) {
	for w := p.lowWater / wordBits; w < uint32(len(p.words)); w++ {
		free := ^p.words[w]
		if w == p.lowWater/wordBits {
			// ignore bits below the low water mark
			free &= ^uint64(0) << (p.lowWater % wordBits)
		}
		if free == 0 {
			continue
		}
		index := w*wordBits + uint32(bits.TrailingZeros64(free))
		if index >= p.size {
			break
		}
		p.words[w] |= 1 << (index % wordBits)
		p.lowWater = index + 1
		p.inUse++
		metrics.EidPoolInUse.WithLabelValues(p.name).Set(float64(p.inUse))
		return index, true
	}
	p.lowWater = p.size
	return 0, false
}

// Free releases an index. Releasing an index that is not allocated is a
// caller bug and is reported as an invariant violation.
func (p *Pool) Free(index uint32) error {
	if !p.IsAllocated(index) {
		return common.Invariant("%s: free of unallocated entry id %d", p.name, index)
	}
	p.words[index/wordBits] &^= 1 << (index % wordBits)
	if index < p.lowWater {
		p.lowWater = index
	}
	p.inUse--
	metrics.EidPoolInUse.WithLabelValues(p.name).Set(float64(p.inUse))
	return nil
}

// IsAllocated reports whether index is currently handed out
func (p *Pool) IsAllocated(index uint32) bool {
	if index >= p.size {
		return false
	}
	return p.words[index/wordBits]&(1<<(index%wordBits)) != 0
}
