// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package tableengine defines the interface of the hardware table engine the
// switch managers program, and the row formats of its tables
package tableengine

import (
	"context"
	"net"
)

// FdbKey is the key element of an FDB table row
type FdbKey struct {
	MacAddr [6]byte
	Fid     uint16
}

// NewFdbKey builds an FDB key from a MAC address and a filtering id
func NewFdbKey(addr net.HardwareAddr, fid uint16) FdbKey {
	var k FdbKey
	copy(k.MacAddr[:], addr)
	k.Fid = fid
	return k
}

// HardwareAddr returns the MAC address of the key
func (k FdbKey) HardwareAddr() net.HardwareAddr {
	addr := make(net.HardwareAddr, 6)
	copy(addr, k.MacAddr[:])
	return addr
}

// FdbConfig is the configuration element of an FDB table row
type FdbConfig struct {
	PortBitmap uint32
	Dynamic    bool
	EtEID      uint32
}

// FdbEntry is an FDB row as reported by the engine
type FdbEntry struct {
	EntryID uint32
	Key     FdbKey
	Config  FdbConfig
	// ActCnt is the activity counter maintained by the engine
	ActCnt uint8
}

// MAC learning options of a VLAN filter row
const (
	MloNotOverride uint8 = iota
	MloDisable
	MloHW
)

// MAC forwarding options of a VLAN filter row
const (
	MfoNoMatchFlood uint8 = iota
	MfoNoMatchDiscard
)

// VlanFilterConfig is the configuration element of a VLAN filter row
type VlanFilterConfig struct {
	PortBitmap    uint32
	StgID         uint8
	Fid           uint16
	Mlo           uint8
	Mfo           uint8
	EtaPortBitmap uint32
	EtEID         uint32
}

// Egress VLAN tag actions of an egress treatment row
const (
	VlanActionNone uint8 = iota
	VlanActionDelOuterTag
)

// EgressTransformConfig is the configuration element of an egress treatment
// row
type EgressTransformConfig struct {
	VlanAction uint8
	// FrameLenChange is the two's complement byte delta applied to the frame
	FrameLenChange int8
	// CountEnabled selects whether EcEID is incremented for every frame
	CountEnabled bool
	EcEID        uint32
}

// EgressCounters are the statistics of an egress counter row
type EgressCounters struct {
	Frames uint64
	Bytes  uint64
}

// Buffer pool flow control modes
const (
	FlowControlDisabled uint8 = iota
	FlowControlBufferPool
	FlowControlSharedPool
	FlowControlBoth
)

// BufferPoolConfig is the configuration element of a buffer pool row
type BufferPoolConfig struct {
	FlowControlMode uint8
	FcOnThresh      uint16
	FcOffThresh     uint16
	FcPorts         uint32
}

// Capabilities describe the table resources of a switch
type Capabilities struct {
	EttEntries     uint32
	EctEntries     uint32
	BufferPools    uint32
	MaxActivityCnt uint8
}

// FdbTable is the hash table of MAC addresses
type FdbTable interface {
	Add(ctx context.Context, key FdbKey, cfg FdbConfig) (uint32, error)
	Update(ctx context.Context, entryID uint32, cfg FdbConfig) error
	Delete(ctx context.Context, entryID uint32) error
	Query(ctx context.Context, entryID uint32) (FdbEntry, error)
	// SearchPort returns the first row at or after resume whose port bitmap
	// contains port, and the resume id of the next search. The entry is
	// nil when the search is exhausted; next is NullEntryID when no rows
	// are left after the returned one.
	SearchPort(ctx context.Context, port int, resume uint32) (*FdbEntry, uint32, error)
	// UpdateActivity refreshes the activity counters of the dynamic rows
	UpdateActivity(ctx context.Context) error
	// DeleteAging deletes the dynamic rows whose activity counter reached actCnt
	DeleteAging(ctx context.Context, actCnt uint8) error
	// DeletePortDynamic deletes the dynamic rows learned on port
	DeletePortDynamic(ctx context.Context, port int) error
}

// VlanTable is the VLAN filter table
type VlanTable interface {
	Add(ctx context.Context, vid uint16, cfg VlanFilterConfig) (uint32, error)
	Update(ctx context.Context, entryID uint32, cfg VlanFilterConfig) error
	Delete(ctx context.Context, entryID uint32) error
	Query(ctx context.Context, entryID uint32) (VlanFilterConfig, error)
}

// EgressTransformTable is the index table of egress treatments
type EgressTransformTable interface {
	Add(ctx context.Context, entryID uint32, cfg EgressTransformConfig) error
	Update(ctx context.Context, entryID uint32, cfg EgressTransformConfig) error
	Delete(ctx context.Context, entryID uint32) error
	Query(ctx context.Context, entryID uint32) (EgressTransformConfig, error)
}

// EgressCounterTable is the static index table of egress counters
type EgressCounterTable interface {
	Reset(ctx context.Context, entryID uint32) error
	Query(ctx context.Context, entryID uint32) (EgressCounters, error)
}

// BufferPoolTable is the static index table of buffer pools
type BufferPoolTable interface {
	Update(ctx context.Context, index uint32, cfg BufferPoolConfig) error
	Query(ctx context.Context, index uint32) (BufferPoolConfig, error)
}

// Engine is a hardware table engine
type Engine interface {
	Capabilities(ctx context.Context) (Capabilities, error)
	FDB() FdbTable
	VLAN() VlanTable
	EgressTransform() EgressTransformTable
	EgressCounter() EgressCounterTable
	BufferPool() BufferPoolTable
	Close() error
}
