// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package p4driverapi

import (
	"encoding/binary"
	"fmt"

	binarypack "github.com/roman-kachanovsky/go-binary-pack/binary-pack"

	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

// Row configurations travel as one "cfg" action parameter packed in the
// little endian layout of the switch command buffers.
var (
	fdbFormat        = []string{"I", "?", "I"}
	vlanFormat       = []string{"I", "H", "H", "H", "H", "I", "I"}
	egressFormat     = []string{"H", "H", "?", "I"}
	bufferPoolFormat = []string{"H", "H", "H", "I"}
)

func pack(format []string, values []interface{}) ([]byte, error) {
	bp := new(binarypack.BinaryPack)
	data, err := bp.Pack(format, values)
	if err != nil {
		return nil, fmt.Errorf("pack %v: %w", format, err)
	}
	return data, nil
}

// unpack decodes data, restoring the leading zero bytes the P4Runtime
// server strips from canonical byte strings
func unpack(format []string, data []byte) ([]interface{}, error) {
	bp := new(binarypack.BinaryPack)
	size, err := bp.CalcSize(format)
	if err != nil {
		return nil, err
	}
	if len(data) > size {
		return nil, fmt.Errorf("unpack %v: %d bytes, want %d", format, len(data), size)
	}
	values, err := bp.UnPack(format, padLeft(data, size))
	if err != nil {
		return nil, fmt.Errorf("unpack %v: %w", format, err)
	}
	return values, nil
}

func padLeft(data []byte, size int) []byte {
	if len(data) >= size {
		return data
	}
	out := make([]byte, size)
	copy(out[size-len(data):], data)
	return out
}

func asUint(v interface{}) uint32 {
	switch n := v.(type) {
	case int:
		return uint32(n)
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func asBool(v interface{}) bool {
	switch b := v.(type) {
	case bool:
		return b
	case int:
		return b != 0
	}
	return false
}

func encodeFdbConfig(cfg tableengine.FdbConfig) ([]byte, error) {
	return pack(fdbFormat, []interface{}{int(cfg.PortBitmap), cfg.Dynamic, int(cfg.EtEID)})
}

func decodeFdbConfig(data []byte) (tableengine.FdbConfig, error) {
	v, err := unpack(fdbFormat, data)
	if err != nil {
		return tableengine.FdbConfig{}, err
	}
	return tableengine.FdbConfig{
		PortBitmap: asUint(v[0]),
		Dynamic:    asBool(v[1]),
		EtEID:      asUint(v[2]),
	}, nil
}

func encodeVlanConfig(cfg tableengine.VlanFilterConfig) ([]byte, error) {
	return pack(vlanFormat, []interface{}{
		int(cfg.PortBitmap), int(cfg.StgID), int(cfg.Fid), int(cfg.Mlo), int(cfg.Mfo),
		int(cfg.EtaPortBitmap), int(cfg.EtEID),
	})
}

func decodeVlanConfig(data []byte) (tableengine.VlanFilterConfig, error) {
	v, err := unpack(vlanFormat, data)
	if err != nil {
		return tableengine.VlanFilterConfig{}, err
	}
	return tableengine.VlanFilterConfig{
		PortBitmap:    asUint(v[0]),
		StgID:         uint8(asUint(v[1])),
		Fid:           uint16(asUint(v[2])),
		Mlo:           uint8(asUint(v[3])),
		Mfo:           uint8(asUint(v[4])),
		EtaPortBitmap: asUint(v[5]),
		EtEID:         asUint(v[6]),
	}, nil
}

func encodeEgressConfig(cfg tableengine.EgressTransformConfig) ([]byte, error) {
	return pack(egressFormat, []interface{}{
		int(cfg.VlanAction), int(uint8(cfg.FrameLenChange)), cfg.CountEnabled, int(cfg.EcEID),
	})
}

func decodeEgressConfig(data []byte) (tableengine.EgressTransformConfig, error) {
	v, err := unpack(egressFormat, data)
	if err != nil {
		return tableengine.EgressTransformConfig{}, err
	}
	return tableengine.EgressTransformConfig{
		VlanAction:     uint8(asUint(v[0])),
		FrameLenChange: int8(uint8(asUint(v[1]))),
		CountEnabled:   asBool(v[2]),
		EcEID:          asUint(v[3]),
	}, nil
}

func encodeBufferPoolConfig(cfg tableengine.BufferPoolConfig) ([]byte, error) {
	return pack(bufferPoolFormat, []interface{}{
		int(cfg.FlowControlMode), int(cfg.FcOnThresh), int(cfg.FcOffThresh), int(cfg.FcPorts),
	})
}

func decodeBufferPoolConfig(data []byte) (tableengine.BufferPoolConfig, error) {
	v, err := unpack(bufferPoolFormat, data)
	if err != nil {
		return tableengine.BufferPoolConfig{}, err
	}
	return tableengine.BufferPoolConfig{
		FlowControlMode: uint8(asUint(v[0])),
		FcOnThresh:      uint16(asUint(v[1])),
		FcOffThresh:     uint16(asUint(v[2])),
		FcPorts:         asUint(v[3]),
	}, nil
}

// Match fields are big endian, as P4Runtime bitstrings are

func uint16toBytes(val uint16) []byte {
	return []byte{byte(val >> 8), byte(val)}
}

func uint32toBytes(num uint32) []byte {
	bytes := make([]byte, 4)
	binary.BigEndian.PutUint32(bytes, num)
	return bytes
}

func bytesToUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(padLeft(b, 2))
}

func bytesToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(padLeft(b, 4))
}

func decodeFdbKey(mac, fid []byte) (tableengine.FdbKey, error) {
	if len(mac) > 6 || len(fid) > 2 {
		return tableengine.FdbKey{}, fmt.Errorf("fdb key: mac %d bytes, fid %d bytes", len(mac), len(fid))
	}
	var k tableengine.FdbKey
	copy(k.MacAddr[:], padLeft(mac, 6))
	k.Fid = bytesToUint16(fid)
	return k, nil
}
