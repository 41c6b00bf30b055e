// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package common

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestHardwareError(t *testing.T) {
	tests := map[string]struct {
		in   error
		kind error
	}{
		"deadline":        {in: context.DeadlineExceeded, kind: ErrHardwareTimeout},
		"grpc deadline":   {in: status.Error(codes.DeadlineExceeded, "slow"), kind: ErrHardwareTimeout},
		"grpc not found":  {in: status.Error(codes.NotFound, "gone"), kind: ErrNotFound},
		"grpc rejected":   {in: status.Error(codes.InvalidArgument, "bad row"), kind: ErrHardwareRejected},
		"plain":           {in: errors.New("boom"), kind: ErrHardwareRejected},
		"classified":      {in: fmt.Errorf("pool: %w", ErrResourceExhausted), kind: ErrResourceExhausted},
		"wrapped timeout": {in: fmt.Errorf("call: %w", context.DeadlineExceeded), kind: ErrHardwareTimeout},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := HardwareError("fdb add", tt.in)
			assert.ErrorIs(t, err, tt.kind)
			assert.Contains(t, err.Error(), "fdb add")
		})
	}
	assert.NoError(t, HardwareError("fdb add", nil))
}

func TestReservedVID(t *testing.T) {
	assert.True(t, IsReservedVID(StandalonePVID))
	assert.True(t, IsReservedVID(VlanUnawarePVID))
	assert.False(t, IsReservedVID(CPUPortPVID))
	assert.False(t, IsReservedVID(100))
}

func TestInvariant(t *testing.T) {
	err := Invariant("vid %d cached twice", 7)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Contains(t, err.Error(), "vid 7 cached twice")
	assert.Equal(t, uint32(0x8), PortBit(3))
}

func TestCheckPort(t *testing.T) {
	assert.NoError(t, CheckPort(0, 4))
	assert.NoError(t, CheckPort(3, 4))
	assert.ErrorIs(t, CheckPort(4, 4), ErrInvalidArgument)
	assert.ErrorIs(t, CheckPort(-1, BitmapPorts), ErrInvalidArgument)
}
