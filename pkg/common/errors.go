// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package common contains the error kinds and identifiers shared by the
// switch table managers
package common

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrResourceExhausted is returned when an entry id pool is full
	ErrResourceExhausted = errors.New("no space left in table")
	// ErrHardwareRejected is returned when the table engine refused a row
	ErrHardwareRejected = errors.New("hardware rejected request")
	// ErrHardwareTimeout is returned when a table command did not complete in time
	ErrHardwareTimeout = errors.New("hardware command timed out")
	// ErrNotFound is returned when a key is absent from a shadow table
	ErrNotFound = errors.New("entry not found")
	// ErrInvariantViolation marks an internal bookkeeping bug
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInvalidArgument is returned for out of range ports or VLAN ids
	ErrInvalidArgument = errors.New("invalid argument")
)

// NullEntryID is the hardware "no entry" identifier
const NullEntryID uint32 = 0xFFFFFFFF

// Reserved VLAN ids
const (
	StandalonePVID  uint16 = 0
	CPUPortPVID     uint16 = 1
	VlanUnawarePVID uint16 = 4095
	MaxVID          uint16 = 4095
)

// IsReservedVID reports whether the VLAN is exempt from egress tagging rules
func IsReservedVID(vid uint16) bool {
	return vid == StandalonePVID || vid == VlanUnawarePVID
}

var kinds = []error{
	ErrResourceExhausted,
	ErrHardwareRejected,
	ErrHardwareTimeout,
	ErrNotFound,
	ErrInvariantViolation,
	ErrInvalidArgument,
}

// classified reports whether err already carries one of the error kinds
func classified(err error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// HardwareError wraps an error returned by a table engine call with the
// matching error kind
func HardwareError(op string, err error) error {
	if err == nil {
		return nil
	}
	if classified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrHardwareTimeout, err)
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, ErrHardwareTimeout, err)
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrHardwareRejected, err)
}

// Invariant builds an ErrInvariantViolation error
func Invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// PortBit returns the bitmap bit of a port
func PortBit(port int) uint32 {
	return 1 << uint(port)
}

// BitmapPorts is the width of the port bitmaps
const BitmapPorts = 32

// CheckPort returns ErrInvalidArgument when port is outside [0, numPorts)
func CheckPort(port, numPorts int) error {
	if port < 0 || port >= numPorts {
		return fmt.Errorf("port %d out of range [0, %d): %w", port, numPorts, ErrInvalidArgument)
	}
	return nil
}
