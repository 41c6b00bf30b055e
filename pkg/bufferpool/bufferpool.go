// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package bufferpool maintains the flow control configuration of the switch
// buffer pools
package bufferpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
	"github.com/opiproject/opi-netc-bridge/pkg/tableengine"
)

const tableName = "bpt"

// Default flow control watermarks of every pool
const (
	DefaultFcOnThresh  uint16 = 0xb43
	DefaultFcOffThresh uint16 = 0x3c3
)

// Thresholds are the flow control watermarks applied to every pool
type Thresholds struct {
	FcOn  uint16
	FcOff uint16
}

// Controller owns the buffer pool rows
type Controller struct {
	mu      sync.Mutex
	pools   []tableengine.BufferPoolConfig
	hw      tableengine.BufferPoolTable
	timeout time.Duration
}

// NewController creates the configuration of numPools pools. Zero
// thresholds fall back to the defaults. Nothing is pushed before Setup.
func NewController(hw tableengine.BufferPoolTable, numPools uint32, th Thresholds, timeout time.Duration) *Controller {
	if th.FcOn == 0 {
		th.FcOn = DefaultFcOnThresh
	}
	if th.FcOff == 0 {
		th.FcOff = DefaultFcOffThresh
	}
	pools := make([]tableengine.BufferPoolConfig, numPools)
	for i := range pools {
		pools[i] = tableengine.BufferPoolConfig{
			FlowControlMode: tableengine.FlowControlBufferPool,
			FcOnThresh:      th.FcOn,
			FcOffThresh:     th.FcOff,
		}
	}
	return &Controller{pools: pools, hw: hw, timeout: timeout}
}

func (c *Controller) push(ctx context.Context, index int) error {
	var cctx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	err := c.hw.Update(cctx, uint32(index), c.pools[index])
	metrics.ObserveOp(tableName, "update", err)
	if err != nil {
		log.WithField("pool", index).Warnf("bufferpool: failed to update pool: %v", err)
		return common.HardwareError(fmt.Sprintf("bpt update %d", index), err)
	}
	return nil
}

// pushAll writes every pool. A failing pool does not stop the others.
func (c *Controller) pushAll(ctx context.Context) error {
	var errs error
	for i := range c.pools {
		errs = multierr.Append(errs, c.push(ctx, i))
	}
	return errs
}

// Setup writes the initial configuration of every pool
func (c *Controller) Setup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushAll(ctx)
}

// SetPortPause adds port to, or removes it from, the flow control ports of
// every pool. The returned error aggregates the pools that failed.
func (c *Controller) SetPortPause(ctx context.Context, port int, enabled bool) error {
	if err := common.CheckPort(port, common.BitmapPorts); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	bit := common.PortBit(port)
	for i := range c.pools {
		if enabled {
			c.pools[i].FcPorts |= bit
		} else {
			c.pools[i].FcPorts &^= bit
		}
	}
	log.WithFields(log.Fields{"port": port, "enabled": enabled}).Debug("bufferpool: tx pause")
	return c.pushAll(ctx)
}

// NumPools returns the number of pools
func (c *Controller) NumPools() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}

// Pool returns the configuration of pool index
func (c *Controller) Pool(index int) (tableengine.BufferPoolConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.pools) {
		return tableengine.BufferPoolConfig{}, false
	}
	return c.pools[index], true
}
