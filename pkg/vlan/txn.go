// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package vlan

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
)

type undoStep struct {
	desc string
	fn   func(ctx context.Context) error
}

// txn records the undo action of every completed step of a multi table
// update so that a failing step can unwind the ones before it
type txn struct {
	id   string
	vid  uint16
	port int
	undo []undoStep
}

func newTxn(vid uint16, port int) *txn {
	return &txn{id: uuid.NewString(), vid: vid, port: port}
}

// push registers the action that reverts the step just completed
func (x *txn) push(desc string, fn func(ctx context.Context) error) {
	x.undo = append(x.undo, undoStep{desc: desc, fn: fn})
}

// rollback runs the undo actions in reverse order. A failing action does
// not stop the ones after it.
func (x *txn) rollback(ctx context.Context) error {
	if len(x.undo) == 0 {
		return nil
	}
	metrics.VlanRollbacks.Inc()
	// the caller's deadline may be what failed the transaction
	ctx = context.WithoutCancel(ctx)

	var errs error
	for i := len(x.undo) - 1; i >= 0; i-- {
		step := x.undo[i]
		if err := step.fn(ctx); err != nil {
			log.WithFields(log.Fields{"txn": x.id, "vid": x.vid, "port": x.port}).Errorf("vlan: rollback step %q failed: %v", step.desc, err)
			errs = multierr.Append(errs, err)
		}
	}
	x.undo = nil
	if errs == nil {
		log.WithFields(log.Fields{"txn": x.id, "vid": x.vid, "port": x.port}).Info("vlan: transaction rolled back")
	}
	return errs
}
