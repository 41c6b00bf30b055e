// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package netcswitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opiproject/opi-netc-bridge/pkg/common"
	"github.com/opiproject/opi-netc-bridge/pkg/eventbus"
	"github.com/opiproject/opi-netc-bridge/pkg/netlink"
	"github.com/opiproject/opi-netc-bridge/pkg/taskmanager"
)

// ModuleName is the subscriber name of the switch on the event bus
const ModuleName = "netcswitch"

const defaultEventTimeout = 10 * time.Second

var events = []string{
	netlink.FdbEntryAdded,
	netlink.FdbEntryDeleted,
	netlink.VlanAdded,
	netlink.VlanUpdated,
	netlink.VlanDeleted,
}

// ModuleEventHandler applies the host bridge notifications to the switch
type ModuleEventHandler struct {
	sw      *Switch
	tm      *taskmanager.TaskManager
	timeout time.Duration
}

// SubscribeEvents registers the switch for the host bridge notifications of
// bus. Results are reported to tm.
func (s *Switch) SubscribeEvents(bus *eventbus.EventBus, tm *taskmanager.TaskManager, priority int) []*eventbus.Subscriber {
	h := &ModuleEventHandler{sw: s, tm: tm, timeout: defaultEventTimeout}
	subs := make([]*eventbus.Subscriber, 0, len(events))
	for _, event := range events {
		subs = append(subs, bus.StartSubscriber(ModuleName, event, priority, h))
	}
	return subs
}

// HandleEvent applies one notification and reports its status. Invalid
// notifications are dropped, other failures are retried by the task
// manager.
func (h *ModuleEventHandler) HandleEvent(eventType string, objectData *eventbus.ObjectData) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	comp := &taskmanager.Component{Name: ModuleName, CompStatus: taskmanager.ComponentStatusSuccess}
	drop := false
	if err := h.apply(ctx, eventType, objectData.Value); err != nil {
		comp.CompStatus = taskmanager.ComponentStatusError
		comp.Details = err.Error()
		drop = errors.Is(err, common.ErrInvalidArgument)
		log.WithFields(log.Fields{"event": eventType, "name": objectData.Name}).Errorf("netcswitch: %v", err)
	}
	h.tm.StatusUpdated(objectData.Name, eventType, objectData.NotificationID, drop, comp)
}

func (h *ModuleEventHandler) apply(ctx context.Context, eventType string, value interface{}) error {
	switch v := value.(type) {
	case netlink.FdbEvent:
		addr, err := v.HardwareAddr()
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
		}
		switch eventType {
		case netlink.FdbEntryAdded:
			return h.sw.FdbAdd(ctx, v.Port, addr, v.Vid)
		case netlink.FdbEntryDeleted:
			return h.sw.FdbDel(ctx, v.Port, addr, v.Vid)
		}
	case netlink.VlanEvent:
		switch eventType {
		case netlink.VlanAdded, netlink.VlanUpdated:
			return h.sw.VlanAdd(ctx, v.Port, v.Vid, v.Untagged, v.Pvid)
		case netlink.VlanDeleted:
			return h.sw.VlanDel(ctx, v.Port, v.Vid)
		}
	}
	return fmt.Errorf("%w: %s with %T", common.ErrInvalidArgument, eventType, value)
}
