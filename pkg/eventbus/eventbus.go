// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package eventbus fans change notifications out to the modules that
// subscribed to them
package eventbus

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// EBus is the process wide event bus
var EBus = NewEventBus()

// EventBus holds the subscribers of every event type
type EventBus struct {
	subscribers   map[string][]*Subscriber
	eventHandlers map[string]EventHandler
	mutex         sync.RWMutex
}

// Subscriber is a module listening to one event type
type Subscriber struct {
	Name     string
	Ch       chan interface{}
	Quit     chan bool
	Priority int
}

// EventHandler processes the notifications of a subscriber
type EventHandler interface {
	HandleEvent(eventType string, objectData *ObjectData)
}

// ObjectData is the notification sent to a subscriber
type ObjectData struct {
	Name           string
	NotificationID string
	// Value is the changed object
	Value interface{}
}

// NewEventBus creates an event bus without subscribers
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers:   make(map[string][]*Subscriber),
		eventHandlers: make(map[string]EventHandler),
	}
}

func handlerKey(moduleName, eventType string) string {
	return moduleName + "." + eventType
}

// StartSubscriber registers moduleName for eventType and starts delivering
// the notifications to eventHandler
func (e *EventBus) StartSubscriber(moduleName, eventType string, priority int, eventHandler EventHandler) *Subscriber {
	subscriber := e.Subscribe(moduleName, eventType, priority, eventHandler)

	go func() {
		for {
			select {
			case event, ok := <-subscriber.Ch:
				if !ok {
					return
				}
				log.Debugf("eventbus: subscriber %s for %s received event", moduleName, eventType)

				handler, found := e.handler(moduleName, eventType)
				if !found {
					log.Errorf("eventbus: no event handler for %s", handlerKey(moduleName, eventType))
					continue
				}
				objectData, ok := event.(*ObjectData)
				if !ok {
					log.Errorf("eventbus: unexpected event type %T for %s", event, moduleName)
					continue
				}
				handler.HandleEvent(eventType, objectData)
			case <-subscriber.Quit:
				return
			}
		}
	}()
	return subscriber
}

func (e *EventBus) handler(moduleName, eventType string) (EventHandler, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	h, ok := e.eventHandlers[handlerKey(moduleName, eventType)]
	return h, ok
}

// Subscribe registers a subscriber for eventType. Subscribers are kept in
// priority order, the lowest value first.
func (e *EventBus) Subscribe(moduleName, eventType string, priority int, eventHandler EventHandler) *Subscriber {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	subscriber := &Subscriber{
		Name:     moduleName,
		Ch:       make(chan interface{}, 1),
		Quit:     make(chan bool, 1),
		Priority: priority,
	}

	e.subscribers[eventType] = append(e.subscribers[eventType], subscriber)
	e.eventHandlers[handlerKey(moduleName, eventType)] = eventHandler

	sort.SliceStable(e.subscribers[eventType], func(i, j int) bool {
		return e.subscribers[eventType][i].Priority < e.subscribers[eventType][j].Priority
	})

	log.Infof("eventbus: subscriber %s registered for event %s with priority %d", moduleName, eventType, priority)
	return subscriber
}

// GetSubscribers returns the subscribers of eventType in priority order
func (e *EventBus) GetSubscribers(eventType string) []*Subscriber {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	subs := make([]*Subscriber, len(e.subscribers[eventType]))
	copy(subs, e.subscribers[eventType])
	return subs
}

// Publish sends objectData to one subscriber
func (e *EventBus) Publish(objectData *ObjectData, subscriber *Subscriber) {
	subscriber.Ch <- objectData
}

// UnsubscribeEvent removes subscriber from eventType and stops it
func (e *EventBus) UnsubscribeEvent(subscriber *Subscriber, eventType string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	subscribers, ok := e.subscribers[eventType]
	if !ok {
		return
	}
	for i, sub := range subscribers {
		if sub == subscriber {
			e.subscribers[eventType] = append(subscribers[:i:i], subscribers[i+1:]...)
			delete(e.eventHandlers, handlerKey(subscriber.Name, eventType))
			subscriber.Quit <- true
			log.Infof("eventbus: subscriber %s is unsubscribed for event %s", subscriber.Name, eventType)
			break
		}
	}
	if len(e.subscribers[eventType]) == 0 {
		delete(e.subscribers, eventType)
	}
}
