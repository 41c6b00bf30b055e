// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package taskmanager delivers change notifications to their subscribers
// one task at a time and requeues the tasks a subscriber failed to apply
package taskmanager

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/opiproject/opi-netc-bridge/pkg/eventbus"
)

// Retry timer bounds of failed tasks
const (
	InitialRetryTimer = 2 * time.Second
	MaxRetryTimer     = time.Minute
)

// default wait for a subscriber to report the status of a notification
const defaultStatusTimeout = 30 * time.Second

// TaskMan is the process wide task manager
var TaskMan = NewTaskManager(eventbus.EBus)

// ComponentStatus is the result of a subscriber processing a task
type ComponentStatus int

// Component statuses
const (
	ComponentStatusUnspecified ComponentStatus = iota + 1
	ComponentStatusPending
	ComponentStatusSuccess
	ComponentStatusError
)

// Component is the status a subscriber reports for a task
type Component struct {
	Name       string
	CompStatus ComponentStatus
	Details    string
	// Timer overrides the retry delay of a failed task when set
	Timer time.Duration
}

// TaskManager processes the task queue
type TaskManager struct {
	bus            *eventbus.EventBus
	taskQueue      *TaskQueue
	taskStatusChan chan *TaskStatus
	statusTimeout  time.Duration
	quit           chan struct{}
}

// Task is one notification to deliver to a list of subscribers
type Task struct {
	name       string
	eventType  string
	value      interface{}
	subIndex   int
	retryTimer time.Duration
	subs       []*eventbus.Subscriber
}

// TaskStatus is the answer of a subscriber to one notification
type TaskStatus struct {
	name           string
	eventType      string
	notificationID string
	dropTask       bool
	component      *Component
}

// NewTaskManager creates a stopped task manager publishing on bus
func NewTaskManager(bus *eventbus.EventBus) *TaskManager {
	return &TaskManager{
		bus:            bus,
		taskQueue:      NewTaskQueue(),
		taskStatusChan: make(chan *TaskStatus),
		statusTimeout:  defaultStatusTimeout,
		quit:           make(chan struct{}),
	}
}

// NextRetryTimer doubles a retry timer within the retry bounds
func NextRetryTimer(prev time.Duration) time.Duration {
	if prev <= 0 {
		return InitialRetryTimer
	}
	next := prev * 2
	if next > MaxRetryTimer {
		next = MaxRetryTimer
	}
	return next
}

// StartTaskManager starts processing the queue
func (t *TaskManager) StartTaskManager() {
	go t.processTasks()
	log.Info("taskmanager: started")
}

// StopTaskManager stops processing the queue after the current task
func (t *TaskManager) StopTaskManager() {
	close(t.quit)
}

// CreateTask queues a notification of eventType for subs
func (t *TaskManager) CreateTask(name, eventType string, value interface{}, subs []*eventbus.Subscriber) {
	if len(subs) == 0 {
		log.Debugf("taskmanager: no subscribers for %s %s", eventType, name)
		return
	}
	task := &Task{
		name:      name,
		eventType: eventType,
		value:     value,
		subs:      subs,
	}
	// the queue may be full, only the goroutine blocks then
	go t.taskQueue.Enqueue(task)
	log.Debugf("taskmanager: task created for %s %s", eventType, name)
}

// StatusUpdated reports the result of notification notificationID
func (t *TaskManager) StatusUpdated(name, eventType, notificationID string, dropTask bool, component *Component) {
	taskStatus := &TaskStatus{
		name:           name,
		eventType:      eventType,
		notificationID: notificationID,
		dropTask:       dropTask,
		component:      component,
	}
	select {
	case t.taskStatusChan <- taskStatus:
	case <-t.quit:
	}
}

func (t *TaskManager) requeue(task *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-t.quit:
		default:
			t.taskQueue.Enqueue(task)
		}
	})
}

// waitStatus waits for the status of notificationID. Statuses of older
// notifications are discarded. nil means the subscriber did not answer.
func (t *TaskManager) waitStatus(notificationID string) *TaskStatus {
	timeout := time.NewTimer(t.statusTimeout)
	defer timeout.Stop()
	for {
		select {
		case taskStatus := <-t.taskStatusChan:
			if taskStatus.notificationID == notificationID {
				return taskStatus
			}
			log.Debugf("taskmanager: discarding stale status %s", taskStatus.notificationID)
		case <-timeout.C:
			return nil
		case <-t.quit:
			return nil
		}
	}
}

func (t *TaskManager) processTasks() {
	for {
		var task *Task
		select {
		case task = <-t.taskQueue.channel:
		case <-t.quit:
			log.Info("taskmanager: stopped")
			return
		}
		t.processTask(task)
	}
}

func (t *TaskManager) processTask(task *Task) {
	for task.subIndex < len(task.subs) {
		sub := task.subs[task.subIndex]
		objectData := &eventbus.ObjectData{
			Name:           task.name,
			NotificationID: uuid.NewString(),
			Value:          task.value,
		}
		t.bus.Publish(objectData, sub)

		taskStatus := t.waitStatus(objectData.NotificationID)
		if taskStatus == nil {
			log.Warnf("taskmanager: no status from %s for %s %s, requeueing", sub.Name, task.eventType, task.name)
			t.requeue(task, 0)
			return
		}
		if taskStatus.dropTask {
			log.Infof("taskmanager: %s dropped %s %s", sub.Name, task.eventType, task.name)
			return
		}
		if taskStatus.component != nil && taskStatus.component.CompStatus == ComponentStatusSuccess {
			task.subIndex++
			task.retryTimer = 0
			continue
		}

		if taskStatus.component != nil && taskStatus.component.Timer > 0 {
			task.retryTimer = taskStatus.component.Timer
		} else {
			task.retryTimer = NextRetryTimer(task.retryTimer)
		}
		log.Warnf("taskmanager: %s failed %s %s, retry in %v", sub.Name, task.eventType, task.name, task.retryTimer)
		t.requeue(task, task.retryTimer)
		return
	}
	log.Debugf("taskmanager: %s %s done", task.eventType, task.name)
}
