// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package taskmanager

// TaskQueue is the buffered queue of pending tasks
type TaskQueue struct {
	channel chan *Task
}

// NewTaskQueue creates an empty queue
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		channel: make(chan *Task, 200),
	}
}

// Enqueue adds a task, blocking while the queue is full
func (q *TaskQueue) Enqueue(task *Task) {
	q.channel <- task
}

// Dequeue removes the oldest task, blocking while the queue is empty
func (q *TaskQueue) Dequeue() *Task {
	return <-q.channel
}
