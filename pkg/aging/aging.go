// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

// Package aging runs the periodic FDB aging sweep
package aging

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opiproject/opi-netc-bridge/pkg/metrics"
)

// Sweep parameters used until an ageing time is configured
const (
	DefaultIntervalTicks       = 3
	DefaultActCnt        uint8 = 100
	// MaxActCnt is the largest activity counter of the FDB table
	MaxActCnt uint8 = 127
)

// Sweeper refreshes the activity counters and deletes the dynamic rows
// whose counter reached actCnt
type Sweeper interface {
	Age(ctx context.Context, actCnt uint8) error
}

// ComputeAgeing derives the sweep period and the activity threshold of a
// requested ageing time, so that period * actCnt covers requested and
// actCnt does not exceed maxActCnt
func ComputeAgeing(requested, tick time.Duration, maxActCnt uint8) (time.Duration, uint8) {
	if tick <= 0 {
		tick = time.Second
	}
	if maxActCnt == 0 {
		maxActCnt = 1
	}
	ticks := int64((requested + tick - 1) / tick)
	if ticks < 1 {
		ticks = 1
	}
	limit := int64(maxActCnt)
	interval := (ticks + limit - 1) / limit
	actCnt := (ticks + interval - 1) / interval
	return time.Duration(interval) * tick, uint8(actCnt)
}

// Scheduler runs a sweep every period until stopped
type Scheduler struct {
	mu        sync.Mutex
	sweeper   Sweeper
	tick      time.Duration
	maxActCnt uint8
	period    time.Duration
	actCnt    uint8

	running bool
	timer   *time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped scheduler with the default sweep parameters
func New(sweeper Sweeper, tick time.Duration, maxActCnt uint8) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	if maxActCnt == 0 {
		maxActCnt = MaxActCnt
	}
	actCnt := DefaultActCnt
	if actCnt > maxActCnt {
		actCnt = maxActCnt
	}
	return &Scheduler{
		sweeper:   sweeper,
		tick:      tick,
		maxActCnt: maxActCnt,
		period:    DefaultIntervalTicks * tick,
		actCnt:    actCnt,
	}
}

// SetAgeingTime changes the sweep parameters. The running timer is not
// touched: the new period applies from the next reschedule.
func (s *Scheduler) SetAgeingTime(requested time.Duration) {
	period, actCnt := ComputeAgeing(requested, s.tick, s.maxActCnt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.period = period
	s.actCnt = actCnt
	log.WithFields(log.Fields{"ageing": requested, "period": period, "act_cnt": actCnt}).Info("aging: parameters updated")
}

// Params returns the current sweep period and activity threshold
func (s *Scheduler) Params() (time.Duration, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period, s.actCnt
}

// Start schedules the first sweep one period from now
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.timer = time.AfterFunc(s.period, s.fire)
	log.Infof("aging: started, period %v", s.period)
}

// Stop cancels the next sweep and waits for a running one to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.timer.Stop()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("aging: stopped")
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	// sweep errors are logged by RunOnce and never stop the schedule
	_ = s.RunOnce(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.timer = time.AfterFunc(s.period, s.fire)
	}
}

// RunOnce performs one sweep with the current activity threshold
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	actCnt := s.actCnt
	s.mu.Unlock()

	err := s.sweeper.Age(ctx, actCnt)
	if err != nil {
		metrics.AgingSweeps.WithLabelValues(metrics.ResultError).Inc()
		log.Errorf("aging: sweep failed: %v", err)
		return err
	}
	metrics.AgingSweeps.WithLabelValues(metrics.ResultSuccess).Inc()
	log.WithField("act_cnt", actCnt).Trace("aging: sweep done")
	return nil
}
