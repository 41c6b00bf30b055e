// SPDX-License-Identifier: Apache-2.0
// Copyright (C) 2023 Nordix Foundation.

package aging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSweeper struct {
	mu      sync.Mutex
	actCnts []uint8
	err     error
}

func (r *recordingSweeper) Age(_ context.Context, actCnt uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actCnts = append(r.actCnts, actCnt)
	return r.err
}

func (r *recordingSweeper) sweeps() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint8(nil), r.actCnts...)
}

func TestComputeAgeing(t *testing.T) {
	tests := map[string]struct {
		requested time.Duration
		max       uint8
		period    time.Duration
		actCnt    uint8
	}{
		"three seconds":   {3 * time.Second, 127, time.Second, 3},
		"thirty seconds":  {30 * time.Second, 100, time.Second, 30},
		"default":         {300 * time.Second, 127, 3 * time.Second, 100},
		"above maximum":   {1000 * time.Second, 100, 10 * time.Second, 100},
		"zero":            {0, 127, time.Second, 1},
		"sub second":      {1500 * time.Millisecond, 127, time.Second, 2},
		"one above limit": {101 * time.Second, 100, 2 * time.Second, 51},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			period, actCnt := ComputeAgeing(tt.requested, time.Second, tt.max)
			assert.Equal(t, tt.period, period)
			assert.Equal(t, tt.actCnt, actCnt)
			assert.LessOrEqual(t, actCnt, tt.max)
			assert.GreaterOrEqual(t, period*time.Duration(actCnt), tt.requested)
		})
	}
}

func TestComputeAgeingCoversRequest(t *testing.T) {
	for secs := 1; secs <= 2000; secs++ {
		requested := time.Duration(secs) * time.Second
		period, actCnt := ComputeAgeing(requested, time.Second, 100)
		require.LessOrEqual(t, actCnt, uint8(100), "%v", requested)
		require.GreaterOrEqual(t, period*time.Duration(actCnt), requested, "%v", requested)
	}
}

func TestDefaults(t *testing.T) {
	s := New(&recordingSweeper{}, time.Second, 0)
	period, actCnt := s.Params()
	assert.Equal(t, 3*time.Second, period)
	assert.Equal(t, DefaultActCnt, actCnt)

	s = New(&recordingSweeper{}, time.Second, 50)
	_, actCnt = s.Params()
	assert.Equal(t, uint8(50), actCnt)
}

func TestSchedulerSweepsUntilStopped(t *testing.T) {
	sw := &recordingSweeper{err: errors.New("engine busy")}
	s := New(sw, time.Millisecond, 127)

	s.Start(context.Background())
	// failed sweeps are rescheduled too
	require.Eventually(t, func() bool { return len(sw.sweeps()) >= 3 }, 2*time.Second, time.Millisecond)
	s.Stop()

	n := len(sw.sweeps())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(sw.sweeps()))
	s.Stop()
}

func TestSetAgeingTimeAppliesToNextSweep(t *testing.T) {
	sw := &recordingSweeper{}
	s := New(sw, time.Millisecond, 127)
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	s.SetAgeingTime(10 * time.Millisecond)
	require.NoError(t, s.RunOnce(ctx))

	assert.Equal(t, []uint8{DefaultActCnt, 10}, sw.sweeps())
}
