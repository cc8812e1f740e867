// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"ip6stack.dev/ip6stack/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Now implements tcpip.Clock.Now.
func (*NullClock) Now() time.Time {
	return time.Time{}
}

// AfterFunc implements tcpip.Clock.AfterFunc. The returned timer never
// fires.
func (*NullClock) AfterFunc(time.Duration, func()) tcpip.Timer {
	return nullTimer{}
}

type nullTimer struct{}

func (nullTimer) Stop() bool            { return true }
func (nullTimer) Reset(d time.Duration) {}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
//
// Work scheduled with AfterFunc runs synchronously on the goroutine calling
// Advance, in deadline order. Callbacks may schedule more work.
type ManualClock struct {
	// mu protects the fields below.
	mu sync.Mutex

	now time.Time

	// timers is a min-heap of pending timers, ordered by deadline and then
	// by creation order.
	timers timerHeap

	// seq orders timers with equal deadlines.
	seq uint64
}

// NewManualClock creates a new ManualClock instance.
func NewManualClock() *ManualClock {
	return &ManualClock{
		now: time.Unix(0, 0),
	}
}

var _ tcpip.Clock = (*ManualClock)(nil)

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

// AfterFunc implements tcpip.Clock.AfterFunc.
func (mc *ManualClock) AfterFunc(d time.Duration, f func()) tcpip.Timer {
	t := &manualTimer{clock: mc, f: f, index: -1}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.scheduleLocked(t, d)
	return t
}

// +checklocks:mc.mu
func (mc *ManualClock) scheduleLocked(t *manualTimer, d time.Duration) {
	t.until = mc.now.Add(d)
	mc.seq++
	t.seq = mc.seq
	heap.Push(&mc.timers, t)
}

// Pending returns the number of timers that have not fired or been stopped.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.timers)
}

// Advance executes all work that have been scheduled to execute within d from
// the current time. Blocks until all work has completed execution.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for len(mc.timers) > 0 && !mc.timers[0].until.After(until) {
		t := heap.Pop(&mc.timers).(*manualTimer)
		mc.now = t.until
		mc.mu.Unlock()
		t.f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	f     func()

	// The fields below are protected by clock.mu.
	until time.Time
	seq   uint64
	index int
}

var _ tcpip.Timer = (*manualTimer)(nil)

// Reset implements tcpip.Timer.Reset.
func (t *manualTimer) Reset(d time.Duration) {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&mc.timers, t.index)
	}
	mc.scheduleLocked(t, d)
}

// Stop implements tcpip.Timer.Stop.
func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.timers, t.index)
	return true
}

type timerHeap []*manualTimer

var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() int {
	return len(h)
}

func (h timerHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	t := old[len(old)-1]
	old[len(old)-1] = nil
	t.index = -1
	*h = old[:len(old)-1]
	return t
}
