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

package staticnd

import (
	"sync"
	"time"

	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

type addrKey struct {
	nic  tcpip.NICID
	addr tcpip.Address
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	// Clock schedules delayed results. Defaults to the standard clock.
	Clock tcpip.Clock

	// Delay is how long detection runs before reporting. Zero reports
	// synchronously from StartDAD.
	Delay time.Duration
}

// Prober implements stack.DADProber against a table of addresses known to
// be owned by other nodes.
type Prober struct {
	clock tcpip.Clock
	delay time.Duration

	mu      sync.Mutex
	claimed map[addrKey]struct{}
	pending map[addrKey]*probe
}

type probe struct {
	timer tcpip.Timer
	done  []func(stack.DADResult)
}

var _ stack.DADProber = (*Prober)(nil)

// NewProber returns a prober with no claimed addresses.
func NewProber(opts ProberOptions) *Prober {
	if opts.Clock == nil {
		opts.Clock = tcpip.NewStdClock()
	}
	return &Prober{
		clock:   opts.Clock,
		delay:   opts.Delay,
		claimed: make(map[addrKey]struct{}),
		pending: make(map[addrKey]*probe),
	}
}

// Claim records that another node on nic's link owns addr.
func (p *Prober) Claim(nic tcpip.NICID, addr tcpip.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimed[addrKey{nic, addr}] = struct{}{}
}

// Release undoes Claim.
func (p *Prober) Release(nic tcpip.NICID, addr tcpip.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.claimed, addrKey{nic, addr})
}

func (p *Prober) resultLocked(k addrKey) stack.DADResult {
	if _, ok := p.claimed[k]; ok {
		return stack.DADDuplicate
	}
	return stack.DADSucceeded
}

// StartDAD implements stack.DADProber.StartDAD.
func (p *Prober) StartDAD(nic tcpip.NICID, addr tcpip.Address, done func(stack.DADResult)) stack.DADResult {
	k := addrKey{nic, addr}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.pending[k]; ok {
		pr.done = append(pr.done, done)
		return stack.DADInProgress
	}
	if p.delay == 0 {
		return p.resultLocked(k)
	}
	pr := &probe{done: []func(stack.DADResult){done}}
	pr.timer = p.clock.AfterFunc(p.delay, func() {
		p.mu.Lock()
		if p.pending[k] != pr {
			p.mu.Unlock()
			return
		}
		delete(p.pending, k)
		res := p.resultLocked(k)
		p.mu.Unlock()
		for _, f := range pr.done {
			f(res)
		}
	})
	p.pending[k] = pr
	return stack.DADInProgress
}

// StopDAD implements stack.DADProber.StopDAD.
func (p *Prober) StopDAD(nic tcpip.NICID, addr tcpip.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := addrKey{nic, addr}
	if pr, ok := p.pending[k]; ok {
		pr.timer.Stop()
		delete(p.pending, k)
	}
}
