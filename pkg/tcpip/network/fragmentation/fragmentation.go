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

// Package fragmentation implements IPv6 fragment reassembly.
//
// In-progress datagrams are kept in a fixed arena of fragment nodes addressed
// by integer handles. Each datagram is a list of fragments ordered by offset;
// the first node of that list (the head) also carries the bookkeeping of the
// datagram and links it into the list of in-progress datagrams.
package fragmentation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"ip6stack.dev/ip6stack/pkg/log"
	"ip6stack.dev/ip6stack/pkg/tcpip"
	"ip6stack.dev/ip6stack/pkg/tcpip/buffer"
	"ip6stack.dev/ip6stack/pkg/tcpip/header"
	"ip6stack.dev/ip6stack/pkg/tcpip/stack"
)

const (
	// DefaultReassembleTimeout is the reassembly timeout used when none is
	// configured.
	DefaultReassembleTimeout = 60 * time.Second

	// MinReassembleTimeout and MaxReassembleTimeout bound the reassembly
	// timeout.
	MinReassembleTimeout = time.Second
	MaxReassembleTimeout = 120 * time.Second

	// DefaultMaxLists is the default number of datagrams that may be under
	// reassembly at once.
	DefaultMaxLists = 8

	// DefaultMaxFragments is the default number of fragments buffered across
	// all datagrams.
	DefaultMaxFragments = 64

	// fragmentAlignment is the size of a fragment offset unit. Every
	// fragment but the last carries a multiple of it.
	fragmentAlignment = header.IPv6FragmentExtHdrFragmentOffsetBytesPerUnit
)

var (
	// ErrInvalidArgs indicates an invalid argument.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrFragmentEmpty indicates a fragment without payload.
	ErrFragmentEmpty = errors.New("empty fragment")

	// ErrFragmentMisaligned indicates a non-terminal fragment whose payload
	// is not a multiple of 8 bytes.
	ErrFragmentMisaligned = errors.New("misaligned fragment")

	// ErrFragmentTooLarge indicates a fragment that would make the
	// reassembled payload exceed the maximum payload length.
	ErrFragmentTooLarge = errors.New("reassembled payload too large")

	// ErrFragmentOverlap indicates overlapping fragments. The datagram is
	// discarded.
	ErrFragmentOverlap = errors.New("overlapping fragments")

	// ErrFragmentConflict indicates fragments that disagree on the total
	// length of the datagram. The datagram is discarded.
	ErrFragmentConflict = errors.New("conflicting fragments")

	// ErrDuplicateFragment indicates a fragment at an offset that is already
	// queued. Only the duplicate is dropped.
	ErrDuplicateFragment = errors.New("duplicate fragment")

	// ErrNoResources indicates the reassembler had no room for the
	// fragment. Only the arriving fragment is dropped.
	ErrNoResources = errors.New("reassembly resources exhausted")
)

// FragmentID identifies a datagram under reassembly.
type FragmentID struct {
	Source      tcpip.Address
	Destination tcpip.Address
	ID          uint32
}

func (id FragmentID) String() string {
	return fmt.Sprintf("%s->%s/%#x", id.Source, id.Destination, id.ID)
}

// TimeoutHandler is notified when reassembly of a datagram times out after
// its first fragment arrived.
type TimeoutHandler interface {
	// OnReassemblyTimeout is called without the reassembly lock held. first
	// is the packet that carried the fragment at offset 0.
	OnReassemblyTimeout(first *stack.PacketBuffer)
}

// Config holds the reassembler limits.
type Config struct {
	// Timeout is the reassembly timeout of new datagrams.
	Timeout time.Duration

	// MaxLists is the number of datagrams that may be in progress at once.
	MaxLists int

	// MaxFragments is the number of fragments buffered across all
	// datagrams.
	MaxFragments int
}

// Validate fills in defaults for zero fields and checks the rest.
func (c *Config) Validate() error {
	if c.Timeout == 0 {
		c.Timeout = DefaultReassembleTimeout
	}
	if c.MaxLists == 0 {
		c.MaxLists = DefaultMaxLists
	}
	if c.MaxFragments == 0 {
		c.MaxFragments = DefaultMaxFragments
	}
	if c.Timeout < MinReassembleTimeout || c.Timeout > MaxReassembleTimeout {
		return fmt.Errorf("reassembly timeout %s not in [%s, %s]: %w", c.Timeout, MinReassembleTimeout, MaxReassembleTimeout, ErrInvalidArgs)
	}
	if c.MaxLists < 0 || c.MaxFragments < 0 {
		return fmt.Errorf("negative reassembly limits: %w", ErrInvalidArgs)
	}
	return nil
}

// Fragment is a received fragment.
type Fragment struct {
	ID FragmentID

	// Offset is the offset of Data in the reassembled payload, in bytes.
	Offset int

	// More is the M flag.
	More bool

	// ExtLen is the length of the extension headers between the fixed
	// header and the Fragment header.
	ExtLen int

	// NextHeader is the Next Header field of the Fragment header.
	NextHeader uint8

	// NextHeaderOffset is the offset, from the start of the fixed header, of
	// the byte that names the Fragment header.
	NextHeaderOffset int

	// Data is the fragmentable part carried by this fragment.
	Data buffer.VectorisedView

	// Pkt is the packet that carried the fragment. It is retained only for
	// the fragment at offset 0.
	Pkt *stack.PacketBuffer
}

// Result is a reassembled datagram.
type Result struct {
	// Data is the reassembled fragmentable part.
	Data buffer.VectorisedView

	// First is the packet that carried the fragment at offset 0.
	First *stack.PacketBuffer

	// ExtLen, NextHeader and NextHeaderOffset are taken from the fragment
	// at offset 0.
	ExtLen           int
	NextHeader       uint8
	NextHeaderOffset int
}

type handle int32

const nilHandle handle = -1

// listState is the bookkeeping of one datagram. It lives in the head node of
// the datagram's fragment list.
type listState struct {
	id FragmentID

	// prevList and nextList link heads into the in-progress list.
	prevList handle
	nextList handle

	// tail is the last fragment of the datagram.
	tail handle

	// received is the number of payload bytes queued.
	received int

	// total is the length of the reassembled payload, or -1 until the
	// terminal fragment arrived.
	total int

	timer tcpip.Timer

	// seq identifies the datagram to its timer, since the head handle
	// changes when the datagram is re-homed.
	seq uint64
}

type node struct {
	// prev and next link fragments of one datagram by offset. next also
	// links the free list.
	prev handle
	next handle

	offset     int
	size       int
	more       bool
	extLen     int
	nextHeader uint8
	nhOffset   int
	data       buffer.VectorisedView
	pkt        *stack.PacketBuffer

	isHead bool
	list   listState
}

func (n *node) end() int {
	return n.offset + n.size
}

// Fragmentation is a fragment reassembler.
//
// Process, SetTimeout and the accessors must be called with the lock passed
// to New held. Timers acquire the same lock.
type Fragmentation struct {
	mu      sync.Locker
	clock   tcpip.Clock
	handler TimeoutHandler
	stats   *tcpip.ReassemblyStats

	timeout  time.Duration
	maxLists int

	arena     []node
	free      handle
	firstList handle
	lastList  handle
	numLists  int
	numFrags  int
	seq       uint64
}

// New creates a reassembler. mu guards the reassembler and is acquired by
// timer callbacks. handler may be nil.
func New(mu sync.Locker, clock tcpip.Clock, c Config, stats *tcpip.ReassemblyStats, handler TimeoutHandler) (*Fragmentation, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if stats == nil {
		s := tcpip.Stats{}.FillIn()
		stats = &s.Reassembly
	}
	f := &Fragmentation{
		mu:        mu,
		clock:     clock,
		handler:   handler,
		stats:     stats,
		timeout:   c.Timeout,
		maxLists:  c.MaxLists,
		arena:     make([]node, c.MaxFragments),
		free:      nilHandle,
		firstList: nilHandle,
		lastList:  nilHandle,
	}
	for i := len(f.arena) - 1; i >= 0; i-- {
		f.arena[i].next = f.free
		f.free = handle(i)
	}
	return f, nil
}

// SetTimeout sets the reassembly timeout of datagrams started afterwards.
func (f *Fragmentation) SetTimeout(d time.Duration) error {
	if d < MinReassembleTimeout || d > MaxReassembleTimeout {
		return fmt.Errorf("reassembly timeout %s not in [%s, %s]: %w", d, MinReassembleTimeout, MaxReassembleTimeout, ErrInvalidArgs)
	}
	f.timeout = d
	return nil
}

// Timeout returns the reassembly timeout.
func (f *Fragmentation) Timeout() time.Duration {
	return f.timeout
}

// Lists returns the number of datagrams under reassembly.
func (f *Fragmentation) Lists() int {
	return f.numLists
}

// Fragments returns the number of buffered fragments.
func (f *Fragmentation) Fragments() int {
	return f.numFrags
}

// Process queues frag. When it completes a datagram, the reassembled
// datagram is returned with done set.
//
// An atomic fragment (offset 0, M clear) is returned as is without touching
// any in-progress datagram.
func (f *Fragmentation) Process(frag Fragment) (res Result, done bool, err error) {
	f.stats.FragmentsReceived.Increment()

	size := frag.Data.Size()
	if frag.Offset == 0 && !frag.More {
		return Result{
			Data:             frag.Data,
			First:            frag.Pkt,
			ExtLen:           frag.ExtLen,
			NextHeader:       frag.NextHeader,
			NextHeaderOffset: frag.NextHeaderOffset,
		}, true, nil
	}
	if size == 0 {
		f.stats.MalformedFragmentsReceived.Increment()
		return Result{}, false, ErrFragmentEmpty
	}
	if frag.More && size%fragmentAlignment != 0 {
		f.stats.MalformedFragmentsReceived.Increment()
		return Result{}, false, ErrFragmentMisaligned
	}

	h := f.findLocked(frag.ID)
	if frag.ExtLen+frag.Offset+size > header.IPv6MaximumPayloadSize {
		f.stats.MalformedFragmentsReceived.Increment()
		if h != nilHandle {
			f.discardLocked(h)
		}
		return Result{}, false, ErrFragmentTooLarge
	}
	if h == nilHandle {
		return Result{}, false, f.newListLocked(frag, size)
	}
	return f.insertLocked(h, frag, size)
}

// findLocked returns the head of the datagram identified by id.
func (f *Fragmentation) findLocked(id FragmentID) handle {
	for h := f.firstList; h != nilHandle; h = f.arena[h].list.nextList {
		if f.arena[h].list.id == id {
			return h
		}
	}
	return nilHandle
}

func (f *Fragmentation) allocLocked(frag Fragment, size int) handle {
	h := f.free
	if h == nilHandle {
		return nilHandle
	}
	n := &f.arena[h]
	f.free = n.next
	*n = node{
		prev:       nilHandle,
		next:       nilHandle,
		offset:     frag.Offset,
		size:       size,
		more:       frag.More,
		extLen:     frag.ExtLen,
		nextHeader: frag.NextHeader,
		nhOffset:   frag.NextHeaderOffset,
		data:       frag.Data,
	}
	if frag.Offset == 0 {
		n.pkt = frag.Pkt
	}
	f.numFrags++
	return h
}

func (f *Fragmentation) freeLocked(h handle) {
	f.arena[h] = node{next: f.free, prev: nilHandle}
	f.free = h
	f.numFrags--
}

func (f *Fragmentation) newListLocked(frag Fragment, size int) error {
	if f.numLists >= f.maxLists {
		f.stats.FragmentsDroppedNoSpace.Increment()
		return ErrNoResources
	}
	h := f.allocLocked(frag, size)
	if h == nilHandle {
		f.stats.FragmentsDroppedNoSpace.Increment()
		return ErrNoResources
	}

	f.seq++
	id, seq := frag.ID, f.seq
	n := &f.arena[h]
	n.isHead = true
	n.list = listState{
		id:       id,
		prevList: f.lastList,
		nextList: nilHandle,
		tail:     h,
		received: size,
		total:    -1,
		seq:      seq,
	}
	if !frag.More {
		n.list.total = n.end()
	}
	n.list.timer = f.clock.AfterFunc(f.timeout, func() {
		f.handleTimeout(id, seq)
	})

	if f.lastList != nilHandle {
		f.arena[f.lastList].list.nextList = h
	} else {
		f.firstList = h
	}
	f.lastList = h
	f.numLists++
	return nil
}

func (f *Fragmentation) insertLocked(head handle, frag Fragment, size int) (Result, bool, error) {
	l := &f.arena[head].list
	end := frag.Offset + size

	// Find the first fragment at or after the new one.
	succ := head
	for succ != nilHandle && f.arena[succ].offset < frag.Offset {
		succ = f.arena[succ].next
	}
	if succ != nilHandle && f.arena[succ].offset == frag.Offset {
		f.stats.DuplicateFragmentsDropped.Increment()
		return Result{}, false, ErrDuplicateFragment
	}

	switch {
	case !frag.More && l.total >= 0 && l.total != end:
		// A second terminal fragment with a different total.
		f.discardLocked(head)
		return Result{}, false, ErrFragmentConflict
	case !frag.More && f.arena[l.tail].end() > end:
		// Fragments beyond the terminal fragment.
		f.discardLocked(head)
		return Result{}, false, ErrFragmentConflict
	case frag.More && l.total >= 0 && end > l.total:
		f.discardLocked(head)
		return Result{}, false, ErrFragmentConflict
	}

	pred := l.tail
	if succ != nilHandle {
		pred = f.arena[succ].prev
	}
	if pred != nilHandle && f.arena[pred].end() > frag.Offset {
		f.discardLocked(head)
		return Result{}, false, ErrFragmentOverlap
	}
	if succ != nilHandle && end > f.arena[succ].offset {
		f.discardLocked(head)
		return Result{}, false, ErrFragmentOverlap
	}

	h := f.allocLocked(frag, size)
	if h == nilHandle {
		f.stats.FragmentsDroppedNoSpace.Increment()
		return Result{}, false, ErrNoResources
	}
	n := &f.arena[h]
	n.prev = pred
	n.next = succ
	if succ != nilHandle {
		f.arena[succ].prev = h
	}
	if pred != nilHandle {
		f.arena[pred].next = h
	}
	if succ == head {
		f.rehomeLocked(head, h)
		head = h
	}
	l = &f.arena[head].list
	if succ == nilHandle {
		l.tail = h
	}
	l.received += size
	if !frag.More {
		l.total = end
	}

	if l.total < 0 || l.received != l.total {
		return Result{}, false, nil
	}

	first := &f.arena[head]
	if first.extLen+l.total > header.IPv6MaximumPayloadSize {
		f.discardLocked(head)
		return Result{}, false, ErrFragmentTooLarge
	}
	res := Result{
		Data:             buffer.NewVectorisedView(0, nil),
		First:            first.pkt,
		ExtLen:           first.extLen,
		NextHeader:       first.nextHeader,
		NextHeaderOffset: first.nhOffset,
	}
	for c := head; c != nilHandle; c = f.arena[c].next {
		res.Data.Append(f.arena[c].data)
	}
	f.releaseLocked(head)
	f.stats.Completed.Increment()
	return res, true, nil
}

// rehomeLocked moves the bookkeeping of a datagram from its old head to the
// fragment that now precedes it.
func (f *Fragmentation) rehomeLocked(from, to handle) {
	src, dst := &f.arena[from], &f.arena[to]
	dst.isHead = true
	dst.list = src.list
	src.isHead = false
	src.list = listState{}

	if p := dst.list.prevList; p != nilHandle {
		f.arena[p].list.nextList = to
	} else {
		f.firstList = to
	}
	if n := dst.list.nextList; n != nilHandle {
		f.arena[n].list.prevList = to
	} else {
		f.lastList = to
	}
}

// releaseLocked unlinks the datagram headed by head, stops its timer and
// frees its fragments.
func (f *Fragmentation) releaseLocked(head handle) {
	l := f.arena[head].list
	if l.timer != nil {
		l.timer.Stop()
	}
	if l.prevList != nilHandle {
		f.arena[l.prevList].list.nextList = l.nextList
	} else {
		f.firstList = l.nextList
	}
	if l.nextList != nilHandle {
		f.arena[l.nextList].list.prevList = l.prevList
	} else {
		f.lastList = l.prevList
	}
	f.numLists--

	for h := head; h != nilHandle; {
		next := f.arena[h].next
		f.freeLocked(h)
		h = next
	}
}

func (f *Fragmentation) discardLocked(head handle) {
	log.Debugf("fragmentation: discarding %s", f.arena[head].list.id)
	f.releaseLocked(head)
	f.stats.ListsDiscarded.Increment()
}

func (f *Fragmentation) handleTimeout(id FragmentID, seq uint64) {
	f.mu.Lock()
	h := f.findLocked(id)
	if h == nilHandle || f.arena[h].list.seq != seq {
		// Completed or discarded before the timer fired.
		f.mu.Unlock()
		return
	}
	var first *stack.PacketBuffer
	if f.arena[h].offset == 0 {
		first = f.arena[h].pkt
	}
	f.releaseLocked(h)
	f.stats.Timeouts.Increment()
	f.mu.Unlock()

	if first != nil && f.handler != nil {
		f.handler.OnReassemblyTimeout(first)
	}
}
