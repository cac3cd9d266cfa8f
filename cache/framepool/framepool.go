/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package framepool hands out power-of-two runs of fixed-size frames from one byte arena.
//
// Frames are tracked by a buddy allocator whose bookkeeping lives in a descriptor per
// frame, so allocation and free never touch the Go heap. A Pool is safe for concurrent use.
package framepool

import (
	"fmt"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/framekit/container/ilist"
	"github.com/cloudwego/framekit/unsafex/malloc"
)

// DefaultFrameSize is the default frame size (4KB).
const DefaultFrameSize = 4 << 10

// frame is the descriptor of one frame of the arena.
type frame struct {
	link  ilist.Link
	order uint8
	used  bool
}

func (f *frame) Link() *ilist.Link { return &f.link }
func (f *frame) IsUsed() bool      { return f.used }
func (f *frame) MarkUsed()         { f.used = true }
func (f *frame) MarkFree()         { f.used = false }
func (f *frame) Order() int        { return int(f.order) }
func (f *frame) SetOrder(o int)    { f.order = uint8(o) }

// Pool is a frame allocator over a contiguous arena.
type Pool struct {
	mu sync.Mutex

	arena      []byte
	arenaStart unsafe.Pointer
	// unmap releases a mapped arena, nil for heap arenas.
	unmap func() error

	frameSize  int
	frameShift int

	frames []frame
	buddy  *malloc.BuddyAllocator[frame, *frame]
}

// New creates a pool of n frames of frameSize bytes backed by a heap arena.
func New(n, frameSize int) (*Pool, error) {
	return NewWithMaxOrder(n, frameSize, malloc.DefaultMaxOrder)
}

// NewWithMaxOrder is like New, allocations may span up to 2^(maxOrder-1) frames.
func NewWithMaxOrder(n, frameSize, maxOrder int) (*Pool, error) {
	if err := validate(n, frameSize); err != nil {
		return nil, err
	}
	// frames are handed out like fresh physical memory, no need to zero them
	arena := dirtmake.Bytes(n*frameSize, n*frameSize)
	return newPool(arena, nil, n, frameSize, maxOrder)
}

// NewMapped is like New, but the arena is mapped outside of the Go heap where the
// platform supports it. Close must be called to release it.
func NewMapped(n, frameSize int) (*Pool, error) {
	if err := validate(n, frameSize); err != nil {
		return nil, err
	}
	arena, unmap, err := mapArena(n * frameSize)
	if err != nil {
		return nil, fmt.Errorf("framepool: map arena: %w", err)
	}
	return newPool(arena, unmap, n, frameSize, malloc.DefaultMaxOrder)
}

func validate(n, frameSize int) error {
	if frameSize <= 0 || frameSize&(frameSize-1) != 0 {
		return fmt.Errorf("framepool: frameSize must be a power of two, got %d", frameSize)
	}
	if n <= 0 {
		return fmt.Errorf("framepool: frame count must be > 0, got %d", n)
	}
	if n > int(^uint(0)>>1)/frameSize {
		return fmt.Errorf("framepool: %d frames of %d bytes overflow the arena size", n, frameSize)
	}
	return nil
}

func newPool(arena []byte, unmap func() error, n, frameSize, maxOrder int) (*Pool, error) {
	p := &Pool{
		arena:      arena,
		arenaStart: unsafe.Pointer(&arena[0]),
		unmap:      unmap,
		frameSize:  frameSize,
		frameShift: bits.TrailingZeros(uint(frameSize)),
		frames:     make([]frame, n),
	}
	b, err := malloc.NewBuddyAllocatorWithMaxOrder[frame](p.frames, maxOrder)
	if err != nil {
		if unmap != nil {
			_ = unmap()
		}
		return nil, err
	}
	p.buddy = b
	return p, nil
}

// AllocOrder allocates 2^order contiguous frames.
// It returns nil if order is out of range or no such run is free.
func (p *Pool) AllocOrder(order int) []byte {
	p.mu.Lock()
	i, ok := p.buddy.Allocate(order)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	off := i << p.frameShift
	end := off + p.frameSize<<order
	return p.arena[off:end:end]
}

// Alloc allocates the smallest run of frames holding size bytes.
// The returned slice has len size and the run's size as cap.
// It returns nil if size <= 0 or no run is large enough.
func (p *Pool) Alloc(size int) []byte {
	if size <= 0 {
		return nil
	}
	n := (size-1)>>p.frameShift + 1
	b := p.AllocOrder(bits.Len(uint(n - 1)))
	if b == nil {
		return nil
	}
	return b[:size]
}

// Free returns a block from Alloc or AllocOrder to the pool.
// Panics if the block doesn't belong to the pool or is already free.
// The block must not be resliced from the front before calling Free.
func (p *Pool) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	off, ok := p.offset(b)
	if !ok {
		panic("framepool: block not in arena")
	}
	if off&(p.frameSize-1) != 0 {
		panic("framepool: misaligned block")
	}
	i := off >> p.frameShift

	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.buddy.Get(i)
	if !f.IsUsed() {
		panic("framepool: double free or invalid block")
	}
	if cap(b) != p.frameSize<<f.Order() {
		panic("framepool: block size mismatch")
	}
	p.buddy.Free(i)
}

func (p *Pool) offset(b []byte) (int, bool) {
	if cap(b) == 0 {
		return 0, false
	}
	start := uintptr(p.arenaStart)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if addr < start || addr-start >= uintptr(len(p.arena)) {
		return 0, false
	}
	return int(addr - start), true
}

// Offset returns the offset of b's first byte in the arena.
func (p *Pool) Offset(b []byte) (int, bool) {
	return p.offset(b)
}

// Addr returns the address of b's first byte, that is arena base + frame index * frame size
// for blocks returned by the pool.
func (p *Pool) Addr(b []byte) (uintptr, bool) {
	off, ok := p.offset(b)
	if !ok {
		return 0, false
	}
	return uintptr(p.arenaStart) + uintptr(off), true
}

// FrameIndex returns the index of the frame b starts in.
func (p *Pool) FrameIndex(b []byte) (int, bool) {
	off, ok := p.offset(b)
	if !ok {
		return -1, false
	}
	return off >> p.frameShift, true
}

// Available returns the number of free bytes.
func (p *Pool) Available() int {
	return p.FreeFrames() << p.frameShift
}

// FreeFrames returns the number of free frames.
func (p *Pool) FreeFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buddy.CountFreeObjs()
}

// FrameSize returns the size of a frame in bytes.
func (p *Pool) FrameSize() int {
	return p.frameSize
}

// Frames returns the number of frames in the pool.
func (p *Pool) Frames() int {
	return len(p.frames)
}

// MaxOrder returns the bound on orders accepted by AllocOrder.
func (p *Pool) MaxOrder() int {
	return p.buddy.MaxOrder()
}

// Reset frees every frame. Blocks handed out before must no longer be used.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.buddy.Reset()
	p.mu.Unlock()
}

// Close releases a mapped arena. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unmap == nil {
		return nil
	}
	err := p.unmap()
	p.unmap = nil
	return err
}
