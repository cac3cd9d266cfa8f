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

package framepool

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t testing.TB, n int) *Pool {
	p, err := New(n, DefaultFrameSize)
	require.NoError(t, err)
	return p
}

func overlap(a, b []byte) bool {
	a0 := uintptr(unsafe.Pointer(unsafe.SliceData(a)))
	b0 := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return a0 < b0+uintptr(cap(b)) && b0 < a0+uintptr(cap(a))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		frameSize int
		maxOrder  int
		wantErr   bool
	}{
		{"valid", 64, DefaultFrameSize, 15, false},
		{"odd_count", 37, 512, 15, false},
		{"small_max_order", 16, 64, 2, false},
		{"zero_frames", 0, DefaultFrameSize, 15, true},
		{"negative_frames", -1, DefaultFrameSize, 15, true},
		{"frame_not_pow2", 16, 1000, 15, true},
		{"frame_zero", 16, 0, 15, true},
		{"overflow", int(^uint(0) >> 2), DefaultFrameSize, 15, true},
		{"bad_max_order", 16, 64, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewWithMaxOrder(tt.n, tt.frameSize, tt.maxOrder)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.n, p.Frames())
			assert.Equal(t, tt.frameSize, p.FrameSize())
			assert.Equal(t, tt.maxOrder, p.MaxOrder())
			assert.Equal(t, tt.n*tt.frameSize, p.Available())
		})
	}
}

func TestAllocOrder(t *testing.T) {
	p := newTestPool(t, 32)

	b := p.AllocOrder(2)
	require.NotNil(t, b)
	assert.Equal(t, 4*DefaultFrameSize, len(b))
	assert.Equal(t, 4*DefaultFrameSize, cap(b))
	assert.Equal(t, 28, p.FreeFrames())

	idx, ok := p.FrameIndex(b)
	require.True(t, ok)
	assert.Zero(t, idx%4)

	for i := range b {
		b[i] = byte(i)
	}

	p.Free(b)
	assert.Equal(t, 32, p.FreeFrames())

	assert.Nil(t, p.AllocOrder(-1))
	assert.Nil(t, p.AllocOrder(p.MaxOrder()))
	assert.Nil(t, p.AllocOrder(6)) // 64 frames > 32
}

func TestAlloc(t *testing.T) {
	p := newTestPool(t, 64)

	tests := []struct {
		size    int
		wantCap int
	}{
		{1, DefaultFrameSize},
		{DefaultFrameSize, DefaultFrameSize},
		{DefaultFrameSize + 1, 2 * DefaultFrameSize},
		{3 * DefaultFrameSize, 4 * DefaultFrameSize},
		{5 * DefaultFrameSize, 8 * DefaultFrameSize},
		{64 * DefaultFrameSize, 64 * DefaultFrameSize},
	}
	for _, tt := range tests {
		b := p.Alloc(tt.size)
		require.NotNil(t, b, "size=%d", tt.size)
		assert.Equal(t, tt.size, len(b))
		assert.Equal(t, tt.wantCap, cap(b))
		p.Free(b)
	}
	assert.Equal(t, 64, p.FreeFrames())

	assert.Nil(t, p.Alloc(0))
	assert.Nil(t, p.Alloc(-1))
	assert.Nil(t, p.Alloc(64*DefaultFrameSize+1))
}

func TestAllocExhaustion(t *testing.T) {
	p := newTestPool(t, 40)

	var blocks [][]byte
	for {
		b := p.Alloc(100)
		if b == nil {
			break
		}
		blocks = append(blocks, b)
	}
	assert.Len(t, blocks, 40)
	assert.Zero(t, p.Available())
	for i := 1; i < len(blocks); i++ {
		assert.False(t, overlap(blocks[0], blocks[i]))
	}

	for _, b := range blocks {
		p.Free(b)
	}
	assert.Equal(t, 40*DefaultFrameSize, p.Available())
	large := p.AllocOrder(5)
	require.NotNil(t, large)
	assert.Equal(t, 32*DefaultFrameSize, len(large))
}

func TestAddr(t *testing.T) {
	p := newTestPool(t, 16)
	base, ok := p.Addr(p.arena)
	require.True(t, ok)

	b := p.AllocOrder(0)
	require.NotNil(t, b)
	idx, ok := p.FrameIndex(b)
	require.True(t, ok)
	addr, ok := p.Addr(b)
	require.True(t, ok)
	assert.Equal(t, base+uintptr(idx*DefaultFrameSize), addr)
	off, ok := p.Offset(b)
	require.True(t, ok)
	assert.Equal(t, idx*DefaultFrameSize, off)

	_, ok = p.Addr(make([]byte, 10))
	assert.False(t, ok)
	_, ok = p.Offset(nil)
	assert.False(t, ok)
	_, ok = p.FrameIndex(nil)
	assert.False(t, ok)
}

func TestFreeInvalid(t *testing.T) {
	p := newTestPool(t, 16)

	assert.NotPanics(t, func() { p.Free(nil) })
	assert.NotPanics(t, func() { p.Free([]byte{}) })

	assert.Panics(t, func() { p.Free(make([]byte, DefaultFrameSize)) }, "outside")
	assert.Panics(t, func() { p.Free(p.arena[100:DefaultFrameSize]) }, "misaligned")
	assert.Panics(t, func() { p.Free(p.arena[:DefaultFrameSize:DefaultFrameSize]) }, "never allocated")

	b := p.AllocOrder(1)
	require.NotNil(t, b)
	assert.Panics(t, func() { p.Free(b[:10:DefaultFrameSize]) }, "cap mismatch")
	assert.NotPanics(t, func() { p.Free(b) })
	assert.Panics(t, func() { p.Free(b) }, "double free")
	assert.Equal(t, 16, p.FreeFrames())
}

func TestReset(t *testing.T) {
	p := newTestPool(t, 24)
	for p.AllocOrder(0) != nil {
	}
	assert.Zero(t, p.FreeFrames())
	p.Reset()
	assert.Equal(t, 24, p.FreeFrames())
	require.NoError(t, p.buddy.CheckInvariants())
}

func TestConcurrentAllocFree(t *testing.T) {
	p := newTestPool(t, 1000)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held [][]byte
			for i := 0; i < 2000; i++ {
				if len(held) > 0 && rng.Intn(2) == 0 {
					n := rng.Intn(len(held))
					b := held[n]
					// the block is still ours
					for j := range b {
						if b[j] != byte(seed) {
							t.Errorf("block corrupted at %d", j)
							return
						}
					}
					p.Free(b)
					held[n] = held[len(held)-1]
					held = held[:len(held)-1]
					continue
				}
				b := p.Alloc(1 + rng.Intn(4*DefaultFrameSize))
				if b == nil {
					continue
				}
				for j := range b {
					b[j] = byte(seed)
				}
				held = append(held, b)
			}
			for _, b := range held {
				p.Free(b)
			}
		}(int64(g))
	}
	wg.Wait()

	assert.Equal(t, 1000, p.FreeFrames())
	require.NoError(t, p.buddy.CheckInvariants())
}

func TestNewMapped(t *testing.T) {
	p, err := NewMapped(64, DefaultFrameSize)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, p.Close())
		// closing twice is fine
		assert.NoError(t, p.Close())
	}()

	b := p.AllocOrder(3)
	require.NotNil(t, b)
	for i := range b {
		b[i] = 0xAB
	}
	assert.Equal(t, byte(0xAB), b[len(b)-1])
	assert.Equal(t, 56, p.FreeFrames())
	p.Free(b)
	assert.Equal(t, 64, p.FreeFrames())

	_, err = NewMapped(0, DefaultFrameSize)
	assert.Error(t, err)
}

func TestCloseHeapArena(t *testing.T) {
	p := newTestPool(t, 4)
	assert.NoError(t, p.Close())
}

func BenchmarkAllocFree(b *testing.B) {
	p := newTestPool(b, 1<<14)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := p.Alloc(1 << (10 + i&3))
		p.Free(buf)
	}
}
