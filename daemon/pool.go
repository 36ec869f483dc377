// pool.go - Bounded buffer pool.
// Copyright (C) 2024  Nyx Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package daemon

import (
	"sync"

	"github.com/nyxnet/nyx/core/wire"
)

// MaxPooledBuffers bounds the process wide buffer pool.
const MaxPooledBuffers = 4096

// BufferPool recycles packet sized buffers between the codec, the
// batcher and the transport.  It is the one process wide shared
// allocation structure; Drain releases everything on shutdown.
type BufferPool struct {
	mu   sync.Mutex
	free [][]byte
}

// NewBufferPool constructs an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

// Get returns a zeroed PacketSize buffer.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return make([]byte, wire.PacketSize)
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put recycles a buffer.  Wrong sized or excess buffers fall to the
// garbage collector.
func (p *BufferPool) Put(buf []byte) {
	if len(buf) != wire.PacketSize {
		return
	}
	p.mu.Lock()
	if len(p.free) < MaxPooledBuffers {
		p.free = append(p.free, buf)
	}
	p.mu.Unlock()
}

// Drain releases all pooled buffers.
func (p *BufferPool) Drain() {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}

// Size returns the pooled buffer count.
func (p *BufferPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
