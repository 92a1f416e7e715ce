// Copyright 2026 Dolthub, Inc.
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

// Package region supplies the byte range a graph lives in.
//
// A Region reserves its full capacity when it is created and never moves, so
// a slice taken from Bytes stays valid until Close. Size is the extent made
// available so far. A Region built with a Pager starts out with nothing
// resident; EnsureResident fetches missing pages through the Pager before
// they are read.
package region

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	goerrors "gopkg.in/src-d/go-errors.v1"
)

// PageSize is the residency granularity.
const PageSize = 64 * 1024

// fileGrowth is the minimum step a file-backed region grows its file by.
const fileGrowth = 1 << 20

var (
	ErrRegionFull = goerrors.NewKind("region: cannot extend to %d bytes, capacity is %d")
	ErrClosed     = goerrors.NewKind("region: use of closed region")
)

// Style is the backing of a Region.
type Style int

const (
	StyleHeap Style = iota
	StyleAnonymous
	StyleFile
)

func (s Style) String() string {
	switch s {
	case StyleHeap:
		return "heap"
	case StyleAnonymous:
		return "anonymous"
	case StyleFile:
		return "file"
	}
	return "unknown"
}

// Pager fills |dst| with the bytes found at |off| in the authoritative copy
// of a region. |dst| is at most one page long and page aligned.
type Pager interface {
	FetchPage(ctx context.Context, off int, dst []byte) error
}

// Region is a fixed-address, growable byte range.
type Region struct {
	style Style
	mem   []byte
	size  atomic.Int64

	mm   mmap.MMap
	file *os.File

	pager    Pager
	fetchMu  sync.Mutex
	resident []atomic.Uint64

	closed atomic.Bool
}

// Option configures a new Region.
type Option func(*Region)

// WithPager makes every page start out non-resident and fetched through |p|.
func WithPager(p Pager) Option {
	return func(r *Region) {
		r.pager = p
	}
}

func newRegion(style Style, mem []byte, opts []Option) *Region {
	r := &Region{style: style, mem: mem}
	for _, o := range opts {
		o(r)
	}
	if r.pager != nil {
		pages := (len(mem) + PageSize - 1) / PageSize
		r.resident = make([]atomic.Uint64, (pages+63)/64)
	}
	return r
}

// NewHeap returns a Region backed by ordinary Go memory.
func NewHeap(capacity int, opts ...Option) *Region {
	return newRegion(StyleHeap, make([]byte, capacity), opts)
}

// NewAnonymous returns a Region backed by an anonymous private mapping.
func NewAnonymous(capacity int, opts ...Option) (*Region, error) {
	mm, err := mmap.MapRegion(nil, capacity, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "region: anonymous mapping")
	}
	r := newRegion(StyleAnonymous, mm, opts)
	r.mm = mm
	return r, nil
}

// OpenFile maps |path|, creating it if needed, with room for |capacity|
// bytes. The current file length becomes the region's Size.
func OpenFile(path string, capacity int, opts ...Option) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() > int64(capacity) {
		f.Close()
		return nil, ErrRegionFull.New(fi.Size(), capacity)
	}
	mm, err := mmap.MapRegion(f, capacity, mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "region: mapping %s", path)
	}
	r := newRegion(StyleFile, mm, opts)
	r.mm = mm
	r.file = f
	r.size.Store(fi.Size())
	return r, nil
}

func (r *Region) Style() Style {
	return r.style
}

// Bytes is the whole reserved range. Only [0, Size()) may be touched.
func (r *Region) Bytes() []byte {
	return r.mem
}

func (r *Region) Size() int {
	return int(r.size.Load())
}

func (r *Region) Capacity() int {
	return len(r.mem)
}

// Paged reports whether this region loads its contents through a Pager.
func (r *Region) Paged() bool {
	return r.pager != nil
}

// Extend makes at least |size| bytes available. It never shrinks the region.
func (r *Region) Extend(size int) error {
	if r.closed.Load() {
		return ErrClosed.New()
	}
	if size <= r.Size() {
		return nil
	}
	if size > len(r.mem) {
		return ErrRegionFull.New(size, len(r.mem))
	}
	if r.file != nil {
		grown := min(max(size, r.Size()+fileGrowth), len(r.mem))
		if err := r.file.Truncate(int64(grown)); err != nil {
			return errors.Wrap(err, "region: growing backing file")
		}
		size = grown
	}
	r.size.Store(int64(size))
	return nil
}

func pageSpan(off, n int) (int, int) {
	if n <= 0 {
		return 0, -1
	}
	return off / PageSize, (off + n - 1) / PageSize
}

func (r *Region) pageResident(p int) bool {
	return r.resident[p/64].Load()&(1<<(uint(p)%64)) != 0
}

func (r *Region) setResident(p int) {
	w := &r.resident[p/64]
	for {
		old := w.Load()
		if w.CompareAndSwap(old, old|1<<(uint(p)%64)) {
			return
		}
	}
}

// IsResident reports whether every byte of [off, off+n) may be read without
// a fetch.
func (r *Region) IsResident(off, n int) bool {
	if r.pager == nil {
		return true
	}
	lo, hi := pageSpan(off, n)
	for p := lo; p <= hi; p++ {
		if !r.pageResident(p) {
			return false
		}
	}
	return true
}

// MarkResident declares [off, off+n) resident without fetching it. A writer
// that has fetched the page holding its write position uses this for the
// bytes it produces itself.
func (r *Region) MarkResident(off, n int) {
	if r.pager == nil {
		return
	}
	lo, hi := pageSpan(off, n)
	for p := lo; p <= hi; p++ {
		r.setResident(p)
	}
}

// EnsureResident blocks until [off, off+n) is resident, fetching missing
// pages through the Pager. Nothing may be written to a page before it is
// resident.
func (r *Region) EnsureResident(ctx context.Context, off, n int) error {
	if r.pager == nil {
		return nil
	}
	if off < 0 || off+n > len(r.mem) {
		return errors.Errorf("region: range [%d, %d) outside capacity %d", off, off+n, len(r.mem))
	}
	if r.IsResident(off, n) {
		return nil
	}
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	lo, hi := pageSpan(off, n)
	buf := make([]byte, PageSize)
	for p := lo; p <= hi; p++ {
		if r.pageResident(p) {
			continue
		}
		start := p * PageSize
		end := min(start+PageSize, len(r.mem))
		dst := buf[:end-start]
		clear(dst)
		if err := r.pager.FetchPage(ctx, start, dst); err != nil {
			return errors.Wrapf(err, "region: fetching page at %d", start)
		}
		copy(r.mem[start:end], dst)
		r.setResident(p)
	}
	return nil
}

// Flush writes a file-backed region's dirty pages to its file.
func (r *Region) Flush() error {
	if r.mm == nil || r.style != StyleFile {
		return nil
	}
	return r.mm.Flush()
}

// Close releases the mapping. The bytes returned by Bytes must not be used
// afterwards.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if r.mm != nil {
		if r.style == StyleFile {
			err = r.mm.Flush()
		}
		if uerr := r.mm.Unmap(); err == nil {
			err = uerr
		}
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	r.mem = nil
	return err
}
