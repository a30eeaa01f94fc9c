package delta

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrUnmapped = errors.New("lba not mapped")
	ErrNoLines  = errors.New("no free lines")
	ErrInjected = errors.New("injected device failure")
	ErrBadCount = errors.New("invalid line count")
)

// MemMapper is an in-memory mapping table
type MemMapper struct {
	mu       sync.RWMutex
	entries  map[uint64]PageAddress
	identity bool
}

// NewMemMapper creates a mapping table. With identity set, unmapped LBAs
// resolve to the physical page of the same number.
func NewMemMapper(identity bool) *MemMapper {
	return &MemMapper{
		entries:  make(map[uint64]PageAddress),
		identity: identity,
	}
}

// Set maps lba to ppa
func (m *MemMapper) Set(lba uint64, ppa PageAddress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[lba] = ppa
}

// ReadMapping implements Mapper
func (m *MemMapper) ReadMapping(lba uint64) (MapEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ppa, ok := m.entries[lba]; ok {
		return MapEntry{LBA: lba, PPA: ppa}, nil
	}
	if m.identity {
		return MapEntry{LBA: lba, PPA: PageAddress(lba)}, nil
	}
	return MapEntry{}, fmt.Errorf("%w: %d", ErrUnmapped, lba)
}

// LineProvisioner hands out sequential lines from a fixed budget
type LineProvisioner struct {
	mu           sync.Mutex
	next         uint32
	maxLines     int
	pagesPerLine int
	firstPage    PageAddress
	byPurpose    map[LinePurpose]int
}

// NewLineProvisioner creates a provisioner with maxLines lines of
// pagesPerLine pages, numbered from firstPage
func NewLineProvisioner(maxLines, pagesPerLine int, firstPage PageAddress) *LineProvisioner {
	return &LineProvisioner{
		maxLines:     maxLines,
		pagesPerLine: pagesPerLine,
		firstPage:    firstPage,
		byPurpose:    make(map[LinePurpose]int),
	}
}

// AllocateLine implements Provisioner
func (p *LineProvisioner) AllocateLine(count int, purpose LinePurpose) (*Provision, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(p.next)+count > p.maxLines {
		return nil, fmt.Errorf("%w: %d of %d allocated", ErrNoLines, p.next, p.maxLines)
	}
	prov := &Provision{Purpose: purpose, Lines: make([]Line, count)}
	for i := range prov.Lines {
		id := p.next
		p.next++
		prov.Lines[i] = Line{
			ID:        id,
			FirstPage: p.firstPage + PageAddress(int(id)*p.pagesPerLine),
			Pages:     p.pagesPerLine,
		}
	}
	p.byPurpose[purpose] += count
	return prov, nil
}

// Allocated returns the number of lines handed out for purpose
func (p *LineProvisioner) Allocated(purpose LinePurpose) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byPurpose[purpose]
}

// MemDevice is an in-memory flash device that programs delta pages
// asynchronously after a fixed latency
type MemDevice struct {
	latency time.Duration

	mu    sync.RWMutex
	pages map[PageAddress][]byte

	stall    atomic.Bool
	failNext atomic.Int64

	programs atomic.Uint64
	stalled  atomic.Uint64
	wg       sync.WaitGroup
}

// NewMemDevice creates a device completing each program after latency
func NewMemDevice(latency time.Duration) *MemDevice {
	return &MemDevice{
		latency: latency,
		pages:   make(map[PageAddress][]byte),
	}
}

// SetStall makes subsequent programs never complete
func (d *MemDevice) SetStall(on bool) { d.stall.Store(on) }

// FailNext makes the next n programs complete with ErrInjected
func (d *MemDevice) FailNext(n int) { d.failNext.Store(int64(n)) }

// WriteDelta implements Device. Page data is copied before it returns.
func (d *MemDevice) WriteDelta(w *DeltaWrite, done func(error)) error {
	if w.BlockOffset < 0 || w.BlockOffset+len(w.Pages) > w.Line.Pages {
		return fmt.Errorf("program of %d pages at %d overflows line %d (%d pages)",
			len(w.Pages), w.BlockOffset, w.Line.ID, w.Line.Pages)
	}
	d.mu.Lock()
	for i, pg := range w.Pages {
		addr := w.Line.FirstPage + PageAddress(w.BlockOffset+i)
		d.pages[addr] = append([]byte(nil), pg...)
	}
	d.mu.Unlock()

	if d.stall.Load() {
		d.stalled.Add(1)
		return nil
	}

	var err error
	for {
		n := d.failNext.Load()
		if n <= 0 {
			break
		}
		if d.failNext.CompareAndSwap(n, n-1) {
			err = ErrInjected
			break
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.latency > 0 {
			time.Sleep(d.latency)
		}
		d.programs.Add(1)
		done(err)
	}()
	return nil
}

// Read returns a copy of the programmed page at addr
func (d *MemDevice) Read(addr PageAddress) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pg, ok := d.pages[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), pg...), true
}

// Programs returns the number of completed programs
func (d *MemDevice) Programs() uint64 { return d.programs.Load() }

// Stalled returns the number of programs that will never complete
func (d *MemDevice) Stalled() uint64 { return d.stalled.Load() }

// Drain waits for every pending completion callback
func (d *MemDevice) Drain() { d.wg.Wait() }
