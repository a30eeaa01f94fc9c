package delta

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// CommandState is the lifecycle state of a DeltaCommand slot
type CommandState int32

const (
	CmdFree CommandState = iota
	CmdSubmitted
	CmdCompleted
	CmdTimedOut
)

func (s CommandState) String() string {
	switch s {
	case CmdFree:
		return "free"
	case CmdSubmitted:
		return "submitted"
	case CmdCompleted:
		return "completed"
	case CmdTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// DeltaCommand is the bookkeeping unit of one in-flight write
type DeltaCommand struct {
	idx      int
	io       *IOCommand
	pages    []*DeltaPage
	metadata []ChainID
	entry    QueueEntry
	state    atomic.Int32
}

// IO returns the bound IOCommand (nil while the slot is free)
func (c *DeltaCommand) IO() *IOCommand { return c.io }

// Pages returns the delta pages bound to this command
func (c *DeltaCommand) Pages() []*DeltaPage { return c.pages }

// Metadata returns the chain heads recorded by this command
func (c *DeltaCommand) Metadata() []ChainID { return c.metadata }

// Entry returns the dispatcher handle bound on submission
func (c *DeltaCommand) Entry() QueueEntry { return c.entry }

// State returns the lifecycle state
func (c *DeltaCommand) State() CommandState { return CommandState(c.state.Load()) }

func (c *DeltaCommand) transition(from, to CommandState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *DeltaCommand) reset() {
	c.io = nil
	c.pages = c.pages[:0]
	c.metadata = c.metadata[:0]
	c.entry = QueueEntry{}
	c.state.Store(int32(CmdFree))
}

// DeltaPage is a page-sized buffer slot
type DeltaPage struct {
	idx   int
	buf   []byte
	owner *DeltaCommand
}

// Data returns the backing buffer
func (p *DeltaPage) Data() []byte { return p.buf }

// Owner returns the command holding this page, nil while free
func (p *DeltaPage) Owner() *DeltaCommand { return p.owner }

// slotPool is a fixed set of slots with an index-based free stack
type slotPool[T any] struct {
	mu     sync.Mutex
	slots  []T
	free   []int
	inUse  []bool
	nInUse int
}

func newSlotPool[T any](slots []T) *slotPool[T] {
	p := &slotPool[T]{
		slots: slots,
		free:  make([]int, len(slots)),
		inUse: make([]bool, len(slots)),
	}
	// Lowest index on top of the stack
	for i := range slots {
		p.free[i] = len(slots) - 1 - i
	}
	return p
}

func (p *slotPool[T]) tryAcquire() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	n := len(p.free)
	if n == 0 {
		return zero, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.inUse[idx] = true
	p.nInUse++
	return p.slots[idx], true
}

func (p *slotPool[T]) release(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.slots) {
		return fmt.Errorf("slot %d out of range", idx)
	}
	if !p.inUse[idx] {
		return ErrDoubleRelease
	}
	p.inUse[idx] = false
	p.nInUse--
	p.free = append(p.free, idx)
	return nil
}

func (p *slotPool[T]) held(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return idx >= 0 && idx < len(p.inUse) && p.inUse[idx]
}

func (p *slotPool[T]) counts() (free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free), p.nInUse
}

// PoolStats is a snapshot of pool occupancy
type PoolStats struct {
	CommandSlots  int    `json:"commandSlots"`
	FreeCommands  int    `json:"freeCommands"`
	InUseCommands int    `json:"inUseCommands"`
	PageSlots     int    `json:"pageSlots"`
	FreePages     int    `json:"freePages"`
	InUsePages    int    `json:"inUsePages"`
	Exhausted     uint64 `json:"exhausted"` // Acquisitions that gave up after the retry budget
	Retries       uint64 `json:"retries"`   // Backoff sleeps taken
}

// ResourcePool owns every DeltaCommand and DeltaPage slot for the engine's
// lifetime. Slots are lent to requests and always come back.
type ResourcePool struct {
	cmds          *slotPool[*DeltaCommand]
	pages         *slotPool[*DeltaPage]
	pagesPerBlock int
	pageSize      int
	retryCount    int
	retryDelay    time.Duration

	exhausted atomic.Uint64
	retries   atomic.Uint64
}

// NewResourcePool allocates commandSlots commands and
// commandSlots*pagesPerBlock page buffers of pageSize bytes
func NewResourcePool(commandSlots, pagesPerBlock, pageSize, retryCount int, retryDelay time.Duration) (*ResourcePool, error) {
	if commandSlots < 1 || pagesPerBlock < 1 || pageSize < 1 {
		return nil, ErrInvalidConfig(fmt.Sprintf("pool sizes must be positive (commands=%d, pagesPerBlock=%d, pageSize=%d)",
			commandSlots, pagesPerBlock, pageSize))
	}

	cmds := make([]*DeltaCommand, commandSlots)
	for i := range cmds {
		cmds[i] = &DeltaCommand{
			idx:      i,
			pages:    make([]*DeltaPage, 0, pagesPerBlock),
			metadata: make([]ChainID, 0, 1),
		}
	}

	nPages := commandSlots * pagesPerBlock
	slab := make([]byte, nPages*pageSize)
	pages := make([]*DeltaPage, nPages)
	for i := range pages {
		pages[i] = &DeltaPage{
			idx: i,
			buf: slab[i*pageSize : (i+1)*pageSize : (i+1)*pageSize],
		}
	}

	return &ResourcePool{
		cmds:          newSlotPool(cmds),
		pages:         newSlotPool(pages),
		pagesPerBlock: pagesPerBlock,
		pageSize:      pageSize,
		retryCount:    retryCount,
		retryDelay:    retryDelay,
	}, nil
}

// backoff runs try until it succeeds or retryCount retries have been spent.
// The sleep happens outside any pool lock.
func backoff[T any](ctx context.Context, p *ResourcePool, try func() (T, bool)) (T, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for attempt := 0; ; attempt++ {
		if v, ok := try(); ok {
			return v, nil
		}
		if attempt >= p.retryCount {
			p.exhausted.Add(1)
			var zero T
			return zero, fmt.Errorf("%w after %d retries", ErrExhausted, p.retryCount)
		}
		p.retries.Add(1)
		if timer == nil {
			timer = time.NewTimer(p.retryDelay)
		} else {
			timer.Reset(p.retryDelay)
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquireCommand makes a single non-blocking acquisition attempt
func (p *ResourcePool) TryAcquireCommand() (*DeltaCommand, bool) {
	return p.cmds.tryAcquire()
}

// AcquireCommand pops a free command, backing off while the pool is empty.
// It returns ErrExhausted once the retry budget is spent.
func (p *ResourcePool) AcquireCommand(ctx context.Context) (*DeltaCommand, error) {
	return backoff(ctx, p, p.cmds.tryAcquire)
}

// ReleaseCommand returns cmd and any pages still bound to it to the free lists
func (p *ResourcePool) ReleaseCommand(cmd *DeltaCommand) error {
	if !p.cmds.held(cmd.idx) {
		return ErrDoubleRelease
	}
	var pageErr error
	for _, pg := range cmd.pages {
		pg.owner = nil
		if err := p.pages.release(pg.idx); err != nil && pageErr == nil {
			pageErr = fmt.Errorf("releasing page %d of command %d: %w", pg.idx, cmd.idx, err)
		}
	}
	cmd.reset()
	if err := p.cmds.release(cmd.idx); err != nil {
		return err
	}
	return pageErr
}

// TryAcquirePage makes a single non-blocking acquisition attempt
func (p *ResourcePool) TryAcquirePage() (*DeltaPage, bool) {
	return p.pages.tryAcquire()
}

// AcquirePage pops a free page, backing off while the pool is empty
func (p *ResourcePool) AcquirePage(ctx context.Context) (*DeltaPage, error) {
	return backoff(ctx, p, p.pages.tryAcquire)
}

// ReleasePage returns a page that is not bound to a command. Bound pages go
// back with their command through ReleaseCommand.
func (p *ResourcePool) ReleasePage(pg *DeltaPage) error {
	if pg.owner != nil {
		return fmt.Errorf("%w: page %d, command %d", ErrPageBound, pg.idx, pg.owner.idx)
	}
	return p.pages.release(pg.idx)
}

// BindPages acquires n pages for cmd. Either all n are bound or none are.
func (p *ResourcePool) BindPages(ctx context.Context, cmd *DeltaCommand, n int) error {
	if n > p.pagesPerBlock-len(cmd.pages) {
		return fmt.Errorf("%w: %d pages requested, %d allowed per command", ErrPayloadSize, n, p.pagesPerBlock)
	}
	got := make([]*DeltaPage, 0, n)
	for i := 0; i < n; i++ {
		pg, err := p.AcquirePage(ctx)
		if err != nil {
			for _, g := range got {
				_ = p.ReleasePage(g)
			}
			return err
		}
		got = append(got, pg)
	}
	for _, pg := range got {
		pg.owner = cmd
		cmd.pages = append(cmd.pages, pg)
	}
	return nil
}

// PageSize returns the size of each page buffer
func (p *ResourcePool) PageSize() int { return p.pageSize }

// PagesPerBlock returns the per-command page limit
func (p *ResourcePool) PagesPerBlock() int { return p.pagesPerBlock }

// FreeCommands returns the free-list length of the command pool
func (p *ResourcePool) FreeCommands() int {
	free, _ := p.cmds.counts()
	return free
}

// InUseCommands returns the in-use count of the command pool
func (p *ResourcePool) InUseCommands() int {
	_, inUse := p.cmds.counts()
	return inUse
}

// FreePages returns the free-list length of the page pool
func (p *ResourcePool) FreePages() int {
	free, _ := p.pages.counts()
	return free
}

// Stats returns a snapshot of pool occupancy
func (p *ResourcePool) Stats() PoolStats {
	freeCmds, usedCmds := p.cmds.counts()
	freePages, usedPages := p.pages.counts()
	return PoolStats{
		CommandSlots:  len(p.cmds.slots),
		FreeCommands:  freeCmds,
		InUseCommands: usedCmds,
		PageSlots:     len(p.pages.slots),
		FreePages:     freePages,
		InUsePages:    usedPages,
		Exhausted:     p.exhausted.Load(),
		Retries:       p.retries.Load(),
	}
}
