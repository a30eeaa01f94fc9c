package delta

import (
	"context"
	"fmt"
	"sync"
)

// IOStatus is the coarse outcome of an IOCommand
type IOStatus int

const (
	StatusPending IOStatus = iota
	StatusSuccess
	StatusFail
)

func (s IOStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// NVMeStatus is the detailed completion code reported to the host
type NVMeStatus uint16

const (
	NVMeSuccess NVMeStatus = iota
	NVMeInternalError
	NVMeMediaTimeout
	NVMeWriteFault
	NVMeInvalidField
)

func (s NVMeStatus) String() string {
	switch s {
	case NVMeSuccess:
		return "success"
	case NVMeInternalError:
		return "internal_error"
	case NVMeMediaTimeout:
		return "media_timeout"
	case NVMeWriteFault:
		return "write_fault"
	case NVMeInvalidField:
		return "invalid_field"
	default:
		return fmt.Sprintf("nvme(%d)", uint16(s))
	}
}

// IOCommand is a write handed to the engine by the FTL front end.
// The caller owns it; the engine borrows it from an accepted Submit until
// the completion sink has been invoked.
//
// Status fields are guarded by the command's own mutex, never by the pool lock.
type IOCommand struct {
	LBA    uint64 // Logical block address of the base page
	Offset int    // Byte offset of Data inside the page
	Data   []byte
	Ctx    any // Caller context, untouched by the engine

	mu     sync.Mutex
	status IOStatus
	nvme   NVMeStatus
	err    error
	done   chan struct{}
	once   sync.Once
}

// NewIOCommand creates a pending write of data at offset within the page at lba
func NewIOCommand(lba uint64, offset int, data []byte) *IOCommand {
	return &IOCommand{
		LBA:    lba,
		Offset: offset,
		Data:   data,
		done:   make(chan struct{}),
	}
}

// Len returns the payload size in bytes
func (c *IOCommand) Len() int { return len(c.Data) }

// Status returns the current status and NVMe code
func (c *IOCommand) Status() (IOStatus, NVMeStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.nvme
}

// Err returns the failure cause, nil unless the status is StatusFail
func (c *IOCommand) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the command has completed, on success or failure
func (c *IOCommand) Done() <-chan struct{} {
	return c.doneCh()
}

func (c *IOCommand) doneCh() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		c.done = make(chan struct{})
	}
	return c.done
}

// Wait blocks until the command completes or ctx is done
func (c *IOCommand) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail marks the command failed. The first failure wins.
func (c *IOCommand) fail(code NVMeStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusFail {
		return
	}
	c.status = StatusFail
	c.nvme = code
	c.err = err
}

func (c *IOCommand) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusFail
}

// resolve marks a still-pending command successful
func (c *IOCommand) resolve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusPending {
		c.status = StatusSuccess
		c.nvme = NVMeSuccess
	}
}

// signal wakes everything waiting on Done
func (c *IOCommand) signal() {
	done := c.doneCh()
	c.once.Do(func() { close(done) })
}
