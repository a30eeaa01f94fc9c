package delta

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ModuleName is the name the block delta module registers under
const ModuleName = "OX_BLOCK_DELTA"

// Env carries the engine's external collaborators
type Env struct {
	Mapper      Mapper
	Provisioner Provisioner
	Device      Device
	Sink        CompletionSink
	Logger      logrus.FieldLogger // Defaults to logrus.StandardLogger()
}

// EngineStats is a snapshot of engine counters
type EngineStats struct {
	ID             string       `json:"id"`
	Accepted       uint64       `json:"accepted"`
	Rejected       uint64       `json:"rejected"`
	Completed      uint64       `json:"completed"` // Completions with success status
	Failed         uint64       `json:"failed"`    // Completions with failure status, timeouts included
	TimedOut       uint64       `json:"timedOut"`
	LinesAllocated uint64       `json:"linesAllocated"`
	DeltaBytes     uint64       `json:"deltaBytes"`     // Payload bytes recorded as deltas
	ProgramBytes   uint64       `json:"programBytes"`   // Flash bytes programmed for those deltas
	Chains         int          `json:"chains"`         // Base pages with a live chain
	Versions       int          `json:"versions"`       // Delta records in the arena
	Pool           PoolStats    `json:"pool"`
	Queues         []QueueStats `json:"queues"`
}

// Engine is the delta write-buffering engine. Every piece of state lives on
// the instance, so independent engines can run side by side.
type Engine struct {
	id     uuid.UUID
	geo    Geometry
	cfg    Config
	env    Env
	log    logrus.FieldLogger
	pool   *ResourcePool
	chains *ChainStore
	mq     *MultiQueue
	closed atomic.Bool

	accepted       atomic.Uint64
	rejected       atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	timedOut       atomic.Uint64
	linesAllocated atomic.Uint64
	deltaBytes     atomic.Uint64
	programBytes   atomic.Uint64
}

// NewEngine allocates the resource pools and starts the dispatcher queues.
// On failure nothing allocated so far survives and the error wraps ErrInit.
func NewEngine(geo Geometry, cfg Config, env Env) (*Engine, error) {
	if err := geo.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	if env.Mapper == nil || env.Provisioner == nil || env.Device == nil || env.Sink == nil {
		return nil, fmt.Errorf("%w: mapper, provisioner, device and sink are required", ErrInit)
	}
	if env.Logger == nil {
		env.Logger = logrus.StandardLogger()
	}

	e := &Engine{
		id:  uuid.New(),
		geo: geo,
		cfg: cfg,
		env: env,
	}
	e.log = env.Logger.WithFields(logrus.Fields{"engine": cfg.Name, "id": e.id.String()})

	pool, err := NewResourcePool(cfg.CommandSlots, geo.PagesPerBlock, geo.PageSize, cfg.RetryCount, cfg.RetryDelay())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	e.pool = pool
	e.chains = NewChainStore(geo.PageSize)

	mq, err := NewMultiQueue(cfg.mqConfig(), MQHooks{
		Submit:   e.submitHook,
		Complete: e.completeHook,
		Timeout:  e.timeoutHook,
		StatsRow: e.statsRowHook,
	}, e.log)
	if err != nil {
		e.pool = nil
		e.chains = nil
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	e.mq = mq

	e.log.Infof("[%s] started: %d channels, %d pages/block, %d command slots, %d queues",
		ModuleName, geo.Channels, geo.PagesPerBlock, cfg.CommandSlots, cfg.NumQueues)
	return e, nil
}

// ID returns the engine instance id
func (e *Engine) ID() uuid.UUID { return e.id }

// Pool returns the engine's resource pool
func (e *Engine) Pool() *ResourcePool { return e.pool }

// Chains returns the engine's delta metadata store
func (e *Engine) Chains() *ChainStore { return e.chains }

// Dispatcher returns the engine's multi-queue dispatcher
func (e *Engine) Dispatcher() *MultiQueue { return e.mq }

// Geometry returns the geometry the engine was sized from
func (e *Engine) Geometry() Geometry { return e.geo }

// Config returns the engine configuration
func (e *Engine) Config() Config { return e.cfg }

// queueFor spreads LBAs over the queues. One LBA always maps to the same
// queue, so deltas over one base page are chained in submission order.
func (e *Engine) queueFor(lba uint64) int {
	if e.mq.NumQueues() == 1 {
		return 0
	}
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], lba)
	return int(xxhash.Sum64(key[:]) % uint64(e.mq.NumQueues()))
}

// Submit hands io to the engine. A nil return means the command was accepted
// and the completion sink will be invoked exactly once for it. Otherwise the
// caller keeps ownership of io: ErrExhausted when no command slot freed up
// within the retry budget, ErrDispatch when the queue rejected it.
func (e *Engine) Submit(ctx context.Context, io *IOCommand) error {
	if e.closed.Load() {
		e.rejected.Add(1)
		return ErrClosed
	}
	if io == nil {
		e.rejected.Add(1)
		return fmt.Errorf("%w: nil command", ErrDispatch)
	}

	cmd, err := e.pool.AcquireCommand(ctx)
	if err != nil {
		e.rejected.Add(1)
		e.log.Debugf("[%s] lba %d rejected: %v", ModuleName, io.LBA, err)
		return err
	}
	cmd.io = io
	cmd.state.Store(int32(CmdSubmitted))

	if _, err := e.mq.Submit(e.queueFor(io.LBA), cmd); err != nil {
		if rerr := e.pool.ReleaseCommand(cmd); rerr != nil {
			e.log.Errorf("[%s] releasing rejected command: %v", ModuleName, rerr)
		}
		e.rejected.Add(1)
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	e.accepted.Add(1)
	return nil
}

// submitHook runs on a queue's submission worker
func (e *Engine) submitHook(entry QueueEntry, opaque any) {
	cmd := opaque.(*DeltaCommand)
	io := cmd.io
	cmd.entry = entry

	if len(io.Data) == 0 || io.Offset < 0 || io.Offset+len(io.Data) > e.geo.PageSize {
		e.failNow(cmd, NVMeInvalidField, fmt.Errorf("%w: offset %d size %d", ErrPayloadSize, io.Offset, len(io.Data)))
		return
	}

	me, err := e.env.Mapper.ReadMapping(io.LBA)
	if err != nil {
		e.failNow(cmd, NVMeInternalError, fmt.Errorf("%w: lba %d: %v", ErrMapping, io.LBA, err))
		return
	}
	base := me.PPA

	if err := e.pool.BindPages(context.Background(), cmd, 1); err != nil {
		e.failNow(cmd, NVMeInternalError, err)
		return
	}
	pg := cmd.pages[0]
	n := copy(pg.buf, io.Data)
	clear(pg.buf[n:])

	id, newLine, err := e.chains.Append(base, e.allocDeltaLine, Patch{Offset: io.Offset, Data: io.Data})
	if err != nil {
		e.failNow(cmd, NVMeInternalError, err)
		return
	}
	if newLine {
		e.linesAllocated.Add(1)
	}
	cmd.metadata = append(cmd.metadata, id)
	md, _ := e.chains.Get(id)

	e.deltaBytes.Add(uint64(len(io.Data)))
	e.programBytes.Add(uint64(len(pg.buf)))

	w := &DeltaWrite{
		LBA:         io.LBA,
		BasePage:    base,
		Line:        md.Line,
		BlockOffset: int(md.Entries[0].BlockOffset),
		Pages:       [][]byte{pg.buf},
	}
	// The callback may outlive cmd; it captures only io and entry
	err = e.env.Device.WriteDelta(w, func(err error) {
		if err != nil {
			io.fail(NVMeWriteFault, fmt.Errorf("%w: %v", ErrDevice, err))
		}
		if cerr := e.mq.Complete(entry); cerr != nil {
			e.log.Debugf("[%s] late device completion for lba %d: %v", ModuleName, io.LBA, cerr)
		}
	})
	if err != nil {
		e.failNow(cmd, NVMeWriteFault, fmt.Errorf("%w: %v", ErrDevice, err))
	}
}

// allocDeltaLine asks the provisioner for one delta line
func (e *Engine) allocDeltaLine(base PageAddress) (*Line, error) {
	prov, err := e.env.Provisioner.AllocateLine(1, PurposeDelta)
	if err != nil {
		return nil, err
	}
	if prov == nil || len(prov.Lines) == 0 {
		return nil, fmt.Errorf("no line returned")
	}
	line := &prov.Lines[0]
	e.log.Debugf("[%s] base page %d: delta line %d", ModuleName, base, line.ID)
	return line, nil
}

// failNow marks the bound command failed and completes it without waiting
// for the timeout
func (e *Engine) failNow(cmd *DeltaCommand, code NVMeStatus, err error) {
	cmd.io.fail(code, err)
	e.log.Debugf("[%s] lba %d failed: %v", ModuleName, cmd.io.LBA, err)
	if cerr := e.mq.Complete(cmd.entry); cerr != nil {
		e.log.Debugf("[%s] lba %d: %v", ModuleName, cmd.io.LBA, cerr)
	}
}

// completeHook runs on a queue's completion worker, once per accepted command
func (e *Engine) completeHook(opaque any) {
	cmd := opaque.(*DeltaCommand)
	io := cmd.io
	cmd.transition(CmdSubmitted, CmdCompleted)

	io.resolve()
	if io.failed() {
		e.failed.Add(1)
	} else {
		e.completed.Add(1)
	}

	e.env.Sink.OnIOComplete(io)

	if err := e.pool.ReleaseCommand(cmd); err != nil {
		e.log.Errorf("[%s] releasing command for lba %d: %v", ModuleName, io.LBA, err)
	}
	io.signal()
}

// timeoutHook runs when a command saw no completion within the timeout
func (e *Engine) timeoutHook(opaque any) {
	cmd := opaque.(*DeltaCommand)
	cmd.transition(CmdSubmitted, CmdTimedOut)
	e.timedOut.Add(1)
	cmd.io.fail(NVMeMediaTimeout, ErrTimeout)
	e.log.Warnf("[%s] lba %d: media timeout after %v", ModuleName, cmd.io.LBA, e.cfg.Timeout())
}

// statsRowHook describes one in-flight command
func (e *Engine) statsRowHook(row *StatsRow, opaque any) {
	cmd := opaque.(*DeltaCommand)
	row.Type = 'D'
	if cmd.io == nil {
		return
	}
	row.LBA = cmd.io.LBA
	row.Size = len(cmd.io.Data)
	row.Failed = cmd.io.failed()
	if len(cmd.metadata) > 0 {
		if md, ok := e.chains.Get(cmd.metadata[0]); ok && len(md.Entries) > 0 {
			row.Blk = int(md.Line.ID)
			row.Pg = int(md.Entries[0].BlockOffset)
		}
	}
}

// Rows returns the dispatcher's in-flight report
func (e *Engine) Rows() []StatsRow { return e.mq.Rows() }

// Stats returns a snapshot of engine counters
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		ID:             e.id.String(),
		Accepted:       e.accepted.Load(),
		Rejected:       e.rejected.Load(),
		Completed:      e.completed.Load(),
		Failed:         e.failed.Load(),
		TimedOut:       e.timedOut.Load(),
		LinesAllocated: e.linesAllocated.Load(),
		DeltaBytes:     e.deltaBytes.Load(),
		ProgramBytes:   e.programBytes.Load(),
		Chains:         e.chains.Bases(),
		Versions:       e.chains.Len(),
		Pool:           e.pool.Stats(),
		Queues:         e.mq.Stats(),
	}
}

// Exit stops the dispatcher. Commands must have drained before calling it.
func (e *Engine) Exit() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mq.Close()
	e.log.Infof("[%s] stopped", ModuleName)
}
