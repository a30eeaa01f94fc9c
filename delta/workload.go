package delta

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// WorkloadConfig describes a synthetic stream of sub-page writes
type WorkloadConfig struct {
	Writes      int     `json:"writes" yaml:"writes"`            // Total writes to issue
	LBAs        int     `json:"lbas" yaml:"lbas"`                // Writes land on LBAs [0, LBAs)
	LBAPattern  Pattern `json:"lbaPattern" yaml:"lba_pattern"`   // How writes spread over the LBAs
	MinSize     int     `json:"minSize" yaml:"min_size"`         // Smallest payload in bytes
	MaxSize     int     `json:"maxSize" yaml:"max_size"`         // Largest payload in bytes (capped at the page size)
	SizePattern Pattern `json:"sizePattern" yaml:"size_pattern"` // How payload sizes spread between MinSize and MaxSize
	Concurrency int     `json:"concurrency" yaml:"concurrency"`  // Submitting goroutines
	Seed        int64   `json:"seed" yaml:"seed"`                // Random seed (0 = time-based)
}

// DefaultWorkloadConfig returns a small mixed workload
func DefaultWorkloadConfig() WorkloadConfig {
	return WorkloadConfig{
		Writes:      1000,
		LBAs:        64,
		LBAPattern:  PatternHot,
		MinSize:     64,
		MaxSize:     3072, // 3KB delta over a 4KB page
		SizePattern: PatternUniform,
		Concurrency: 4,
		Seed:        0,
	}
}

// Validate checks the workload against the engine's page size
func (w *WorkloadConfig) Validate(pageSize int) error {
	if w.Writes < 0 {
		return ErrInvalidConfig("writes must be >= 0")
	}
	if w.LBAs < 1 {
		return ErrInvalidConfig("lbas must be >= 1")
	}
	if w.MinSize < 1 || w.MinSize > w.MaxSize {
		return ErrInvalidConfig("minSize must be >= 1 and <= maxSize")
	}
	if w.MaxSize > pageSize {
		return ErrInvalidConfig(fmt.Sprintf("maxSize must be <= page size %d", pageSize))
	}
	if w.Concurrency < 1 {
		return ErrInvalidConfig("concurrency must be >= 1")
	}
	for _, p := range []Pattern{w.LBAPattern, w.SizePattern} {
		if p < PatternUniform || p > PatternFixed {
			return ErrInvalidConfig(fmt.Sprintf("unknown pattern %s", p))
		}
	}
	return nil
}

// WorkloadResult summarizes one workload run
type WorkloadResult struct {
	Submitted          int           `json:"submitted"`
	Accepted           int           `json:"accepted"`
	Rejected           int           `json:"rejected"`
	Succeeded          int           `json:"succeeded"`
	Failed             int           `json:"failed"`
	TimedOut           int           `json:"timedOut"`
	Duration           time.Duration `json:"duration"`
	WriteAmplification float64       `json:"writeAmplification"`
	Engine             EngineStats   `json:"engine"`
}

// RunWorkload issues wc's writes against e and waits for every accepted one
// to complete. Rejected writes are counted, not retried.
func RunWorkload(ctx context.Context, e *Engine, wc WorkloadConfig) (WorkloadResult, error) {
	var res WorkloadResult
	if err := wc.Validate(e.geo.PageSize); err != nil {
		return res, err
	}
	seed := wc.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	lbaSampler, sizeSampler := wc.LBAPattern.sampler(), wc.SizePattern.sampler()
	start := time.Now()
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	perWorker := wc.Writes / wc.Concurrency
	for w := 0; w < wc.Concurrency; w++ {
		n := perWorker
		if w == 0 {
			n += wc.Writes % wc.Concurrency
		}
		wg.Add(1)
		go func(rng *rand.Rand, n int) {
			defer wg.Done()
			var accepted []*IOCommand
			local := WorkloadResult{}
			for i := 0; i < n; i++ {
				size := sizeSampler.sample(rng, wc.MinSize, wc.MaxSize)
				offset := rng.Intn(e.geo.PageSize - size + 1)
				data := make([]byte, size)
				rng.Read(data)
				lba := lbaSampler.sample(rng, 0, wc.LBAs-1)
				io := NewIOCommand(uint64(lba), offset, data)

				local.Submitted++
				if err := e.Submit(ctx, io); err != nil {
					if !errors.Is(err, ErrExhausted) && !errors.Is(err, ErrDispatch) {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						break
					}
					local.Rejected++
					continue
				}
				local.Accepted++
				accepted = append(accepted, io)
			}
			for _, io := range accepted {
				if err := io.Wait(ctx); err != nil && ctx.Err() != nil {
					break
				}
				switch status, code := io.Status(); {
				case status == StatusSuccess:
					local.Succeeded++
				case code == NVMeMediaTimeout:
					local.TimedOut++
					local.Failed++
				default:
					local.Failed++
				}
			}
			mu.Lock()
			res.Submitted += local.Submitted
			res.Accepted += local.Accepted
			res.Rejected += local.Rejected
			res.Succeeded += local.Succeeded
			res.Failed += local.Failed
			res.TimedOut += local.TimedOut
			mu.Unlock()
		}(rand.New(rand.NewSource(seed+int64(w))), n)
	}
	wg.Wait()

	res.Duration = time.Since(start)
	res.Engine = e.Stats()
	res.WriteAmplification = res.Engine.WriteAmplification()
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return res, firstErr
}
