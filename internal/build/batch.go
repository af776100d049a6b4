package build

import (
	"context"
	"sync"

	"github.com/aparcar/firmwareforge/internal/model"
)

// BatchMode selects the two submodes of spec §4.4 "Batch mode".
type BatchMode string

const (
	// FailFast aborts admission of new builds as soon as any already-started
	// build in the batch enters failed; already-running builds run to
	// completion.
	FailFast BatchMode = "fail_fast"
	// BestEffort runs every selected profile to completion and aggregates
	// results regardless of individual failures.
	BestEffort BatchMode = "best_effort"
)

// BatchResult pairs a profile reference with its outcome.
type BatchResult struct {
	ProfileRef string
	Build      *model.BuildRecord
	Err        error
	// QueuePosition is the entry's FIFO admission index within the batch
	// (spec §4.4 "Batch mode": admission is FIFO under a parallelism cap).
	QueuePosition int
}

// BuildBatch runs e.BuildOrReuse with opts over selection, admitted in FIFO order
// and bounded by parallelism concurrent builds at a time (spec §4.4).
func (e *Engine) BuildBatch(ctx context.Context, selection []string, mode BatchMode, opts Options, parallelism int) []BatchResult {
	if parallelism < 1 {
		parallelism = 1
	}

	results := make([]BatchResult, len(selection))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	var abortMu sync.Mutex
	var aborted bool

	for i, ref := range selection {
		if mode == FailFast {
			abortMu.Lock()
			stop := aborted
			abortMu.Unlock()
			if stop {
				results[i] = BatchResult{ProfileRef: ref, QueuePosition: i, Err: model.NewError(model.CodeCancelled, "batch aborted by an earlier failure", nil)}
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			defer func() { <-sem }()

			// A slot may free up, and this goroutine acquire it, after an
			// earlier entry failed and raised abort while we were blocked on
			// sem above; re-check before starting so a build never begins
			// once fail_fast has triggered.
			if mode == FailFast {
				abortMu.Lock()
				stop := aborted
				abortMu.Unlock()
				if stop {
					results[i] = BatchResult{ProfileRef: ref, QueuePosition: i, Err: model.NewError(model.CodeCancelled, "batch aborted by an earlier failure", nil)}
					return
				}
			}

			rec, err := e.BuildOrReuse(ctx, ref, opts)
			results[i] = BatchResult{ProfileRef: ref, QueuePosition: i, Build: rec, Err: err}
			if err != nil && mode == FailFast {
				abortMu.Lock()
				aborted = true
				abortMu.Unlock()
			}
		}(i, ref)
	}

	wg.Wait()
	return results
}
