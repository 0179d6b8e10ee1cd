package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/JohanCodinha/qatrack/internal/logger"
)

// Percent bands of a run.
const (
	fetchStart   = 0
	fetchEnd     = 40
	processStart = 40
	processEnd   = 90
	finalizing   = 95
	done         = 100
)

// Reporter writes one run's progress to a Store. Percent never decreases
// within a run.
type Reporter struct {
	store  Store
	target string
	runID  string

	mu      sync.Mutex
	percent int
	total   int
	failed  int
}

// NewReporter creates a reporter for one run of target.
func NewReporter(store Store, target, runID string) *Reporter {
	return &Reporter{store: store, target: target, runID: runID}
}

func (r *Reporter) write(phase Phase, percent int, msg string, processed int) {
	r.mu.Lock()
	if percent < r.percent {
		percent = r.percent
	}
	r.percent = percent
	u := Update{
		RunID:     r.runID,
		Phase:     phase,
		Percent:   percent,
		Message:   msg,
		Total:     r.total,
		Processed: processed,
		Failed:    r.failed,
	}
	r.mu.Unlock()

	// Status writes never fail the run.
	if err := r.store.Update(context.Background(), r.target, u); err != nil {
		logger.Warn("status: update for %s failed: %v", r.target, err)
	}
}

// Percent returns the last percent written.
func (r *Reporter) Percent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.percent
}

// Fetching reports that doneUnits of the fetch's units are done.
func (r *Reporter) Fetching(doneUnits, of int, msg string) {
	p := fetchStart
	if of > 0 {
		p = fetchStart + (fetchEnd-fetchStart)*min(doneUnits, of)/of
	}
	r.write(PhaseFetching, p, msg, 0)
}

// Fetched closes the fetch band and records the number of records to process.
func (r *Reporter) Fetched(total int) {
	r.mu.Lock()
	r.total = total
	r.mu.Unlock()
	r.write(PhaseFetching, fetchEnd, fmt.Sprintf("fetched %d records", total), 0)
}

// Progress reports per-record progress. Its signature matches the
// reconciler's progress callback, which reports the end of the fetch as
// processed 0 with no key.
func (r *Reporter) Progress(processed, total int, key string) {
	if processed == 0 && key == "" {
		r.Fetched(total)
		return
	}

	r.mu.Lock()
	r.total = total
	r.mu.Unlock()

	p := processEnd
	if total > 0 {
		p = processStart + (processEnd-processStart)*min(processed, total)/total
	}
	msg := fmt.Sprintf("processed %s (%d/%d)", key, processed, total)
	if key == "" {
		msg = fmt.Sprintf("processing %d records", total)
	}
	r.write(PhaseProcessing, p, msg, processed)
}

// SetFailed records the number of records that could not be processed.
func (r *Reporter) SetFailed(n int) {
	r.mu.Lock()
	r.failed = n
	r.mu.Unlock()
}

// Finalizing reports the post-processing step.
func (r *Reporter) Finalizing(processed int) {
	r.write(PhaseFinalizing, finalizing, "finalizing", processed)
}

// Completed marks the run done.
func (r *Reporter) Completed(processed int, msg string) {
	if msg == "" {
		msg = fmt.Sprintf("synchronized %d records", processed)
	}
	r.write(PhaseCompleted, done, msg, processed)
}

// Failed marks the run failed, carrying err's message verbatim.
func (r *Reporter) Failed(processed int, err error) {
	r.write(PhaseError, r.Percent(), err.Error(), processed)
}
