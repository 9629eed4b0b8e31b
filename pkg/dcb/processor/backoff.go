package processor

import "sync"

// backoffState slows down an idle processor by skipping poll cycles. After
// BackoffThreshold consecutive empty polls the processor starts skipping,
// doubling (by BackoffMultiplier) the number of skipped cycles after each
// further empty poll, capped so the effective interval never exceeds
// BackoffMaxSeconds. Any non-empty batch resets the state.
type backoffState struct {
	mu            sync.Mutex
	emptyPolls    int
	currentSkip   int
	skipRemaining int
}

// BackoffInfo is an observable snapshot of a processor's backoff state.
type BackoffInfo struct {
	ProcessorID   string `json:"processor_id"`
	Active        bool   `json:"active"`
	EmptyPolls    int    `json:"empty_polls"`
	CurrentSkip   int    `json:"current_skip"`
	SkipRemaining int    `json:"skip_remaining"`
}

// gate reports whether this cycle should be skipped, consuming one skip.
func (b *backoffState) gate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.skipRemaining > 0 {
		b.skipRemaining--
		return true
	}
	return false
}

// onEmpty records an empty poll and, past the threshold, schedules the next
// skip run. maxSkip bounds the run length so the effective polling interval
// stays under the configured ceiling.
func (b *backoffState) onEmpty(threshold, multiplier, maxSkip int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.emptyPolls++
	if b.emptyPolls < threshold {
		return
	}

	next := b.currentSkip * multiplier
	if next < 1 {
		next = 1
	}
	if maxSkip > 0 && next > maxSkip {
		next = maxSkip
	}
	b.currentSkip = next
	b.skipRemaining = next
}

// reset clears the state after a non-empty batch.
func (b *backoffState) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emptyPolls = 0
	b.currentSkip = 0
	b.skipRemaining = 0
}

func (b *backoffState) snapshot(processorID string) BackoffInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackoffInfo{
		ProcessorID:   processorID,
		Active:        b.currentSkip > 0,
		EmptyPolls:    b.emptyPolls,
		CurrentSkip:   b.currentSkip,
		SkipRemaining: b.skipRemaining,
	}
}

// maxSkipCycles converts the backoff ceiling in seconds into a number of
// skipped cycles at the given polling interval.
func maxSkipCycles(backoffMaxSeconds, pollingIntervalMs int) int {
	if pollingIntervalMs <= 0 {
		return 0
	}
	cycles := backoffMaxSeconds * 1000 / pollingIntervalMs
	if cycles < 1 {
		cycles = 1
	}
	return cycles
}
