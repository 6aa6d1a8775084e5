package executor

import (
	"context"
	"sync"
)

// DryRunRunner returns a pre-scripted sequence of raw exit codes per
// flavor instead of invoking a real sandboxed test, for dry-run mode and
// for tests of the end-to-end scenarios in spec §8. Once a flavor's
// sequence is exhausted, its last code repeats.
type DryRunRunner struct {
	mu        sync.Mutex
	sequences map[string][]int
	calls     map[string]int
}

// NewDryRunRunner builds a runner from a map of flavor to raw-code
// sequence.
func NewDryRunRunner(sequences map[string][]int) *DryRunRunner {
	return &DryRunRunner{
		sequences: sequences,
		calls:     make(map[string]int),
	}
}

func (d *DryRunRunner) Run(_ context.Context, _, flavor, _ string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.calls[flavor]
	d.calls[flavor] = idx + 1

	seq := d.sequences[flavor]
	if len(seq) == 0 {
		return 0, nil
	}
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], nil
}

// Calls reports how many times flavor's Run has been invoked.
func (d *DryRunRunner) Calls(flavor string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[flavor]
}
