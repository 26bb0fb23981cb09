package stock

import "sync"

// Differ remembers the previous poll's snapshot. The baseline is replaced
// wholesale on every Diff and never merged, so an item that vanishes for one
// poll is reported again when it returns.
type Differ struct {
	mu       sync.Mutex
	baseline Snapshot
}

func NewDiffer() *Differ { return &Differ{baseline: Snapshot{}} }

// Diff returns the entries of current absent from the baseline, then makes
// current the baseline.
func (d *Differ) Diff(current Snapshot) Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	fresh := Snapshot{}
	for k, v := range current {
		if _, seen := d.baseline[k]; !seen {
			fresh[k] = v
		}
	}
	d.baseline = current.Clone()
	return fresh
}

// Reset empties the baseline; every in-stock tracked item is new again.
func (d *Differ) Reset() {
	d.mu.Lock()
	d.baseline = Snapshot{}
	d.mu.Unlock()
}

func (d *Differ) Baseline() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baseline.Clone()
}
