package costs

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/haasonsaas/relay/pkg/models"
)

// CapExceededError is returned by Meter.Check once cumulative cost crosses
// the configured ceiling. The dispatcher refuses further provider calls on
// this error before any network I/O happens.
type CapExceededError struct {
	Cap   float64
	Spent float64
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("cost cap exceeded: spent $%.4f of $%.4f", e.Spent, e.Cap)
}

// Meter accumulates the process-wide cost. The counter is an atomic float:
// reads never take a lock, and concurrent records CAS-loop. The cap is a
// soft bound; simultaneous checks may overshoot by one call's cost, which
// is acceptable by design of the check/record split.
type Meter struct {
	table *Table
	cap   float64

	spentBits atomic.Uint64
}

// NewMeter builds a meter over the given pricing table. capUSD <= 0
// disables the cap but still meters.
func NewMeter(table *Table, capUSD float64) *Meter {
	return &Meter{table: table, cap: capUSD}
}

// Check returns a *CapExceededError when the cap is configured and already
// reached. It performs no I/O and never blocks.
func (m *Meter) Check() error {
	if m.cap <= 0 {
		return nil
	}
	spent := m.Spent()
	if spent >= m.cap {
		return &CapExceededError{Cap: m.cap, Spent: spent}
	}
	return nil
}

// Record prices the usage of one call and adds it to the running total,
// returning the cost of this call.
func (m *Meter) Record(model string, usage models.Usage) float64 {
	cost := m.table.Cost(model, usage)
	if cost > 0 {
		m.add(cost)
	}
	return cost
}

// Spent returns the cumulative cost so far.
func (m *Meter) Spent() float64 {
	return math.Float64frombits(m.spentBits.Load())
}

func (m *Meter) add(delta float64) {
	for {
		old := m.spentBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if m.spentBits.CompareAndSwap(old, next) {
			return
		}
	}
}
