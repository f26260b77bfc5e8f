package patcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/patchpoint/code"
	"github.com/chazu/patchpoint/sim"
)

// StressReport summarizes a Stress run.
type StressReport struct {
	Writes uint64
	Reads  uint64
	SawA   uint64
	SawB   uint64
}

// TornTargetError reports a call that branched to neither of the two
// addresses the writer alternates between.
type TornTargetError struct {
	Reader int
	Target uintptr
	A, B   uintptr
}

func (e *TornTargetError) Error() string {
	return fmt.Sprintf("reader %d branched to %#x, expected %#x or %#x", e.Reader, e.Target, e.A, e.B)
}

// Stress repeatedly repoints the call returning to ret between a and b
// while readers simulated cores keep executing the call site. Every
// observed branch target must be exactly a or b. The first torn observation
// stops the run and is returned as a *TornTargetError.
func Stress(ctx context.Context, c *code.Code, ret, a, b uintptr, readers, iterations int) (StressReport, error) {
	var report StressReport
	if readers <= 0 || iterations <= 0 {
		return report, fmt.Errorf("patcher: stress needs readers and iterations, got %d and %d", readers, iterations)
	}

	call := NewCallPattern(ret, c)
	start := call.Start()
	call.SetTargetAddress(a)

	var done atomic.Bool
	var reads, sawA, sawB atomic.Uint64
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer done.Store(true)
		for n := 0; n < iterations; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			next := a
			if n%2 == 0 {
				next = b
			}
			PatchStaticCallAt(ret, c, next)
			report.Writes++
		}
		return nil
	})

	for r := 0; r < readers; r++ {
		r := r // per-iteration copy; go.mod targets go1.21 loop semantics
		core := sim.NewCore(c.Region())
		g.Go(func() error {
			for local := 0; !done.Load() || local == 0; local++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				target, _, err := core.Invoke(start)
				if err != nil {
					return fmt.Errorf("reader %d: %w", r, err)
				}
				reads.Add(1)
				switch target {
				case a:
					sawA.Add(1)
				case b:
					sawB.Add(1)
				default:
					return &TornTargetError{Reader: r, Target: target, A: a, B: b}
				}
			}
			return nil
		})
	}

	err := g.Wait()
	report.Reads, report.SawA, report.SawB = reads.Load(), sawA.Load(), sawB.Load()
	return report, err
}
