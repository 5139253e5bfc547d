// Package plan wraps a prompt attempt in a declarative retry/fallback
// strategy: an ordered list of steps, each with its own model, attempt
// budget, backoff schedule, and retry predicate.
package plan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"regexp"
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// Target is the slice of the agent a plan manipulates between attempts.
type Target interface {
	SnapshotMessages() []ai.Message
	RestoreMessages(msgs []ai.Message)
	SetModel(model string)
}

// AttemptFunc runs one prompt attempt end to end.
type AttemptFunc func(ctx context.Context) error

// Schedule maps a zero-based attempt index to the delay before the next
// attempt.
type Schedule func(attempt int) time.Duration

// Predicate decides whether the step should retry after err. attempt is
// the zero-based index of the attempt that just failed.
type Predicate func(err error, attempt int) bool

// Step is one rung of the plan.
type Step struct {
	// Model is set on the target before each attempt. Empty keeps the
	// current model.
	Model string
	// Label names the step in logs.
	Label string
	// MaxAttempts caps attempts at this step; values < 1 mean 1.
	MaxAttempts int
	// Schedule delays retries. Nil means no delay.
	Schedule Schedule
	// While gates retries at this step. Nil retries on any error.
	While Predicate
}

// Plan executes steps in order until one attempt succeeds.
type Plan struct {
	Steps  []Step
	Logger *slog.Logger
}

func New(steps ...Step) *Plan {
	return &Plan{Steps: steps}
}

// Execute runs attempt under the plan. Before every attempt the target's
// messages are snapshotted and the step's model applied; a failed attempt
// restores the snapshot so the next one sees the same state. The first
// success short-circuits; when every step is exhausted the last error is
// returned. Context cancellation stops immediately with the context error
// unless an attempt already produced one.
func (p *Plan) Execute(ctx context.Context, target Target, attempt AttemptFunc) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	steps := p.Steps
	if len(steps) == 0 {
		steps = []Step{{MaxAttempts: 1}}
	}

	var lastErr error
	for si, step := range steps {
		maxAttempts := step.MaxAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		if step.Model != "" {
			target.SetModel(step.Model)
		}

		for a := 0; a < maxAttempts; a++ {
			if err := ctx.Err(); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}

			snapshot := target.SnapshotMessages()
			err := attempt(ctx)
			if err == nil {
				return nil
			}
			lastErr = err
			target.RestoreMessages(snapshot)
			logger.Warn("prompt attempt failed",
				"step", stepLabel(step, si), "attempt", a+1, "of", maxAttempts,
				"kind", string(ai.Classify(err)), "error", err)

			if step.While != nil && !step.While(err, a) {
				break // predicate sends us to the next step
			}
			if a+1 >= maxAttempts {
				break
			}
			if step.Schedule != nil {
				if !sleep(ctx, step.Schedule(a)) {
					return lastErr
				}
			}
		}
	}
	return lastErr
}

func stepLabel(step Step, index int) string {
	if step.Label != "" {
		return step.Label
	}
	if step.Model != "" {
		return step.Model
	}
	return fmt.Sprintf("step-%d", index)
}

// sleep waits d unless ctx fires first; reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

// NoDelay retries immediately.
func NoDelay() Schedule {
	return func(int) time.Duration { return 0 }
}

// Fixed waits the same duration between attempts.
func Fixed(d time.Duration) Schedule {
	return func(int) time.Duration { return d }
}

// Exponential waits base × 2^attempt.
func Exponential(base time.Duration) Schedule {
	return func(attempt int) time.Duration {
		d := base
		for i := 0; i < attempt; i++ {
			d *= 2
		}
		return d
	}
}

// WithJitter scales every delay by a random factor in [0.5, 1.5).
func WithJitter(s Schedule) Schedule {
	return func(attempt int) time.Duration {
		d := s(attempt)
		if d <= 0 {
			return d
		}
		return time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// WhileKinds retries while the error classifies as one of kinds.
func WhileKinds(kinds ...ai.ErrorKind) Predicate {
	set := make(map[ai.ErrorKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(err error, _ int) bool {
		return set[ai.Classify(err)]
	}
}

// WhileMessageMatches retries while the error text matches the pattern.
func WhileMessageMatches(re *regexp.Regexp) Predicate {
	return func(err error, _ int) bool {
		return err != nil && re.MatchString(err.Error())
	}
}

// Always retries on every error until the step's attempts run out.
func Always() Predicate {
	return func(error, int) bool { return true }
}
