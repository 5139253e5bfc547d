package plan

import (
	"time"

	"github.com/kestrel-dev/agentkit/pkg/ai"
	"github.com/kestrel-dev/agentkit/pkg/config"
)

// FromSettings builds a plan from the settings file. With no configured
// steps the default is a single step on the current model: three attempts
// with 1s exponential backoff on anything that is not an auth or overflow
// failure.
func FromSettings(s config.PlanSettings) *Plan {
	if len(s.Steps) == 0 {
		return New(Step{
			MaxAttempts: 3,
			Schedule:    Exponential(time.Second),
			While:       WhileKinds(ai.ErrorRateLimit, ai.ErrorServer, ai.ErrorNetwork, ai.ErrorOther),
		})
	}

	steps := make([]Step, 0, len(s.Steps))
	for _, cs := range s.Steps {
		step := Step{
			Model:       cs.Model,
			Label:       cs.Model,
			MaxAttempts: cs.MaxAttempts,
		}
		if step.MaxAttempts < 1 {
			step.MaxAttempts = 1
		}

		base := cs.BackoffBaseDuration()
		switch cs.Backoff {
		case "none":
			step.Schedule = NoDelay()
		case "fixed":
			step.Schedule = Fixed(base)
		default:
			step.Schedule = Exponential(base)
		}
		if cs.Jitter {
			step.Schedule = WithJitter(step.Schedule)
		}

		if len(cs.RetryOn) > 0 {
			kinds := make([]ai.ErrorKind, len(cs.RetryOn))
			for i, k := range cs.RetryOn {
				kinds[i] = ai.ErrorKind(k)
			}
			step.While = WhileKinds(kinds...)
		}

		steps = append(steps, step)
	}
	return New(steps...)
}
