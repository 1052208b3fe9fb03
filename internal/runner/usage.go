package runner

import (
	"sync"

	"github.com/buildforge/foreman/internal/agent"
	"github.com/buildforge/foreman/internal/sched"
	"github.com/buildforge/foreman/internal/store"
)

// usageTally accumulates token counts from the stream-json result
// frames interleaved in the agent's stdout.
type usageTally struct {
	mu    sync.Mutex
	total int
}

func (u *usageTally) observe(line string) {
	sl := agent.DecodeLine(line)
	if sl == nil || sl.Tokens == nil {
		return
	}
	u.mu.Lock()
	u.total += sl.Tokens.InputTokens + sl.Tokens.OutputTokens
	u.mu.Unlock()
}

// tap chains the tally in front of an existing line sink.
func (u *usageTally) tap(next func(string)) func(string) {
	return func(line string) {
		u.observe(line)
		if next != nil {
			next(line)
		}
	}
}

func (u *usageTally) sum() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

// recordUsage reports the tokens a job consumed to the usage hook,
// pairing them with the scheduler's estimate when the job carries
// scheduling metadata.
func (r *Runner) recordUsage(job *store.AgentJob, actual int) {
	if r.Usage == nil || actual <= 0 {
		return
	}

	rec := sched.UsageRecord{JobID: job.ID, ClientID: job.ClientID, Actual: actual}
	if raw, ok := job.Metadata["scheduling"]; ok {
		if m, ok := raw.(map[string]any); ok {
			switch v := m["estimatedTokens"].(type) {
			case float64:
				rec.Predicted = int(v)
			case int:
				rec.Predicted = v
			}
		}
	}
	r.Usage(rec)
}
