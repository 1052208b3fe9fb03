package sched

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/buildforge/foreman/internal/store"
)

const (
	maxHistory = 1000

	// tokensPerSecond converts a token estimate into a duration.
	tokensPerSecond = 50

	// dependencyBackoff delays jobs whose dependencies are unfinished.
	dependencyBackoff = 5 * time.Minute
)

// UsageRecord pairs a prediction with the actual tokens consumed.
type UsageRecord struct {
	JobID           string
	ClientID        string
	ComplexityScore float64
	FilesToModify   int
	Predicted       int
	Actual          int
	RecordedAt      time.Time
}

// Scheduling is the blob persisted under metadata["scheduling"].
type Scheduling struct {
	Priority            int       `json:"priority"`
	EstimatedTokens     int       `json:"estimatedTokens"`
	EstimatedDurationMs int64     `json:"estimatedDurationMs"`
	ScheduledAt         time.Time `json:"scheduledAt"`
}

// Scheduler holds the weight state and bounded usage history. State is
// in-memory; export/import is the persistence seam.
type Scheduler struct {
	store *store.Store

	mu      sync.Mutex
	weights Weights
	history []UsageRecord

	// Capacity reports (running, max) for wait estimation. Nil means
	// capacity is always available.
	Capacity func() (running, max int)

	now func() time.Time
}

// New creates a scheduler with default weights.
func New(st *store.Store) *Scheduler {
	return &Scheduler{store: st, weights: DefaultWeights(), now: time.Now}
}

// Extract builds features for a description, filling the client's
// historical average from the usage history.
func (s *Scheduler) Extract(clientID, description string, filesToModify []string, techStack string) Features {
	return ExtractFeatures(description, filesToModify, techStack, s.ClientAvgTokens(clientID))
}

// Predict estimates tokens with the current weights.
func (s *Scheduler) Predict(f Features) Prediction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights.PredictTokens(f, len(s.history))
}

// ClientAvgTokens returns the mean of the client's last 20 recorded
// actuals, or 0 when the client has no history.
func (s *Scheduler) ClientAvgTokens(clientID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum, n float64
	for i := len(s.history) - 1; i >= 0 && n < 20; i-- {
		if s.history[i].ClientID != clientID {
			continue
		}
		sum += float64(s.history[i].Actual)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// ScheduleJob computes a start estimate and persists it into the job's
// metadata. Unfinished dependencies push the start out by a fixed
// backoff; otherwise the start is now plus the estimated wait for
// capacity.
func (s *Scheduler) ScheduleJob(jobID string, f Features, p Prediction, dependencies []string) (*Scheduling, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}

	now := s.now()
	scheduledAt := now

	blocked := false
	for _, dep := range dependencies {
		depJob, err := s.store.GetJob(dep)
		if err != nil {
			return nil, err
		}
		if depJob == nil || depJob.Status != store.StatusCompleted {
			blocked = true
			break
		}
	}

	if blocked {
		scheduledAt = now.Add(dependencyBackoff)
	} else if s.Capacity != nil {
		running, max := s.Capacity()
		if max > 0 && running >= max {
			// Wait roughly one average job per slot overcommitted.
			waitMs := int64(p.TotalTokens) * 1000 / tokensPerSecond * int64(running-max+1)
			scheduledAt = now.Add(time.Duration(waitMs) * time.Millisecond)
		}
	}

	sched := &Scheduling{
		Priority:            CalculatePriority(f, p, 1.0, "pro"),
		EstimatedTokens:     p.TotalTokens,
		EstimatedDurationMs: int64(p.TotalTokens) * 1000 / tokensPerSecond,
		ScheduledAt:         scheduledAt,
	}

	meta := job.Metadata
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["scheduling"] = sched
	if err := s.store.UpdateJobMetadata(jobID, meta); err != nil {
		return nil, err
	}
	return sched, nil
}

// SchedulePriority recomputes a scheduling priority with explicit
// urgency and tier, used by the HTTP surface.
func (s *Scheduler) SchedulePriority(f Features, p Prediction, urgency float64, tier string) int {
	return CalculatePriority(f, p, urgency, tier)
}

// GetNextJobs orders queued jobs that carry scheduling metadata by
// scheduled start, then priority.
func (s *Scheduler) GetNextJobs(limit int) ([]*store.AgentJob, error) {
	jobs, err := s.store.ListJobs(store.JobFilter{Status: store.StatusQueued})
	if err != nil {
		return nil, err
	}

	type entry struct {
		job   *store.AgentJob
		sched Scheduling
	}
	var entries []entry
	for _, job := range jobs {
		sched, ok := schedulingFromMetadata(job.Metadata)
		if !ok {
			continue
		}
		entries = append(entries, entry{job: job, sched: sched})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].sched.ScheduledAt.Equal(entries[j].sched.ScheduledAt) {
			return entries[i].sched.ScheduledAt.Before(entries[j].sched.ScheduledAt)
		}
		return entries[i].sched.Priority > entries[j].sched.Priority
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*store.AgentJob, len(entries))
	for i, e := range entries {
		out[i] = e.job
	}
	return out, nil
}

func schedulingFromMetadata(meta map[string]any) (Scheduling, bool) {
	raw, ok := meta["scheduling"]
	if !ok {
		return Scheduling{}, false
	}

	switch v := raw.(type) {
	case *Scheduling:
		return *v, true
	case Scheduling:
		return v, true
	case map[string]any:
		var sched Scheduling
		if p, ok := v["priority"].(float64); ok {
			sched.Priority = int(p)
		}
		if t, ok := v["estimatedTokens"].(float64); ok {
			sched.EstimatedTokens = int(t)
		}
		if d, ok := v["estimatedDurationMs"].(float64); ok {
			sched.EstimatedDurationMs = int64(d)
		}
		if at, ok := v["scheduledAt"].(string); ok {
			parsed, err := time.Parse(time.RFC3339Nano, at)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, at)
			}
			if err == nil {
				sched.ScheduledAt = parsed
			}
		}
		return sched, true
	}
	return Scheduling{}, false
}

// RecordActualUsage appends an observation and periodically retunes
// the weights.
func (s *Scheduler) RecordActualUsage(rec UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	s.history = append(s.history, rec)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}

	if len(s.history) >= 20 && len(s.history)%10 == 0 {
		s.adjustWeightsLocked()
	}
}

// adjustWeightsLocked nudges the weight parameters toward the mean
// relative error over the recent window. Callers hold s.mu.
func (s *Scheduler) adjustWeightsLocked() {
	window := s.history
	if len(window) > 100 {
		window = window[len(window)-100:]
	}

	var sumErr float64
	var n int
	var sumComplexAbs, sumComplexErr float64
	var nComplex int
	var sumFilesErr float64
	var nFiles int

	for _, rec := range window {
		if rec.Actual == 0 {
			continue
		}
		e := float64(rec.Actual-rec.Predicted) / float64(rec.Actual)
		sumErr += e
		n++
		if rec.ComplexityScore > 1.5 {
			sumComplexAbs += math.Abs(e)
			sumComplexErr += e
			nComplex++
		}
		if rec.FilesToModify > 3 {
			sumFilesErr += e
			nFiles++
		}
	}
	if n == 0 {
		return
	}

	meanErr := sumErr / float64(n)
	if math.Abs(meanErr) > 0.1 {
		s.weights.BaseOutputTokens *= 1 + 0.5*meanErr
	}
	if nComplex > 0 && sumComplexAbs/float64(nComplex) > 0.15 {
		s.weights.ComplexityMultiplier *= 1 + 0.3*(sumComplexErr/float64(nComplex))
	}
	if nFiles > 0 && math.Abs(sumFilesErr/float64(nFiles)) > 0.1 {
		s.weights.TokensPerFile *= 1 + 0.5*(sumFilesErr/float64(nFiles))
	}
}

// Metrics summarizes prediction accuracy over the whole history.
type Metrics struct {
	TotalPredictions int     `json:"totalPredictions"`
	MeanErrorPct     float64 `json:"meanErrorPct"`
	MedianErrorPct   float64 `json:"medianErrorPct"`
	WithinFiftyPct   float64 `json:"withinFiftyPct"`
}

// GetPredictionMetrics reports accuracy of past predictions.
func (s *Scheduler) GetPredictionMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []float64
	within := 0
	for _, rec := range s.history {
		if rec.Actual == 0 {
			continue
		}
		e := math.Abs(float64(rec.Actual-rec.Predicted)) / float64(rec.Actual) * 100
		errs = append(errs, e)
		if e <= 50 {
			within++
		}
	}

	m := Metrics{TotalPredictions: len(errs)}
	if len(errs) == 0 {
		return m
	}

	var sum float64
	for _, e := range errs {
		sum += e
	}
	m.MeanErrorPct = sum / float64(len(errs))

	sorted := append([]float64(nil), errs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		m.MedianErrorPct = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		m.MedianErrorPct = sorted[mid]
	}
	m.WithinFiftyPct = float64(within) / float64(len(errs))
	return m
}

// ExportWeights snapshots the current weights for persistence.
func (s *Scheduler) ExportWeights() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights
}

// ImportWeights restores previously exported weights.
func (s *Scheduler) ImportWeights(w Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = w
}
