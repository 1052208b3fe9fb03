package sched

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildforge/foreman/internal/store"
)

func TestExtractFeatures_Complexity(t *testing.T) {
	f := ExtractFeatures("integrate payment authentication", nil, "", 0)
	assert.InDelta(t, 1.0+0.3+0.4+0.4, f.ComplexityScore, 1e-9)

	f = ExtractFeatures("fix a typo in a comment", nil, "", 0)
	assert.InDelta(t, 1.0-0.4-0.3, f.ComplexityScore, 1e-9)

	// Clamped to [0.5, 3.0].
	f = ExtractFeatures("simple basic minor typo comment", nil, "", 0)
	assert.Equal(t, 0.5, f.ComplexityScore)

	f = ExtractFeatures("integrate migrate security authentication real-time websocket concurrent payment performance distributed", nil, "", 0)
	assert.Equal(t, 3.0, f.ComplexityScore)
}

func TestExtractFeatures_Flags(t *testing.T) {
	f := ExtractFeatures("refactor the database layer and add tests", []string{"a.go", "b.go"}, "go", 0)
	assert.True(t, f.HasTests)
	assert.True(t, f.HasDatabase)
	assert.True(t, f.IsRefactor)
	assert.Equal(t, 2, f.FilesToModify)
	assert.Equal(t, 0.9, f.TechStackFactor)
	assert.Equal(t, float64(defaultClientAvgTokens), f.ClientAvgTokens)

	f = ExtractFeatures("plain work", nil, "cobol", 7000)
	assert.Equal(t, 1.0, f.TechStackFactor)
	assert.Equal(t, 7000.0, f.ClientAvgTokens)
}

func TestPredictTokens_BaseCase(t *testing.T) {
	w := DefaultWeights()
	f := Features{
		DescriptionLength: 100,
		ComplexityScore:   1.0,
		TechStackFactor:   1.0,
	}
	p := w.PredictTokens(f, 0)

	// input 500 + 0.5*100 = 550, output 2000; blend disabled.
	assert.Equal(t, 550, p.InputTokens)
	assert.Equal(t, 2000, p.OutputTokens)
	assert.Equal(t, 2550, p.TotalTokens)
	assert.Equal(t, 0.7, p.Confidence)
}

func TestPredictTokens_FilesAndMultipliers(t *testing.T) {
	w := DefaultWeights()
	f := Features{
		DescriptionLength: 0,
		FilesToModify:     2,
		ComplexityScore:   2.0,
		TechStackFactor:   1.0,
		HasTests:          true,
	}
	p := w.PredictTokens(f, 0)

	// input: 500 + 0.3*1600 = 980
	assert.Equal(t, 980, p.InputTokens)
	// output: (2000 + 0.7*1600) * (1 + (2-1)*0.5) * 1.3 = 3120*1.5*1.3 = 6084
	assert.Equal(t, 6084, p.OutputTokens)
	// Files given bumps confidence.
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
}

func TestPredictTokens_HistoricalBlend(t *testing.T) {
	w := DefaultWeights()
	f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0, ClientAvgTokens: 10000}
	p := w.PredictTokens(f, 60)

	// total = 2500*0.7 + 10000*0.3 = 4750, split preserved 500:2000.
	assert.Equal(t, 4750, p.TotalTokens)
	assert.Equal(t, 950, p.InputTokens)
	assert.Equal(t, 3800, p.OutputTokens)
	// history + >=50 past predictions, no files: 0.7+0.1+0.1
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)
}

func TestPredictTokens_ConfidenceCap(t *testing.T) {
	w := DefaultWeights()
	f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0, ClientAvgTokens: 9000, FilesToModify: 1}
	p := w.PredictTokens(f, 100)
	assert.Equal(t, 0.95, p.Confidence)
}

func TestCalculatePriority(t *testing.T) {
	small := Prediction{TotalTokens: 3000}
	large := Prediction{TotalTokens: 25000}
	easy := Features{ComplexityScore: 1.0}
	hard := Features{ComplexityScore: 2.5}

	// (100+20)*1*1 + 10
	assert.Equal(t, 130, CalculatePriority(easy, small, 1.0, "pro"))
	// (100-10)*1*1 - 5
	assert.Equal(t, 85, CalculatePriority(hard, large, 1.0, "pro"))
	// Tier multipliers apply before complexity adjustment.
	assert.Equal(t, 190, CalculatePriority(easy, small, 1.0, "enterprise"))
	assert.Equal(t, 106, CalculatePriority(easy, small, 1.0, "free"))
	// Zero urgency defaults to 1.0; unknown tier to 1.0.
	assert.Equal(t, 130, CalculatePriority(easy, small, 0, "mystery"))
}

func newSchedStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedSchedJob(t *testing.T, st *store.Store, clientID string) *store.AgentJob {
	t.Helper()
	job := &store.AgentJob{
		ID:            ulid.Make().String(),
		ClientID:      clientID,
		JobType:       store.JobTypeCode,
		TargetMachine: "m1",
	}
	require.NoError(t, st.CreateJob(job))
	return job
}

func TestScheduleJob_PersistsMetadata(t *testing.T) {
	st := newSchedStore(t)
	require.NoError(t, st.CreateClient(&store.Client{ID: "c1", Name: "acme"}))
	job := seedSchedJob(t, st, "c1")

	s := New(st)
	f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0}
	p := s.Predict(f)

	sched, err := s.ScheduleJob(job.ID, f, p, nil)
	require.NoError(t, err)
	assert.Equal(t, p.TotalTokens, sched.EstimatedTokens)
	assert.Equal(t, int64(p.TotalTokens)*1000/tokensPerSecond, sched.EstimatedDurationMs)

	got, err := st.GetJob(job.ID)
	require.NoError(t, err)
	require.Contains(t, got.Metadata, "scheduling")
}

func TestScheduleJob_DependencyBackoff(t *testing.T) {
	st := newSchedStore(t)
	require.NoError(t, st.CreateClient(&store.Client{ID: "c1", Name: "acme"}))
	dep := seedSchedJob(t, st, "c1")
	job := seedSchedJob(t, st, "c1")

	s := New(st)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	f := Features{ComplexityScore: 1.0, TechStackFactor: 1.0}
	sched, err := s.ScheduleJob(job.ID, f, s.Predict(f), []string{dep.ID})
	require.NoError(t, err)
	assert.Equal(t, now.Add(dependencyBackoff), sched.ScheduledAt)

	// Completed dependency schedules immediately.
	_, err = st.ClaimQueuedJobs("m1", 2)
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(dep.ID, 0, store.ReasonPromiseDetected))
	require.NoError(t, st.CreateJob(&store.AgentJob{
		ID: "j3", ClientID: "c1", JobType: store.JobTypeCode, TargetMachine: "m1",
	}))
	sched, err = s.ScheduleJob("j3", f, s.Predict(f), []string{dep.ID})
	require.NoError(t, err)
	assert.Equal(t, now, sched.ScheduledAt)
}

func TestGetNextJobs_Ordering(t *testing.T) {
	st := newSchedStore(t)
	require.NoError(t, st.CreateClient(&store.Client{ID: "c1", Name: "acme"}))

	s := New(st)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	early := seedSchedJob(t, st, "c1")
	late := seedSchedJob(t, st, "c1")
	unscheduled := seedSchedJob(t, st, "c1")

	require.NoError(t, st.UpdateJobMetadata(early.ID, map[string]any{
		"scheduling": map[string]any{"priority": float64(100), "scheduledAt": base.Format(time.RFC3339)},
	}))
	require.NoError(t, st.UpdateJobMetadata(late.ID, map[string]any{
		"scheduling": map[string]any{"priority": float64(200), "scheduledAt": base.Add(time.Hour).Format(time.RFC3339)},
	}))
	_ = unscheduled

	next, err := s.GetNextJobs(10)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, early.ID, next[0].ID)
	assert.Equal(t, late.ID, next[1].ID)

	limited, err := s.GetNextJobs(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordActualUsage_AdjustsWeights(t *testing.T) {
	s := New(nil)

	// 20 records where actual is double the prediction: mean relative
	// error 0.5, so base output grows.
	before := s.ExportWeights().BaseOutputTokens
	for i := 0; i < 20; i++ {
		s.RecordActualUsage(UsageRecord{
			JobID: "j", ClientID: "c1", ComplexityScore: 1.0,
			Predicted: 5000, Actual: 10000,
		})
	}
	after := s.ExportWeights().BaseOutputTokens
	assert.Greater(t, after, before)
}

func TestClientAvgTokens(t *testing.T) {
	s := New(nil)
	assert.Zero(t, s.ClientAvgTokens("c1"))

	for i := 0; i < 5; i++ {
		s.RecordActualUsage(UsageRecord{ClientID: "c1", Predicted: 1000, Actual: 2000})
	}
	s.RecordActualUsage(UsageRecord{ClientID: "other", Predicted: 1, Actual: 999999})
	assert.Equal(t, 2000.0, s.ClientAvgTokens("c1"))
}

func TestGetPredictionMetrics(t *testing.T) {
	s := New(nil)
	assert.Zero(t, s.GetPredictionMetrics().TotalPredictions)

	s.RecordActualUsage(UsageRecord{Predicted: 900, Actual: 1000})  // 10%
	s.RecordActualUsage(UsageRecord{Predicted: 500, Actual: 1000})  // 50%
	s.RecordActualUsage(UsageRecord{Predicted: 100, Actual: 1000})  // 90%

	m := s.GetPredictionMetrics()
	assert.Equal(t, 3, m.TotalPredictions)
	assert.InDelta(t, 50.0, m.MeanErrorPct, 1e-9)
	assert.InDelta(t, 50.0, m.MedianErrorPct, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.WithinFiftyPct, 1e-9)
}

func TestExportImportWeights(t *testing.T) {
	s := New(nil)
	w := s.ExportWeights()
	w.BaseOutputTokens = 3333
	s.ImportWeights(w)
	assert.Equal(t, 3333.0, s.ExportWeights().BaseOutputTokens)
}

func TestHistoryBounded(t *testing.T) {
	s := New(nil)
	for i := 0; i < maxHistory+50; i++ {
		s.RecordActualUsage(UsageRecord{ClientID: "c", Predicted: 1000, Actual: 1000})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.history, maxHistory)
}
