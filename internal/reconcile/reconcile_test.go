package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitgpt/internal/domain"
)

var stockholm = mustLoad("Europe/Stockholm")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CEST", 2*60*60)
	}
	return loc
}

func tracked(name, start string, minutes int) domain.TrackedActivity {
	a := domain.TrackedActivity{
		ActivityName:      name,
		OriginalStartTime: start,
		DurationMs:        int64(minutes) * 60000,
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000-07:00", start); err == nil {
		a.Start = ts
	}
	return a
}

func TestExtractDurationMinutes(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"Badminton, 45 min", 45, true},
		{"45min intervals", 45, true},
		{"ran 30 MINS easy", 30, true},
		{"60 minutes of yoga", 60, true},
		{"20 m warmup", 20, true},
		{"20m warmup then 10 min cooldown", 20, true},
		{"3 miles", 0, false},
		{"5 x 400", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := ExtractDurationMinutes(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestBestMatchScores(t *testing.T) {
	w := DefaultWeights()
	cands := Candidates([]domain.TrackedActivity{
		tracked("Walk", "2025-07-03T08:00:00.000+02:00", 20),
		tracked("Badminton", "2025-07-03T18:00:00.000+02:00", 44),
	})

	m, ok := BestMatch(ManualProjection{Type: "Badminton", Details: "45 min"}, cands, w)
	require.True(t, ok)
	require.Equal(t, 1, m.Candidate.Index)
	require.InDelta(t, 1.0, m.Score, 1e-9)

	// Device name contained in the manual label scores the smaller bonus.
	m, ok = BestMatch(ManualProjection{Type: "Evening walk"}, cands, w)
	require.True(t, ok)
	require.Equal(t, 0, m.Candidate.Index)
	require.InDelta(t, 0.4, m.Score, 1e-9)

	// 20 vs 23 minutes is within 15% but not 5%.
	m, ok = BestMatch(ManualProjection{Type: "Pilates", Details: "23 min"}, cands, w)
	require.True(t, ok)
	require.Equal(t, 0, m.Candidate.Index)
	require.InDelta(t, 0.2, m.Score, 1e-9)
}

func TestBestMatchNoCandidates(t *testing.T) {
	_, ok := BestMatch(ManualProjection{Type: "Run", Details: "30 min"}, nil, DefaultWeights())
	require.False(t, ok)

	cands := Candidates([]domain.TrackedActivity{tracked("Swim", "2025-07-03T08:00:00.000+02:00", 90)})
	_, ok = BestMatch(ManualProjection{Type: "Run", Details: "30 min"}, cands, DefaultWeights())
	require.False(t, ok)
}

func TestBestMatchTieKeepsFirst(t *testing.T) {
	cands := Candidates([]domain.TrackedActivity{
		tracked("Run", "2025-07-03T07:00:00.000+02:00", 30),
		tracked("Run", "2025-07-03T19:00:00.000+02:00", 30),
	})
	m, ok := BestMatch(ManualProjection{Type: "run", Details: "30 min"}, cands, DefaultWeights())
	require.True(t, ok)
	require.Equal(t, 0, m.Candidate.Index)

	reversed := []Candidate{cands[1], cands[0]}
	m, ok = BestMatch(ManualProjection{Type: "run", Details: "30 min"}, reversed, DefaultWeights())
	require.True(t, ok)
	require.Equal(t, 1, m.Candidate.Index)
}

func TestBestMatchZeroDurationFloor(t *testing.T) {
	cands := Candidates([]domain.TrackedActivity{tracked("Stretch", "2025-07-03T07:00:00.000+02:00", 0)})
	// A zero hint is treated as no hint; only the label counts.
	m, ok := BestMatch(ManualProjection{Type: "stretch", Details: "0 min"}, cands, DefaultWeights())
	require.True(t, ok)
	require.InDelta(t, 0.6, m.Score, 1e-9)
}

func TestReconcileTimeAnchoredMerge(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{
		ID: "w1", Date: "2025-07-03", Type: "Badminton", Details: "Badminton, 45 min",
		StartTime: "2025-07-03T18:10:00",
	}}
	act := []domain.TrackedActivity{tracked("Badminton", "2025-07-03T18:00:00.000+02:00", 44)}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 1)
	require.Equal(t, domain.SourceMerged, out[0].Source)
	require.Equal(t, "w1", out[0].ID)
	require.Equal(t, "2025-07-03T18:10:00", out[0].StartTime)
	require.Equal(t, int64(44*60000), out[0].DurationMs)
	require.False(t, out[0].NeedsConfirmation)
}

func TestReconcileComparesWallClocksAcrossOffsets(t *testing.T) {
	r := New(stockholm)
	// Device clock is on +01:00 while the workspace is on Stockholm summer time.
	act := []domain.TrackedActivity{tracked("Badminton", "2025-07-03T18:00:00.000+01:00", 44)}
	manual := []domain.Workout{{
		ID: "w1", Date: "2025-07-03", Type: "Badminton", Details: "45 min",
		StartTime: act[0].LocalStart(),
	}}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 1)
	require.Equal(t, domain.SourceMerged, out[0].Source)
	require.Equal(t, "2025-07-03T18:00:00", out[0].StartTime)

	// 19:00 Stockholm is the same instant as the tracked start but an hour off on the clock.
	manual[0].StartTime = "2025-07-03T19:00:00"
	out = r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 2)
}

func TestReconcileOutsideWindowKeepsBoth(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{ID: "w1", Date: "2025-07-03", Type: "Run", StartTime: "2025-07-03T06:00:00"}}
	act := []domain.TrackedActivity{tracked("Run", "2025-07-03T06:30:00.000+02:00", 30)}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 2)
	require.Equal(t, domain.SourceManual, out[0].Source)
	require.Equal(t, domain.SourceFitbit, out[1].Source)
}

func TestReconcileUnparseableTimestamps(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{ID: "w1", Date: "2025-07-03", Type: "Run", StartTime: "after lunch"}}
	act := []domain.TrackedActivity{
		{ActivityName: "Run", OriginalStartTime: "garbage", DurationMs: 1800000},
	}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 2)
	require.Equal(t, domain.SourceManual, out[0].Source)
	require.False(t, out[0].NeedsConfirmation)
	require.Equal(t, domain.SourceFitbit, out[1].Source)
}

func TestReconcileHeuristicMerge(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{ID: "w1", Date: "2025-07-03", Type: "Badminton", Details: "45 min doubles"}}
	act := []domain.TrackedActivity{
		tracked("Walk", "2025-07-03T08:00:00.000+02:00", 25),
		tracked("Badminton", "2025-07-03T18:00:00.000+02:00", 44),
	}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 2)
	require.Equal(t, domain.SourceMerged, out[0].Source)
	require.Equal(t, "2025-07-03T18:00:00", out[0].StartTime)
	require.Equal(t, domain.SourceFitbit, out[1].Source)
	require.Equal(t, "Walk", out[1].ActivityName)
	// The stored entry is untouched.
	require.Empty(t, manual[0].StartTime)
}

func TestReconcileLowConfidenceNeedsConfirmation(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{ID: "w1", Date: "2025-07-03", Type: "Gym", Details: "leg day"}}

	out := r.Reconcile("2025-07-03", manual, nil)
	require.Len(t, out, 1)
	require.Equal(t, domain.SourceManual, out[0].Source)
	require.True(t, out[0].NeedsConfirmation)

	// A label-only match (0.6) stays below the merge threshold.
	act := []domain.TrackedActivity{tracked("Gym workout", "2025-07-03T08:00:00.000+02:00", 60)}
	out = r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 2)
	require.True(t, out[0].NeedsConfirmation)
	require.Equal(t, domain.SourceFitbit, out[1].Source)
}

func TestReconcileManualWinsOnConflict(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{{
		ID: "w1", Date: "2025-07-03", Type: "Styrkepass", Details: "bench",
		StartTime: "2025-07-03T17:55:00",
	}}
	act := []domain.TrackedActivity{tracked("Weights", "2025-07-03T18:00:00.000+02:00", 50)}

	out := r.Reconcile("2025-07-03", manual, act)
	require.Len(t, out, 1)
	require.Equal(t, "Styrkepass", out[0].Type)
	require.Equal(t, "2025-07-03T17:55:00", out[0].StartTime)
	require.Equal(t, "Weights", out[0].ActivityName)
}

func TestReconcileConservesEntriesAndIsIdempotent(t *testing.T) {
	r := New(stockholm)
	manual := []domain.Workout{
		{ID: "a", Date: "2025-07-03", Type: "Run", StartTime: "2025-07-03T07:05:00"},
		{ID: "b", Date: "2025-07-03", Type: "Run", StartTime: "2025-07-03T07:10:00"},
		{ID: "c", Date: "2025-07-03", Type: "Yoga", Details: "60 min"},
		{ID: "d", Date: "2025-07-03", Type: "Swim"},
	}
	act := []domain.TrackedActivity{
		tracked("Run", "2025-07-03T07:00:00.000+02:00", 30),
		tracked("Yoga", "2025-07-03T12:00:00.000+02:00", 61),
		tracked("Walk", "2025-07-03T15:00:00.000+02:00", 20),
		tracked("Run", "2025-07-03T21:00:00.000+02:00", 30),
	}

	first := r.Reconcile("2025-07-03", manual, act)
	second := r.Reconcile("2025-07-03", manual, act)
	require.Equal(t, first, second)

	manualSeen := map[string]int{}
	trackedSeen := map[int64]int{}
	for i := range act {
		act[i].LogID = int64(i + 1)
	}
	for _, rec := range r.Reconcile("2025-07-03", manual, act) {
		if rec.ID != "" {
			manualSeen[rec.ID]++
		}
		if rec.LogID != 0 {
			trackedSeen[rec.LogID]++
		}
	}
	require.Len(t, manualSeen, len(manual))
	for id, n := range manualSeen {
		require.Equal(t, 1, n, id)
	}
	require.Len(t, trackedSeen, len(act))
	for id, n := range trackedSeen {
		require.Equal(t, 1, n, id)
	}
}

func TestPartitionClaimDoesNotAlias(t *testing.T) {
	p := partition{unclaimed: Candidates([]domain.TrackedActivity{
		{ActivityName: "a"}, {ActivityName: "b"}, {ActivityName: "c"},
	})}
	c, next := p.claim(1)
	require.Equal(t, 1, c.Index)
	require.Len(t, next.unclaimed, 2)
	require.Len(t, next.claimed, 1)
	require.Equal(t, "b", p.unclaimed[1].Activity.ActivityName)
	require.Equal(t, []int{0, 2}, []int{next.unclaimed[0].Index, next.unclaimed[1].Index})
}
