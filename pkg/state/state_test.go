package state_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/deep-research-agent/internal/testutil"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
)

func resultsOf(items ...*domain.SearchResult) *domain.SearchResults {
	rs := domain.NewSearchResults(domain.SearchRequest{Purpose: "p"})
	for _, r := range items {
		rs.Add(r)
	}
	return rs
}

func TestNewResearchSession(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, domain.PhaseInit, s.GetPhase())
	assert.Equal(t, 12, s.MaxIterations)
	assert.Equal(t, 6, s.Results().Request.MaxResults)
	assert.Zero(t, s.Executed())
	assert.Empty(t, s.Excluded())

	other := state.NewResearchSession("query", 12, 6)
	assert.NotEqual(t, s.ID, other.ID)
}

func TestRecordPlan_MergesAndExtendsExclusions(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)

	n := s.RecordPlan(domain.PlanStep{Purpose: "first"}, resultsOf(
		testutil.NewTestResult(1, "a"),
		testutil.NewTestResult(2, "b"),
	))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, s.Excluded())

	n = s.RecordPlan(domain.PlanStep{Purpose: "second"}, resultsOf(
		testutil.NewTestResult(2, "b again"),
		testutil.NewTestResult(3, "c"),
	))
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"}, s.Excluded())
	assert.Equal(t, []string{"first", "second"}, s.Purposes())
	assert.Equal(t, 2, s.Executed())
	assert.Equal(t, 3, s.Results().Len())
}

func TestRecordPlan_ExclusionsOnlyGrow(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)
	var previous []string
	for i := 0; i < 5; i++ {
		s.RecordPlan(domain.PlanStep{Purpose: fmt.Sprint(i)}, resultsOf(
			testutil.NewTestResult(i, "x"),
			testutil.NewTestResult(i+1, "y"),
		))
		current := s.Excluded()
		require.GreaterOrEqual(t, len(current), len(previous))
		assert.Equal(t, previous, current[:len(previous)])
		previous = current
	}
	assert.Len(t, previous, 6)
}

func TestRecordPlan_NilResults(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)
	assert.Zero(t, s.RecordPlan(domain.PlanStep{Purpose: "empty"}, nil))
	assert.Equal(t, 1, s.Executed())
}

func TestFinishAndSnapshot(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)
	s.RecordPlan(domain.PlanStep{Purpose: "first"}, resultsOf(testutil.NewTestResult(1, "a")))
	s.SetError(errors.New("boom"))
	s.Finish(domain.ReasonAborted)

	snap := s.GetSnapshot()
	assert.True(t, snap.Done())
	assert.Equal(t, domain.ReasonAborted, snap.Reason)
	assert.Equal(t, "boom", snap.Error)
	assert.EqualError(t, s.GetError(), "boom")
	assert.Equal(t, 1, snap.Iteration)
	require.Len(t, snap.Results, 1)
	assert.Equal(t, "https://example.com/1", snap.Results[0].URL)

	// later mutation does not leak into the snapshot
	s.RecordPlan(domain.PlanStep{Purpose: "second"}, resultsOf(testutil.NewTestResult(2, "b")))
	assert.Len(t, snap.ExecutedPlans, 1)
	assert.Len(t, snap.ExcludedURLs, 1)
}

func TestResearchSession_ConcurrentReads(t *testing.T) {
	s := state.NewResearchSession("query", 12, 6)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			s.RecordPlan(domain.PlanStep{Purpose: fmt.Sprint(i)}, resultsOf(testutil.NewTestResult(i, "x")))
		}(i)
		go func() {
			defer wg.Done()
			_ = s.GetSnapshot()
			_ = s.Excluded()
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, s.Executed())
	assert.Len(t, s.Excluded(), 10)
}

func TestMemoryStore_SaveLoad(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store := state.NewMemoryStore(0)

	s := state.NewResearchSession("query", 12, 6)
	require.NoError(t, store.Save(ctx, s))

	s.SetPhase(domain.PhaseSearching)
	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseInit, loaded.CurrentPhase, "store holds a snapshot")

	require.NoError(t, store.Save(ctx, s))
	loaded, err = store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseSearching, loaded.CurrentPhase)
	assert.Equal(t, 1, store.Len())

	_, err = store.Load(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store := state.NewMemoryStore(2)

	first := state.NewResearchSession("1", 1, 1)
	second := state.NewResearchSession("2", 1, 1)
	third := state.NewResearchSession("3", 1, 1)
	for _, s := range []*state.ResearchSession{first, second, third} {
		require.NoError(t, store.Save(ctx, s))
	}

	assert.Equal(t, 2, store.Len())
	_, err := store.Load(ctx, first.ID)
	assert.ErrorIs(t, err, state.ErrSessionNotFound)

	// re-saving an existing session does not evict
	require.NoError(t, store.Save(ctx, second))
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_ListAndDelete(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store := state.NewMemoryStore(10)

	running := state.NewResearchSession("running", 1, 1)
	done := state.NewResearchSession("done", 1, 1)
	done.Finish(domain.ReasonNoFurtherPlan)
	require.NoError(t, store.Save(ctx, running))
	require.NoError(t, store.Save(ctx, done))

	all, err := store.List(ctx, state.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	finished, err := store.List(ctx, state.Filter{Phases: []domain.Phase{domain.PhaseDone}})
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, done.ID, finished[0].ID)

	require.NoError(t, store.Delete(ctx, done.ID))
	require.NoError(t, store.Delete(ctx, "unknown"))
	assert.Equal(t, 1, store.Len())
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	store, err := state.NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	s := state.NewResearchSession("query", 12, 6)
	s.RecordPlan(domain.PlanStep{Purpose: "first"}, resultsOf(
		testutil.NewTestResult(2, "b"),
		testutil.NewTestResult(1, "a"),
	))
	s.Finish(domain.ReasonMaxIterations)
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonMaxIterations, loaded.Reason)
	require.Len(t, loaded.Results, 2)
	assert.Equal(t, "https://example.com/2", loaded.Results[0].URL)
	assert.Equal(t, "https://example.com/1", loaded.Results[1].URL)

	list, err := store.List(ctx, state.Filter{IDs: []string{s.ID}})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, s.ID))
	_, err = store.Load(ctx, s.ID)
	assert.ErrorIs(t, err, state.ErrSessionNotFound)

	_, err = store.Load(ctx, "../escape")
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "temp_research.txt")
	results := resultsOf(testutil.NewTestResult(1, "a"), testutil.NewTestResult(2, "b"))

	require.NoError(t, state.Dump(path, results))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var pages map[string]domain.SerializedResult
	require.NoError(t, json.Unmarshal(data, &pages))
	assert.Equal(t, "https://example.com/1", pages["page1"].URL)
	assert.Equal(t, "b", pages["page2"].Content)

	assert.Error(t, state.Dump("", results))
}
