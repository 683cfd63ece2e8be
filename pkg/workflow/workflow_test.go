package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/deep-research-agent/internal/testutil"
	"github.com/ncolesummers/deep-research-agent/pkg/acquire"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
	"github.com/ncolesummers/deep-research-agent/pkg/retry"
	"github.com/ncolesummers/deep-research-agent/pkg/search"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
	"github.com/ncolesummers/deep-research-agent/pkg/workflow"
)

func init() {
	retry.DelayScale = 0
}

var indexLine = regexp.MustCompile(`(?m)^Index (\d+):`)

// scoreAll gives every result in a relevance batch the same score
func scoreAll(_ context.Context, messages []domain.Message, _ domain.ChatOptions) (*domain.ChatResponse, error) {
	matches := indexLine.FindAllStringSubmatch(messages[0].Content, -1)
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("%q: 5", m[1])
	}
	return &domain.ChatResponse{Content: "{" + strings.Join(parts, ", ") + "}"}, nil
}

func stepJSON(purpose, keys string) string {
	return fmt.Sprintf(`{"search_purpose": %q, "search_restrictions": "", "time_page": [0, 0, 0], "data": [{"keys": %q, "language": "en_US"}]}`, purpose, keys)
}

func planJSON(purpose, keys string) string {
	return `{"steps": [` + stepJSON(purpose, keys) + `]}`
}

// keyedBackend returns three results per key, with URLs derived from the key
func keyedBackend() *testutil.MockSearchBackend {
	backend := testutil.NewMockSearchBackend()
	backend.SearchFunc = func(_ context.Context, key domain.QueryKey, _ domain.RecencyWindow) ([]domain.SearchResult, error) {
		out := make([]domain.SearchResult, 3)
		for i := range out {
			out[i] = domain.SearchResult{
				URL:     fmt.Sprintf("https://example.com/%s/%d", key.Text, i+1),
				Title:   fmt.Sprintf("%s %d", key.Text, i+1),
				Content: "snippet",
				Score:   3,
			}
		}
		return out, nil
	}
	return backend
}

type harness struct {
	keywords *testutil.MockLLMClient
	planner  *testutil.MockLLMClient
	curator  *testutil.MockLLMClient
	backend  *testutil.MockSearchBackend
	crawler  *testutil.MockCrawler
	store    *state.MemoryStore
	quick    *workflow.QuickSearch
	loop     *workflow.ResearchLoop
}

func newHarness(t *testing.T, opts workflow.ResearchLoopOptions) *harness {
	t.Helper()
	h := &harness{
		keywords: testutil.NewMockLLMClient(),
		planner:  testutil.NewMockLLMClient(),
		curator:  testutil.NewMockLLMClient(),
		backend:  keyedBackend(),
		crawler:  testutil.NewMockCrawler("firecrawl"),
		store:    state.NewMemoryStore(0),
	}
	h.keywords.Responses["default"] = stepJSON("reference", "ref")
	h.curator.Responses["default"] = "[1, 2]"
	h.crawler.FetchFunc = func(_ context.Context, url string) (string, error) {
		return testutil.Text("x", 1200), nil
	}

	scorer := testutil.NewMockLLMClient()
	scorer.ChatFunc = scoreAll

	executor, err := search.NewExecutor(h.backend, search.Options{})
	require.NoError(t, err)
	evaluator, err := evaluate.NewEvaluator(scorer, evaluate.Options{})
	require.NoError(t, err)
	acquirer, err := acquire.NewAcquirer([]domain.Crawler{h.crawler}, acquire.Options{})
	require.NoError(t, err)
	curator, err := evaluate.NewCurator(h.curator, nil)
	require.NoError(t, err)
	planner, err := workflow.NewPlanner(h.planner, "en_US", nil)
	require.NoError(t, err)

	h.quick, err = workflow.NewQuickSearch(h.keywords, executor, evaluator, acquirer, workflow.QuickSearchOptions{Language: "en_US"})
	require.NoError(t, err)

	if opts.Store == nil {
		opts.Store = h.store
	}
	h.loop, err = workflow.NewResearchLoop(planner, h.quick, curator, acquirer, opts)
	require.NoError(t, err)
	return h
}

// scriptPlanner replies with the given plans in order, then with no steps
func (h *harness) scriptPlanner(replies ...string) {
	var calls atomic.Int32
	h.planner.ChatFunc = func(_ context.Context, _ []domain.Message, _ domain.ChatOptions) (*domain.ChatResponse, error) {
		n := int(calls.Add(1))
		if n <= len(replies) {
			return &domain.ChatResponse{Content: replies[n-1]}, nil
		}
		return &domain.ChatResponse{Content: `{"steps": []}`}, nil
	}
}

func collect(seq func(func(string) bool)) []string {
	var events []string
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func finalResults(t *testing.T, events []string) domain.SerializedResults {
	t.Helper()
	require.NotEmpty(t, events)
	payload, ok := workflow.IsResultsEvent(events[len(events)-1])
	require.True(t, ok, "last event must carry the results")

	var results domain.SerializedResults
	require.NoError(t, json.Unmarshal([]byte(payload), &results))
	return results
}

func onlySession(t *testing.T, store *state.MemoryStore) state.SessionSnapshot {
	t.Helper()
	list, err := store.List(context.Background(), state.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		steps   int
		wantErr bool
	}{
		{"one step", planJSON("p", "k"), 1, false},
		{"explicit empty", `{"steps": []}`, 0, false},
		{"fenced with thinking", "<think>hmm</think>```json\n" + planJSON("p", "k") + "\n```", 1, false},
		{"steps without keys dropped", `{"steps": [{"search_purpose": "p", "data": []}]}`, 0, false},
		{"missing steps", `{"plan": []}`, 0, true},
		{"not json", "I cannot plan this", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := workflow.ParsePlan(tt.reply, "en_US")
			if tt.wantErr {
				assert.ErrorIs(t, got.Err, domain.ErrMalformedResponse)
				assert.Empty(t, got.Steps)
				return
			}
			require.NoError(t, got.Err)
			assert.Len(t, got.Steps, tt.steps)
		})
	}
}

func TestParsePlan_StepFields(t *testing.T) {
	reply := `{"steps": [{
		"search_purpose": " find prices ",
		"search_restrictions": "official sources",
		"time_page": [0, 3, 0],
		"data": [{"keys": "gpu prices", "language": "en_US"}, {"keys": "显卡 价格"}, {"keys": " "}]
	}]}`

	got := workflow.ParsePlan(reply, "zh_CN")
	require.NoError(t, got.Err)
	require.Len(t, got.Steps, 1)

	step := got.Steps[0]
	assert.Equal(t, "find prices", step.Purpose)
	assert.Equal(t, "official sources", step.Restrictions)
	assert.Equal(t, domain.RecencyWindow{Value: 3, Unit: domain.RecencyMonth}, step.Recency)
	assert.Equal(t, []domain.QueryKey{
		{Text: "gpu prices", Language: "en_US"},
		{Text: "显卡 价格", Language: "zh_CN"},
	}, step.QueryKeys)
}

func TestParsePlan_MalformedTimePageMeansNoWindow(t *testing.T) {
	reply := `{"steps": [{"search_purpose": "p", "time_page": "", "data": [{"keys": "k", "language": "en_US"}]}]}`
	got := workflow.ParsePlan(reply, "en_US")
	require.NoError(t, got.Err)
	require.Len(t, got.Steps, 1)
	assert.True(t, got.Steps[0].Recency.IsZero())
}

func TestParseSearchRequest(t *testing.T) {
	req, err := workflow.ParseSearchRequest(stepJSON("purpose", "keys"), "en_US", 4)
	require.NoError(t, err)
	assert.Equal(t, "purpose", req.Purpose)
	assert.Equal(t, 4, req.MaxResults)
	assert.Equal(t, []domain.QueryKey{{Text: "keys", Language: "en_US"}}, req.QueryKeys)

	_, err = workflow.ParseSearchRequest(`{"search_purpose": "p", "data": []}`, "en_US", 4)
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestQuickSearch_ShallowRunKeepsSnippets(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	ctx := testutil.NewTestContext(t)

	req, err := h.quick.GenerateRequest(ctx, "user: question")
	require.NoError(t, err)

	results := h.quick.Run(ctx, req, false)
	require.Equal(t, 3, results.Len())
	for _, r := range results.Results {
		assert.Equal(t, "snippet", r.Content)
		assert.Equal(t, 5.0, r.Score)
	}
	assert.Zero(t, h.crawler.FetchCount())
}

func TestQuickSearch_StreamDeepScans(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})

	events := collect(h.quick.Stream(testutil.NewTestContext(t), "user: question"))

	assert.Equal(t, "**Search purpose:** reference\n", events[0])
	assert.Contains(t, events, "Searching...\n")
	results := finalResults(t, events)
	require.Len(t, results, 3)
	assert.Equal(t, testutil.Text("x", 1200), results[0].Content)
	assert.Equal(t, 3, h.crawler.FetchCount())
}

func TestQuickSearch_StreamKeywordFailure(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.keywords.Responses["default"] = "no idea"

	events := collect(h.quick.Stream(testutil.NewTestContext(t), "user: question"))

	assert.Equal(t, []string{"Keyword generation failed\n", "results{}"}, events)
	assert.Zero(t, h.backend.QueryCount())
}

func TestResearchLoop_StopsWhenPlannerHasNoFurtherPlan(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"), planJSON("second", "plan2"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	snap := onlySession(t, h.store)
	assert.True(t, snap.Done())
	assert.Equal(t, domain.ReasonNoFurtherPlan, snap.Reason)
	require.Len(t, snap.ExecutedPlans, 2)
	assert.Equal(t, "first", snap.ExecutedPlans[0].Purpose)
	assert.Equal(t, "second", snap.ExecutedPlans[1].Purpose)
	assert.Equal(t, 3, h.planner.GetCallCount(), "the third plan request returned no steps")

	results := finalResults(t, events)
	require.Len(t, results, 4, "curator picks two pages per plan")
	assert.Equal(t, "https://example.com/plan1/1", results[0].URL)
	assert.Equal(t, "https://example.com/plan2/2", results[3].URL)

	assert.Contains(t, events, "Executed plans 1/12\n")
	assert.Contains(t, events, "Plan 2 done\n")
	assert.Contains(t, events, "Viewed 2 pages:\n1. https://example.com/plan1/1\n2. https://example.com/plan1/2\n\n")
	assert.Contains(t, events, "No further plan, research finished early after 2 plans\n")
}

func TestResearchLoop_NextPlanSeesHistory(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{MaxIterations: 5})
	h.scriptPlanner(planJSON("first purpose", "plan1"))

	collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	prompt := h.planner.GetLastMessages()[0].Content
	assert.Contains(t, prompt, "1. first purpose")
	assert.Contains(t, prompt, "https://example.com/plan1/1")
	assert.Contains(t, prompt, "At most 4 more steps")
}

func TestResearchLoop_MaxIterations(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{MaxIterations: 3})
	var calls atomic.Int32
	h.planner.ChatFunc = func(_ context.Context, _ []domain.Message, _ domain.ChatOptions) (*domain.ChatResponse, error) {
		n := calls.Add(1)
		return &domain.ChatResponse{Content: planJSON(fmt.Sprint("purpose ", n), fmt.Sprint("plan", n))}, nil
	}

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	snap := onlySession(t, h.store)
	assert.Equal(t, domain.ReasonMaxIterations, snap.Reason)
	assert.Len(t, snap.ExecutedPlans, 3)
	assert.Equal(t, 3, h.planner.GetCallCount())
	assert.Len(t, finalResults(t, events), 6)
}

func TestResearchLoop_ExcludesAccumulatedURLs(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{MaxIterations: 3})
	h.scriptPlanner(planJSON("a", "same"), planJSON("b", "same"), planJSON("c", "same"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	results := finalResults(t, events)
	require.Len(t, results, 3, "each plan only sees URLs not merged before")
	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, seen[r.URL])
		seen[r.URL] = true
	}

	snap := onlySession(t, h.store)
	assert.Len(t, snap.ExecutedPlans, 3)
	assert.Len(t, snap.ExcludedURLs, 3)
}

func TestResearchLoop_FirstPlanEmpty(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.planner.Responses["default"] = "nothing to plan"

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	snap := onlySession(t, h.store)
	assert.Equal(t, domain.ReasonFirstPlanEmpty, snap.Reason)
	assert.Empty(t, snap.ExecutedPlans)
	assert.Equal(t, "results{}", events[len(events)-1])
	assert.Equal(t, 1, h.backend.QueryCount(), "only the reference search ran")
}

func TestResearchLoop_ReferenceFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.keywords.ShouldError = true
	h.keywords.ErrorMessage = "keyword model down"
	h.scriptPlanner(planJSON("first", "plan1"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	assert.Equal(t, domain.ReasonNoFurtherPlan, onlySession(t, h.store).Reason)
	assert.Len(t, finalResults(t, events), 2)
	assert.Contains(t, h.planner.GetLastMessages()[0].Content, "Results gathered so far")
}

func TestResearchLoop_CuratorRejectionSelectsNothing(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.curator.Responses["default"] = "page one looks good"
	h.scriptPlanner(planJSON("first", "plan1"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	assert.Empty(t, finalResults(t, events))
	assert.Contains(t, events, "No pages viewed\n")
	assert.Zero(t, h.crawler.FetchCount())
	assert.Len(t, onlySession(t, h.store).ExecutedPlans, 1)
}

func TestResearchLoop_PanicIsAborted(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"), planJSON("second", "plan2"))

	var calls atomic.Int32
	h.curator.ChatFunc = func(_ context.Context, _ []domain.Message, _ domain.ChatOptions) (*domain.ChatResponse, error) {
		if calls.Add(1) == 2 {
			panic("curator exploded")
		}
		return &domain.ChatResponse{Content: "[1]"}, nil
	}

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	snap := onlySession(t, h.store)
	assert.Equal(t, domain.ReasonAborted, snap.Reason)
	assert.Contains(t, snap.Error, "curator exploded")
	assert.Contains(t, events, "Research aborted after 1 plans\n")
	assert.Len(t, finalResults(t, events), 1, "results gathered before the failure survive")
}

func TestResearchLoop_SearchPanicYieldsNoCandidates(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"), planJSON("second", "plan2"))

	keyed := h.backend.SearchFunc
	h.backend.SearchFunc = func(ctx context.Context, key domain.QueryKey, window domain.RecencyWindow) ([]domain.SearchResult, error) {
		if key.Text == "plan2" {
			panic("backend exploded")
		}
		return keyed(ctx, key, window)
	}

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	snap := onlySession(t, h.store)
	assert.True(t, snap.Done())
	assert.Equal(t, domain.ReasonNoFurtherPlan, snap.Reason)
	assert.Empty(t, snap.Error)
	assert.Contains(t, events, "No further plan, research finished early after 2 plans\n")

	results := finalResults(t, events)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, r.URL, "/plan1/")
	}
}

func TestResearchLoop_ConsumerStopsEarly(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"))

	var seen int
	for range h.loop.Run(testutil.NewTestContext(t), "user: question") {
		seen++
		if seen == 2 {
			break
		}
	}

	assert.Equal(t, 2, seen)
	snap := onlySession(t, h.store)
	assert.True(t, snap.Done())
	assert.Equal(t, domain.ReasonContextCanceled, snap.Reason)
}

func TestResearchLoop_StoppedConsumerSkipsNetworkStages(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"))

	for range h.loop.Run(testutil.NewTestContext(t), "user: question") {
		break
	}

	assert.Equal(t, 0, h.keywords.GetCallCount(), "reference search never starts")
	assert.Equal(t, 0, h.planner.GetCallCount())
	assert.Equal(t, domain.ReasonContextCanceled, onlySession(t, h.store).Reason)
}

func TestResearchLoop_CanceledContext(t *testing.T) {
	h := newHarness(t, workflow.ResearchLoopOptions{})
	h.scriptPlanner(planJSON("first", "plan1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := collect(h.loop.Run(ctx, "user: question"))

	assert.Equal(t, domain.ReasonContextCanceled, onlySession(t, h.store).Reason)
	assert.Empty(t, finalResults(t, events))
	assert.Zero(t, h.planner.GetCallCount())
}

func TestResearchLoop_DumpsResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp_research.txt")
	h := newHarness(t, workflow.ResearchLoopOptions{DumpPath: path})
	h.scriptPlanner(planJSON("first", "plan1"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	assert.Contains(t, events, "Results saved to "+path+"\n")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	payload, _ := workflow.IsResultsEvent(events[len(events)-1])
	assert.Equal(t, payload, string(data))
}

func TestResearchLoop_DumpFailureIsReported(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	path := filepath.Join(blocker, "temp_research.txt")

	h := newHarness(t, workflow.ResearchLoopOptions{DumpPath: path})
	h.scriptPlanner(planJSON("first", "plan1"))

	events := collect(h.loop.Run(testutil.NewTestContext(t), "user: question"))

	assert.Contains(t, events, "Could not write results to "+path+"\n")
	assert.Len(t, finalResults(t, events), 2)
}

func TestFormatURLs(t *testing.T) {
	assert.Equal(t, "No pages viewed\n", workflow.FormatURLs(nil))
	assert.Equal(t, "Viewed 1 pages:\n1. https://a\n\n", workflow.FormatURLs([]string{"https://a"}))
}

func TestSummarizer_RetriesOpening(t *testing.T) {
	client := testutil.NewMockLLMClient()
	client.ShouldError = true
	client.ErrorMessage = "summary model down"

	s, err := workflow.NewSummarizer(client, nil)
	require.NoError(t, err)

	_, err = s.Stream(testutil.NewTestContext(t), []domain.Message{{Role: "user", Content: "q"}})
	require.Error(t, err)
	assert.Equal(t, 3, client.GetCallCount())

	client.ShouldError = false
	client.StreamChunks = []domain.ChatStreamResponse{{Content: "answer"}, {Done: true}}
	ch, err := s.Stream(testutil.NewTestContext(t), []domain.Message{{Role: "user", Content: "q"}})
	require.NoError(t, err)

	var content strings.Builder
	for chunk := range ch {
		content.WriteString(chunk.Content)
	}
	assert.Equal(t, "answer", content.String())
}

func TestNewConstructors_RequireCollaborators(t *testing.T) {
	_, err := workflow.NewPlanner(nil, "", nil)
	assert.Error(t, err)
	_, err = workflow.NewSummarizer(nil, nil)
	assert.Error(t, err)
	_, err = workflow.NewQuickSearch(nil, nil, nil, nil, workflow.QuickSearchOptions{})
	assert.Error(t, err)
	_, err = workflow.NewResearchLoop(nil, nil, nil, nil, workflow.ResearchLoopOptions{})
	assert.Error(t, err)
}
