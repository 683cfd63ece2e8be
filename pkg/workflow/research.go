// Package workflow drives research: keyword generation, the quick search, the
// iterative deep research loop and the final summary stream.
package workflow

import (
	"context"
	"fmt"
	"iter"
	"runtime/debug"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/acquire"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
	"github.com/ncolesummers/deep-research-agent/pkg/state"
)

// DefaultMaxIterations is the plan budget of one deep research run
const DefaultMaxIterations = 12

// ResearchLoopOptions configures a ResearchLoop
type ResearchLoopOptions struct {
	MaxIterations int
	MaxResults    int
	// DumpPath receives the final results; empty disables the dump
	DumpPath string
	// Store receives a snapshot after every state change; nil keeps none
	Store     state.Store
	Logger    observability.Logger
	Telemetry *observability.Telemetry
}

// ResearchLoop is the iterative plan, search, curate, acquire and merge cycle
type ResearchLoop struct {
	planner       *Planner
	quick         *QuickSearch
	curator       *evaluate.Curator
	acquirer      *acquire.Acquirer
	maxIterations int
	maxResults    int
	dumpPath      string
	store         state.Store
	logger        observability.Logger
	telemetry     *observability.Telemetry
}

// NewResearchLoop wires a research loop. quick provides both the reference
// search and the search executor used by every plan.
func NewResearchLoop(planner *Planner, quick *QuickSearch, curator *evaluate.Curator, acquirer *acquire.Acquirer, opts ResearchLoopOptions) (*ResearchLoop, error) {
	if planner == nil {
		return nil, fmt.Errorf("research loop: planner is required")
	}
	if quick == nil {
		return nil, fmt.Errorf("research loop: quick search is required")
	}
	if curator == nil {
		return nil, fmt.Errorf("research loop: curator is required")
	}
	if acquirer == nil {
		return nil, fmt.Errorf("research loop: acquirer is required")
	}

	l := &ResearchLoop{
		planner:       planner,
		quick:         quick,
		curator:       curator,
		acquirer:      acquirer,
		maxIterations: opts.MaxIterations,
		maxResults:    opts.MaxResults,
		dumpPath:      opts.DumpPath,
		store:         opts.Store,
		logger:        opts.Logger,
		telemetry:     opts.Telemetry,
	}
	if l.maxIterations < 1 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.maxResults < 1 {
		l.maxResults = domain.DefaultMaxResults
	}
	if l.logger == nil {
		l.logger = observability.NewNopLogger()
	}
	if l.telemetry == nil {
		l.telemetry = observability.NewNopTelemetry()
	}
	return l, nil
}

// NewSession creates the session a run will mutate
func (l *ResearchLoop) NewSession(conversation string) *state.ResearchSession {
	return state.NewResearchSession(conversation, l.maxIterations, l.maxResults)
}

// Run researches the conversation in a fresh session
func (l *ResearchLoop) Run(ctx context.Context, conversation string) iter.Seq[string] {
	return l.RunSession(ctx, l.NewSession(conversation))
}

// RunSession researches session.Query and reports progress. The sequence
// always ends with the results event unless the consumer stops early.
func (l *ResearchLoop) RunSession(ctx context.Context, session *state.ResearchSession) iter.Seq[string] {
	return func(yield func(string) bool) {
		r := &researchRun{loop: l, session: session, yield: yield}
		r.execute(ctx)
	}
}

// researchRun is the state of one iteration over RunSession
type researchRun struct {
	loop    *ResearchLoop
	session *state.ResearchSession
	yield   func(string) bool
	stopped bool

	// yielding is set while the consumer's loop body runs
	yielding bool
}

// emit hands event to the consumer and reports whether it still listens. Once
// the consumer has stopped, emit is a no-op that returns false; callers check
// it before every network stage.
func (r *researchRun) emit(event string) bool {
	if r.stopped {
		return false
	}
	r.yielding = true
	ok := r.yield(event)
	r.yielding = false
	if !ok {
		r.stopped = true
	}
	return !r.stopped
}

func (r *researchRun) execute(ctx context.Context) {
	l := r.loop
	ctx, span := l.telemetry.StartResearchRequest(ctx, r.session.ID, "deep_research", r.session.Query)
	defer span.End()

	start := time.Now()
	l.telemetry.Metrics().RecordResearchRequest(ctx, "deep_research")

	l.logger.Info(ctx, "deep research started", map[string]interface{}{
		"session_id":     r.session.ID,
		"max_iterations": l.maxIterations,
	})

	reason := r.loopSafely(ctx)
	r.session.Finish(reason)
	r.save(ctx)
	l.telemetry.Metrics().RecordResearchComplete(ctx, time.Since(start), string(reason))

	l.logger.Info(ctx, "deep research finished", map[string]interface{}{
		"session_id": r.session.ID,
		"reason":     string(reason),
		"executed":   r.session.Executed(),
		"results":    r.session.Results().Len(),
		"duration":   time.Since(start).String(),
	})

	if !r.emit(reasonMessage(reason, r.session.Executed(), l.maxIterations)) {
		return
	}
	if !r.emit(r.dump(ctx)) {
		return
	}
	r.emit(ResultsEvent(r.session.Results()))
}

// loopSafely converts a panic anywhere in the loop into ReasonAborted
func (r *researchRun) loopSafely(ctx context.Context) (reason domain.TerminalReason) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.yielding {
				panic(rec)
			}
			err := fmt.Errorf("research loop panicked: %v", rec)
			r.loop.logger.Error(ctx, "deep research aborted", err, map[string]interface{}{
				"session_id": r.session.ID,
				"phase":      string(r.session.GetPhase()),
				"stack":      string(debug.Stack()),
			})
			r.session.SetError(err)
			reason = domain.ReasonAborted
		}
	}()
	return r.loop.iterate(ctx, r)
}

func (l *ResearchLoop) iterate(ctx context.Context, r *researchRun) domain.TerminalReason {
	session := r.session

	if !r.emit(fmt.Sprintf("Starting deep research (session %s)\n", session.ID)) {
		return domain.ReasonContextCanceled
	}

	// INIT
	if !r.emit("Searching for reference material...\n") {
		return domain.ReasonContextCanceled
	}
	var reference string
	_ = l.node(ctx, r, "init", domain.PhaseInit, func(ctx context.Context) error {
		reference = l.quick.Reference(ctx, session.Query)
		return nil
	})
	if !r.emit("Reference search done\n") || ctx.Err() != nil {
		return domain.ReasonContextCanceled
	}

	// PLANNING, first iteration
	if !r.emit("Generating the first search plan...\n") {
		return domain.ReasonContextCanceled
	}
	var plan PlanResult
	_ = l.node(ctx, r, "planning", domain.PhasePlanning, func(ctx context.Context) error {
		plan = l.planner.First(ctx, session.Query, reference, l.maxIterations)
		return plan.Err
	})
	if len(plan.Steps) == 0 {
		return domain.ReasonFirstPlanEmpty
	}
	if !l.executeStep(ctx, r, plan.Steps[0]) {
		return domain.ReasonContextCanceled
	}

	for session.Executed() < l.maxIterations {
		if ctx.Err() != nil || r.stopped {
			return domain.ReasonContextCanceled
		}
		executed := session.Executed()
		if !r.emit(fmt.Sprintf("Executed plans %d/%d\n", executed, l.maxIterations)) ||
			!r.emit(fmt.Sprintf("Step %d: generating the next search plan...\n", executed+1)) {
			return domain.ReasonContextCanceled
		}

		_ = l.node(ctx, r, "planning", domain.PhasePlanning, func(ctx context.Context) error {
			plan = l.planner.Next(ctx, session.Query, session.Purposes(), session.Results().String(), l.maxIterations-executed)
			return plan.Err
		})
		if len(plan.Steps) == 0 {
			return domain.ReasonNoFurtherPlan
		}
		if !l.executeStep(ctx, r, plan.Steps[0]) {
			return domain.ReasonContextCanceled
		}
	}
	return domain.ReasonMaxIterations
}

// executeStep runs one plan step through SEARCHING, EVALUATING, ACQUIRING and
// MERGING. It reports false when the run should stop.
func (l *ResearchLoop) executeStep(ctx context.Context, r *researchRun, step domain.PlanStep) bool {
	session := r.session
	number := session.Executed() + 1
	req := step.ToSearchRequest(l.maxResults)

	for _, line := range FormatPlan(step) {
		r.emit(line)
	}
	if !r.emit(fmt.Sprintf("Executing plan %d...\n", number)) || ctx.Err() != nil {
		return false
	}

	var candidates *domain.SearchResults
	_ = l.node(ctx, r, "searching", domain.PhaseSearching, func(ctx context.Context) error {
		candidates = l.quick.executor.Search(ctx, req, session.Excluded())
		return nil
	})

	var selected []*domain.SearchResult
	if candidates.Len() > 0 {
		_ = l.node(ctx, r, "evaluating", domain.PhaseEvaluating, func(ctx context.Context) error {
			selected = l.curator.Select(ctx, req, candidates, evaluate.SelectionBudget(req))
			return nil
		})
	}

	acquired := domain.NewSearchResults(req)
	if len(selected) > 0 {
		_ = l.node(ctx, r, "acquiring", domain.PhaseAcquiring, func(ctx context.Context) error {
			acquired = l.acquirer.DeepScan(ctx, req, selected)
			return nil
		})
	}
	urls := acquired.GetURLs()

	_ = l.node(ctx, r, "merging", domain.PhaseMerging, func(ctx context.Context) error {
		merged := session.RecordPlan(step, acquired)
		l.logger.Info(ctx, "plan merged", map[string]interface{}{
			"session_id": session.ID,
			"plan":       number,
			"merged":     merged,
			"total":      session.Results().Len(),
		})
		return nil
	})
	l.telemetry.Metrics().RecordResearchIteration(ctx)

	r.emit(FormatURLs(urls))
	return r.emit(fmt.Sprintf("Plan %d done\n", number))
}

// node runs one loop state inside a workflow span and snapshots the session
func (l *ResearchLoop) node(ctx context.Context, r *researchRun, name string, phase domain.Phase, fn func(context.Context) error) error {
	r.session.SetPhase(phase)
	r.save(ctx)
	return l.telemetry.InstrumentWorkflowNode(ctx, name, string(phase), fn)
}

func (r *researchRun) save(ctx context.Context) {
	if r.loop.store == nil {
		return
	}
	if err := r.loop.store.Save(ctx, r.session); err != nil {
		r.loop.logger.Warn(ctx, "failed to save session snapshot", map[string]interface{}{
			"session_id": r.session.ID,
			"error":      err.Error(),
		})
	}
}

// dump writes the accumulated results and describes the outcome
func (r *researchRun) dump(ctx context.Context) string {
	l := r.loop
	if l.dumpPath == "" {
		return "Results not saved\n"
	}
	if err := state.Dump(l.dumpPath, r.session.Results()); err != nil {
		l.logger.Error(ctx, "failed to dump research results", err, map[string]interface{}{
			"path": l.dumpPath,
		})
		return fmt.Sprintf("Could not write results to %s\n", l.dumpPath)
	}
	return fmt.Sprintf("Results saved to %s\n", l.dumpPath)
}

func reasonMessage(reason domain.TerminalReason, executed, limit int) string {
	switch reason {
	case domain.ReasonFirstPlanEmpty:
		return "Could not generate a first search plan, research finished\n"
	case domain.ReasonNoFurtherPlan:
		return fmt.Sprintf("No further plan, research finished early after %d plans\n", executed)
	case domain.ReasonMaxIterations:
		return fmt.Sprintf("Reached the maximum of %d plans, research finished\n", limit)
	case domain.ReasonAborted:
		return fmt.Sprintf("Research aborted after %d plans\n", executed)
	case domain.ReasonContextCanceled:
		return "Research canceled\n"
	default:
		return "Research finished\n"
	}
}
