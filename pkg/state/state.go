package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// ResearchSession is the state of one deep research run. It is mutated by the
// research loop between stages; readers use GetSnapshot.
type ResearchSession struct {
	mu            sync.RWMutex
	ID            string
	Query         string
	ExecutedPlans []domain.PlanStep
	Accumulated   *domain.SearchResults
	ExcludedURLs  []string
	Iteration     int
	MaxIterations int
	CurrentPhase  domain.Phase
	Reason        domain.TerminalReason
	Error         error
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewResearchSession creates a session in PhaseInit with a fresh ID
func NewResearchSession(query string, maxIterations, maxResults int) *ResearchSession {
	now := time.Now()
	return &ResearchSession{
		ID:            uuid.NewString(),
		Query:         query,
		Accumulated:   domain.NewSearchResults(domain.SearchRequest{Purpose: query, MaxResults: maxResults}),
		MaxIterations: maxIterations,
		CurrentPhase:  domain.PhaseInit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetPhase sets the current loop phase
func (s *ResearchSession) SetPhase(phase domain.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CurrentPhase = phase
	s.UpdatedAt = time.Now()
}

// GetPhase returns the current phase
func (s *ResearchSession) GetPhase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.CurrentPhase
}

// Excluded returns a copy of the URLs later searches must skip
func (s *ResearchSession) Excluded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := make([]string, len(s.ExcludedURLs))
	copy(urls, s.ExcludedURLs)
	return urls
}

// Executed returns the number of plans executed so far
func (s *ResearchSession) Executed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ExecutedPlans)
}

// Purposes returns the purposes of the executed plans in order
func (s *ResearchSession) Purposes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	purposes := make([]string, len(s.ExecutedPlans))
	for i, p := range s.ExecutedPlans {
		purposes[i] = p.Purpose
	}
	return purposes
}

// RecordPlan merges the results of an executed plan, appends the plan to the
// history and extends the exclusion list with every newly merged URL. It
// returns the number of results merged.
func (s *ResearchSession) RecordPlan(step domain.PlanStep, results *domain.SearchResults) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.Accumulated.Len()
	if results != nil {
		s.Accumulated.Merge(results, true)
	}
	merged := s.Accumulated.Results[before:]

	seen := make(map[string]struct{}, len(s.ExcludedURLs))
	for _, u := range s.ExcludedURLs {
		seen[u] = struct{}{}
	}
	for _, r := range merged {
		if _, ok := seen[r.URL]; !ok {
			s.ExcludedURLs = append(s.ExcludedURLs, r.URL)
			seen[r.URL] = struct{}{}
		}
	}

	s.ExecutedPlans = append(s.ExecutedPlans, step)
	s.Iteration++
	s.UpdatedAt = time.Now()
	return len(merged)
}

// Results returns the accumulated results
func (s *ResearchSession) Results() *domain.SearchResults {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.Accumulated
}

// Finish moves the session to PhaseDone with reason
func (s *ResearchSession) Finish(reason domain.TerminalReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.CurrentPhase = domain.PhaseDone
	s.Reason = reason
	s.UpdatedAt = time.Now()
}

// SetError records the error that aborted the session
func (s *ResearchSession) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Error = err
	s.UpdatedAt = time.Now()
}

// GetError returns the recorded error
func (s *ResearchSession) GetError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.Error
}

// GetSnapshot returns a copy of the session suitable for storage and JSON
func (s *ResearchSession) GetSnapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]domain.PlanStep, len(s.ExecutedPlans))
	copy(plans, s.ExecutedPlans)

	excluded := make([]string, len(s.ExcludedURLs))
	copy(excluded, s.ExcludedURLs)

	snapshot := SessionSnapshot{
		ID:            s.ID,
		Query:         s.Query,
		ExecutedPlans: plans,
		ExcludedURLs:  excluded,
		Results:       s.Accumulated.ToSerializable(),
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		CurrentPhase:  s.CurrentPhase,
		Reason:        s.Reason,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Error != nil {
		snapshot.Error = s.Error.Error()
	}
	return snapshot
}

// SessionSnapshot is an immutable copy of a ResearchSession
type SessionSnapshot struct {
	ID            string                   `json:"id"`
	Query         string                   `json:"query"`
	ExecutedPlans []domain.PlanStep        `json:"executed_plans"`
	ExcludedURLs  []string                 `json:"excluded_urls"`
	Results       domain.SerializedResults `json:"results"`
	Iteration     int                      `json:"iteration"`
	MaxIterations int                      `json:"max_iterations"`
	CurrentPhase  domain.Phase             `json:"current_phase"`
	Reason        domain.TerminalReason    `json:"terminal_reason,omitempty"`
	Error         string                   `json:"error,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

// Done reports whether the session reached its terminal state
func (s SessionSnapshot) Done() bool {
	return s.CurrentPhase == domain.PhaseDone
}
