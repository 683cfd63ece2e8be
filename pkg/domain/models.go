package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxResults is used when a SearchRequest carries no positive MaxResults.
var DefaultMaxResults = 6

// Phase represents the current state of the research loop
type Phase string

const (
	PhaseInit       Phase = "init"
	PhasePlanning   Phase = "planning"
	PhaseSearching  Phase = "searching"
	PhaseEvaluating Phase = "evaluating"
	PhaseAcquiring  Phase = "acquiring"
	PhaseMerging    Phase = "merging"
	PhaseDone       Phase = "done"
)

// TerminalReason explains why a research loop reached PhaseDone
type TerminalReason string

const (
	ReasonNone            TerminalReason = ""
	ReasonFirstPlanEmpty  TerminalReason = "first plan empty"
	ReasonNoFurtherPlan   TerminalReason = "no further plan"
	ReasonMaxIterations   TerminalReason = "max iterations reached"
	ReasonAborted         TerminalReason = "aborted"
	ReasonContextCanceled TerminalReason = "canceled"
)

// QueryKey is one keyword/language pair of a federated search
type QueryKey struct {
	Text     string `json:"keys"`
	Language string `json:"language"`
}

// Valid reports whether the key can be sent to a search backend
func (k QueryKey) Valid() bool {
	return k.Text != "" && k.Language != ""
}

// RecencyUnit is the coarse unit of a recency window
type RecencyUnit string

const (
	RecencyNone  RecencyUnit = ""
	RecencyDay   RecencyUnit = "day"
	RecencyMonth RecencyUnit = "month"
	RecencyYear  RecencyUnit = "year"
)

// RecencyWindow restricts search results to the last Value Units.
// The zero value means no constraint.
type RecencyWindow struct {
	Value int         `json:"value"`
	Unit  RecencyUnit `json:"unit"`
}

// NewRecencyWindow converts a [day, month, year] triple into a window.
// Anything other than exactly three non-negative values yields no constraint.
func NewRecencyWindow(timePage []int) RecencyWindow {
	if len(timePage) != 3 {
		return RecencyWindow{}
	}
	units := []RecencyUnit{RecencyDay, RecencyMonth, RecencyYear}
	for i, v := range timePage {
		if v < 0 {
			return RecencyWindow{}
		}
		if v > 0 {
			return RecencyWindow{Value: v, Unit: units[i]}
		}
	}
	return RecencyWindow{}
}

// IsZero reports whether the window imposes no constraint
func (w RecencyWindow) IsZero() bool {
	return w.Unit == RecencyNone || w.Value <= 0
}

// TimePage returns the window in [day, month, year] form
func (w RecencyWindow) TimePage() []int {
	page := []int{0, 0, 0}
	if w.IsZero() {
		return page
	}
	switch w.Unit {
	case RecencyDay:
		page[0] = w.Value
	case RecencyMonth:
		page[1] = w.Value
	case RecencyYear:
		page[2] = w.Value
	}
	return page
}

// SearchRequest is one logical search: a set of query keys plus its intent
type SearchRequest struct {
	QueryKeys    []QueryKey    `json:"query_keys"`
	Recency      RecencyWindow `json:"recency_window"`
	Purpose      string        `json:"purpose"`
	Restrictions string        `json:"restrictions,omitempty"`
	MaxResults   int           `json:"max_results"`
}

// EffectiveMaxResults returns MaxResults, or DefaultMaxResults when it is not positive
func (r SearchRequest) EffectiveMaxResults() int {
	if r.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return r.MaxResults
}

// SearchResult is a single candidate document
type SearchResult struct {
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	Score          float64 `json:"score"`
	RelevanceScore float64 `json:"relevance_score"`
}

// NormalizedTitle is the identity used for duplicate detection before scoring
func (r *SearchResult) NormalizedTitle() string {
	return strings.TrimSpace(r.Title)
}

// SearchResults owns an ordered sequence of results and the request that produced them.
// Results added through Add or Merge never share a URL or a non-empty trimmed title.
type SearchResults struct {
	Request SearchRequest   `json:"search_request"`
	Results []*SearchResult `json:"results"`
}

// NewSearchResults creates an empty collection for the given request
func NewSearchResults(req SearchRequest) *SearchResults {
	return &SearchResults{Request: req}
}

// Len returns the number of results
func (s *SearchResults) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Results)
}

// Add appends result unless its URL or trimmed title is already present.
// It reports whether the result was added.
func (s *SearchResults) Add(result *SearchResult) bool {
	if result == nil {
		return false
	}
	if s.containsTitle(result.NormalizedTitle()) || s.containsURL(result.URL) {
		return false
	}
	s.Results = append(s.Results, result)
	return true
}

func (s *SearchResults) containsTitle(title string) bool {
	if title == "" {
		return false
	}
	for _, r := range s.Results {
		if r.NormalizedTitle() == title {
			return true
		}
	}
	return false
}

func (s *SearchResults) containsURL(url string) bool {
	if url == "" {
		return false
	}
	for _, r := range s.Results {
		if r.URL == url {
			return true
		}
	}
	return false
}

// Merge moves the results of other into s. With dedupe, results whose URL is
// already present (the empty URL included) or whose title duplicates an
// existing one are skipped. other must not be used afterwards.
func (s *SearchResults) Merge(other *SearchResults, dedupe bool) {
	if other == nil {
		panic("domain: Merge called with nil SearchResults")
	}
	incoming := make([]*SearchResult, len(other.Results))
	copy(incoming, other.Results)

	if !dedupe {
		s.Results = append(s.Results, incoming...)
		return
	}

	seen := make(map[string]struct{}, len(s.Results)+len(incoming))
	for _, r := range s.Results {
		seen[r.URL] = struct{}{}
	}
	for _, r := range incoming {
		if r == nil {
			continue
		}
		if _, dup := seen[r.URL]; dup {
			continue
		}
		if s.containsTitle(r.NormalizedTitle()) {
			continue
		}
		s.Results = append(s.Results, r)
		seen[r.URL] = struct{}{}
	}
}

// GetURLs returns the non-empty URLs in order
func (s *SearchResults) GetURLs() []string {
	if s == nil {
		return nil
	}
	urls := make([]string, 0, len(s.Results))
	for _, r := range s.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

// SortByScore orders results by Score, highest first; ties keep their order
func (s *SearchResults) SortByScore() {
	sort.SliceStable(s.Results, func(i, j int) bool {
		return s.Results[i].Score > s.Results[j].Score
	})
}

// ToSerializable returns the results keyed page1..pageN in order
func (s *SearchResults) ToSerializable() SerializedResults {
	if s == nil {
		return SerializedResults{}
	}
	out := make(SerializedResults, 0, len(s.Results))
	for _, r := range s.Results {
		out = append(out, SerializedResult{URL: r.URL, Title: r.Title, Content: r.Content})
	}
	return out
}

// String renders the serialized form as JSON text
func (s *SearchResults) String() string {
	data, err := json.Marshal(s.ToSerializable())
	if err != nil {
		return "{}"
	}
	return string(data)
}

// SerializedResult is the per-page shape handed to LLM prompts and callers
type SerializedResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// SerializedResults marshals as an ordered JSON object {"page1": {...}, ...}
type SerializedResults []SerializedResult

// PageKey returns the key used for the 1-based page index
func PageKey(index int) string {
	return fmt.Sprintf("page%d", index)
}

// MarshalJSON keeps page order, which a Go map would not
func (p SerializedResults) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, r := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(PageKey(i + 1))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores page order from the page keys
func (p *SerializedResults) UnmarshalJSON(data []byte) error {
	var pages map[string]SerializedResult
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	type indexed struct {
		n int
		r SerializedResult
	}
	ordered := make([]indexed, 0, len(pages))
	for key, r := range pages {
		n, err := strconv.Atoi(strings.TrimPrefix(key, "page"))
		if err != nil || !strings.HasPrefix(key, "page") {
			return fmt.Errorf("%w: unexpected key %q", ErrMalformedResponse, key)
		}
		ordered = append(ordered, indexed{n: n, r: r})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })

	out := make(SerializedResults, len(ordered))
	for i, o := range ordered {
		out[i] = o.r
	}
	*p = out
	return nil
}

// PlanStep is one step of a search plan produced by the planner
type PlanStep struct {
	Purpose      string        `json:"search_purpose"`
	Restrictions string        `json:"search_restrictions"`
	QueryKeys    []QueryKey    `json:"data"`
	Recency      RecencyWindow `json:"recency_window"`
}

// ToSearchRequest converts the step into a request capped at maxResults
func (p PlanStep) ToSearchRequest(maxResults int) SearchRequest {
	keys := make([]QueryKey, len(p.QueryKeys))
	copy(keys, p.QueryKeys)
	return SearchRequest{
		QueryKeys:    keys,
		Recency:      p.Recency,
		Purpose:      p.Purpose,
		Restrictions: p.Restrictions,
		MaxResults:   maxResults,
	}
}

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Timestamp  time.Time  `json:"-"`
}

// ToolCall represents a tool invocation requested by a model
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
