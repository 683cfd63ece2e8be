package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/llm"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

// Curator asks a model which searched pages deserve a full fetch
type Curator struct {
	client domain.LLMClient
	logger observability.Logger
	now    func() time.Time
}

// NewCurator creates a curator that selects with client
func NewCurator(client domain.LLMClient, logger observability.Logger) (*Curator, error) {
	if client == nil {
		return nil, fmt.Errorf("curator: llm client is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Curator{client: client, logger: logger, now: time.Now}, nil
}

// SelectionBudget is the number of pages to curate for a request: half of its
// result budget, at least one.
func SelectionBudget(req domain.SearchRequest) int {
	return max(1, req.EffectiveMaxResults()/2)
}

// ParseSelection decodes a JSON array of 1-based page numbers. Entries may be
// numbers, numeric strings or page keys such as "page3".
func ParseSelection(text string) ([]int, error) {
	var raw []json.RawMessage
	if err := llm.DecodeJSON(text, &raw); err != nil {
		return nil, err
	}
	pages := make([]int, 0, len(raw))
	for _, item := range raw {
		var n int
		if err := json.Unmarshal(item, &n); err == nil {
			pages = append(pages, n)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("%w: page entry %s", domain.ErrMalformedResponse, item)
		}
		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "page"))
		if err != nil {
			return nil, fmt.Errorf("%w: page entry %q", domain.ErrMalformedResponse, s)
		}
		pages = append(pages, n)
	}
	return pages, nil
}

// Select returns up to budget candidates chosen by the model, in the order the
// model listed them. An unusable reply selects nothing.
func (c *Curator) Select(ctx context.Context, req domain.SearchRequest, candidates *domain.SearchResults, budget int) []*domain.SearchResult {
	if candidates.Len() == 0 || budget < 1 {
		return nil
	}

	prompt := selectionPrompt(c.now(), req, candidates, budget)
	resp, err := c.client.Chat(ctx, []domain.Message{{Role: "user", Content: prompt}}, domain.ChatOptions{Temperature: 0.1})
	if err != nil {
		c.logger.Error(ctx, "valuable page selection failed", err, map[string]interface{}{
			"purpose": req.Purpose,
		})
		return nil
	}

	pages, err := ParseSelection(resp.Content)
	if err != nil {
		c.logger.Warn(ctx, "valuable page selection unreadable", map[string]interface{}{
			"purpose": req.Purpose,
			"error":   err.Error(),
		})
		return nil
	}

	seen := make(map[int]struct{}, len(pages))
	var selected []*domain.SearchResult
	for _, page := range pages {
		if page < 1 || page > candidates.Len() {
			c.logger.Warn(ctx, "selected page out of range", map[string]interface{}{
				"page":       page,
				"candidates": candidates.Len(),
			})
			continue
		}
		if _, dup := seen[page]; dup {
			continue
		}
		seen[page] = struct{}{}
		selected = append(selected, candidates.Results[page-1])
		if len(selected) == budget {
			break
		}
	}

	c.logger.Info(ctx, "valuable pages selected", map[string]interface{}{
		"purpose":  req.Purpose,
		"selected": len(selected),
		"budget":   budget,
	})
	return selected
}
