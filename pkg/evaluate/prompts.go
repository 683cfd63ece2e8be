package evaluate

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
)

// TimeLayout is how the current time is rendered into prompts
const TimeLayout = "2006-01-02 15:04:05"

// snippetLimit bounds the per-result content shown to the scoring model
const snippetLimit = 200

const relevanceTemplate = `Current time: %s

You are rating web search results for a research task.
Research purpose: %s

Rate every result below from 0 (irrelevant) to 10 (directly answers the purpose).
Prefer authoritative, specific and recent sources.

%s

Reply with a single JSON object mapping every index to its score, with exactly %d entries.
Example: {"0": 7, "1": 2}`

const selectionTemplate = `Current time: %s

You are choosing which web pages are worth reading in full.
Research purpose: %s
Restrictions: %s

Candidate pages:
%s

Choose at most %d pages that are most likely to contain the information needed.
Reply with a JSON array of page numbers only, for example [1, 4].
Reply [] if no page is worth reading.`

func relevancePrompt(now time.Time, purpose string, batch []*domain.SearchResult) string {
	var b strings.Builder
	for i, r := range batch {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Index %d:\nTitle: %s\nSummary: %s\nURL: %s\n", i, r.Title, truncateRunes(r.Content, snippetLimit), r.URL)
	}
	return fmt.Sprintf(relevanceTemplate, now.Format(TimeLayout), purpose, b.String(), len(batch))
}

func selectionPrompt(now time.Time, req domain.SearchRequest, candidates *domain.SearchResults, limit int) string {
	restrictions := req.Restrictions
	if restrictions == "" {
		restrictions = "none"
	}
	return fmt.Sprintf(selectionTemplate, now.Format(TimeLayout), req.Purpose, restrictions, candidates.String(), limit)
}

// truncateRunes cuts s to at most n runes
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
