package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/evaluate"
)

// ResultsMarker prefixes the final progress event; the serialized results follow it
const ResultsMarker = "results"

const keywordTemplate = `Current time: %s

You turn a conversation into one web search. Read the conversation and decide
what information is still needed to answer the user's last message.

Conversation:
%s

Reply with a single JSON object:
{
  "search_purpose": "what the search must find out",
  "search_restrictions": "constraints on acceptable sources, or an empty string",
  "time_page": [days, months, years],
  "data": [{"keys": "search keywords", "language": "%s"}]
}

time_page limits results to the last N days, months or years; set at most one
component and leave the others 0, or use [0, 0, 0] for no limit.
Use 1 to 4 entries in data. Each language is a locale such as en_US or zh_CN;
search in the language most likely to have good sources.`

const firstPlanTemplate = `Current time: %s

You are planning a multi-step web research task.

Conversation:
%s

A quick search already found the reference material below:
%s

Write a search plan of at most %d steps. Each step must look for information
that the reference material does not already cover.`

const nextPlanTemplate = `Current time: %s

You are continuing a multi-step web research task.

Conversation:
%s

Purposes of the searches already executed:
%s

Results gathered so far:
%s

At most %d more steps may run. Plan the next steps only if the results above
still leave part of the question unanswered. If the research is complete,
reply {"steps": []}.`

const planFormat = `

Reply with a single JSON object:
{
  "steps": [
    {
      "search_purpose": "what this step must find out",
      "search_restrictions": "constraints on acceptable sources, or an empty string",
      "time_page": [days, months, years],
      "data": [{"keys": "search keywords", "language": "%s"}]
    }
  ]
}

Only the first step is executed before you are asked again, so put the most
important search first.`

func keywordPrompt(now time.Time, conversation, language string) string {
	return fmt.Sprintf(keywordTemplate, now.Format(evaluate.TimeLayout), conversation, language)
}

func firstPlanPrompt(now time.Time, conversation, reference string, remaining int, language string) string {
	if reference == "" {
		reference = "(nothing found)"
	}
	return fmt.Sprintf(firstPlanTemplate, now.Format(evaluate.TimeLayout), conversation, reference, remaining) +
		fmt.Sprintf(planFormat, language)
}

func nextPlanPrompt(now time.Time, conversation string, purposes []string, accumulated string, remaining int, language string) string {
	var b strings.Builder
	for i, p := range purposes {
		fmt.Fprintf(&b, "%d. %s\n", i+1, p)
	}
	return fmt.Sprintf(nextPlanTemplate, now.Format(evaluate.TimeLayout), conversation, b.String(), accumulated, remaining) +
		fmt.Sprintf(planFormat, language)
}

// FormatPlan renders a plan step as the progress lines shown to the user
func FormatPlan(step domain.PlanStep) []string {
	restrictions := step.Restrictions
	if restrictions == "" {
		restrictions = "none"
	}
	lines := []string{
		fmt.Sprintf("**Search purpose:** %s\n", step.Purpose),
		fmt.Sprintf("**Restrictions:** %s\n", restrictions),
		"**Keywords:**\n",
	}
	for _, key := range step.QueryKeys {
		lines = append(lines, fmt.Sprintf("    ➤ %s (%s)\n", key.Text, key.Language))
	}
	return lines
}

// FormatURLs renders the pages read in one step
func FormatURLs(urls []string) string {
	if len(urls) == 0 {
		return "No pages viewed\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Viewed %d pages:\n", len(urls))
	for i, u := range urls {
		fmt.Fprintf(&b, "%d. %s\n", i+1, u)
	}
	b.WriteByte('\n')
	return b.String()
}

// ResultsEvent builds the final progress event
func ResultsEvent(results *domain.SearchResults) string {
	return ResultsMarker + results.String()
}

// IsResultsEvent reports whether event is the final results event, and returns its payload
func IsResultsEvent(event string) (string, bool) {
	if !strings.HasPrefix(event, ResultsMarker) {
		return "", false
	}
	return strings.TrimPrefix(event, ResultsMarker), true
}
