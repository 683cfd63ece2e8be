package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncolesummers/deep-research-agent/pkg/agent"
	"github.com/ncolesummers/deep-research-agent/pkg/domain"
	"github.com/ncolesummers/deep-research-agent/pkg/workflow"
)

var searchCmd = &cobra.Command{
	Use:   "search [question]",
	Short: "Run one quick search and answer from the results",
	Long: `search generates a search plan for the question, runs it once, ranks the
results and streams an answer from the summary model. Progress goes to
stderr; the answer goes to stdout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, strings.Join(args, " "), func(c *components) func(context.Context, string) iter.Seq[string] {
			return c.quick.Stream
		})
	},
}

var researchCmd = &cobra.Command{
	Use:   "research [question]",
	Short: "Run the deep research loop and answer from the results",
	Long: `research plans, searches, curates and reads pages over several iterations,
then streams an answer from the summary model. Progress goes to stderr; the
answer goes to stdout. The accumulated results are also written to the dump
path from configuration.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return oneShot(cmd, strings.Join(args, " "), func(c *components) func(context.Context, string) iter.Seq[string] {
			return c.research.Run
		})
	},
}

// oneShot runs the producer chosen by pick for question and summarizes its results
func oneShot(cmd *cobra.Command, question string, pick func(*components) func(context.Context, string) iter.Seq[string]) error {
	rt, err := setup()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signalContext()
	defer stop()

	c, err := build(ctx, rt)
	if err != nil {
		return err
	}

	progress := cmd.ErrOrStderr()
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		progress = io.Discard
	}

	conversation := []domain.Message{{Role: "user", Content: question}}
	var results string
	for event := range pick(c)(ctx, agent.Transcript(conversation)) {
		if payload, ok := workflow.IsResultsEvent(event); ok {
			results = payload
			continue
		}
		fmt.Fprint(progress, event)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		fmt.Fprintln(cmd.OutOrStdout(), results)
		return nil
	}
	return answer(ctx, cmd.OutOrStdout(), progress, c.summarizer, agent.AppendSearchData(conversation, results, time.Now()))
}

// answer streams the summary model's reply: reasoning to progress, content to out
func answer(ctx context.Context, out, progress io.Writer, summarizer *workflow.Summarizer, messages []domain.Message) error {
	ch, err := summarizer.Stream(ctx, messages)
	if err != nil {
		return fmt.Errorf("summary failed: %w", err)
	}
	for chunk := range ch {
		if chunk.Error != nil {
			return fmt.Errorf("summary stream broke: %w", chunk.Error)
		}
		fmt.Fprint(progress, chunk.ReasoningContent)
		fmt.Fprint(out, chunk.Content)
		if chunk.Done {
			break
		}
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, researchCmd} {
		c.Flags().Bool("raw", false, "print the serialized results instead of a summarized answer")
		c.Flags().BoolP("quiet", "q", false, "do not print progress")
		rootCmd.AddCommand(c)
	}
}
