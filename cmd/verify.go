package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	verifyrender "github.com/bnema/ag-wakeup/internal/adapters/render/verification"
	"github.com/bnema/ag-wakeup/internal/application"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/bnema/ag-wakeup/internal/ports"
	"github.com/spf13/cobra"
)

func newVerifyCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run and inspect batch verifications",
	}

	cmd.AddCommand(newVerifyRunCmd(app), newVerifyStatusCmd(app), newVerifyHistoryCmd(app))

	return cmd
}

// progressPrinter writes one line per progress event, or one JSON object per
// line with --json.
type progressPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
}

var _ ports.ProgressSink = (*progressPrinter)(nil)

func (p *progressPrinter) Emit(_ context.Context, progress domain.VerificationProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.asJSON {
		data, err := json.Marshal(progress)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintln(p.out, string(data))
		return
	}
	_, _ = fmt.Fprintln(p.out, verifyrender.FormatProgress(progress))
}

func newVerifyRunCmd(app *app) *cobra.Command {
	var (
		accounts  []string
		groupID   string
		model     string
		prompt    string
		maxTokens int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Verify a set of accounts with one wakeup each",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sink := &progressPrinter{out: cmd.OutOrStdout(), asJSON: asJSON}
			if !asJSON {
				sink.out = cmd.ErrOrStderr()
			}

			record, err := app.verify.Run(cmd.Context(), application.RunVerificationCommand{
				AccountIDs:      accountIDs(accounts),
				GroupID:         domain.GroupID(groupID),
				Model:           model,
				Prompt:          prompt,
				MaxOutputTokens: maxTokens,
			}, sink)
			if err != nil && record.BatchID == "" {
				return err
			}
			if err != nil {
				app.logger.Warn("verification batch finished but history was not saved", "batch_id", record.BatchID, "error", err)
			}

			if asJSON {
				return writeJSON(cmd, record)
			}
			rendered, renderErr := app.renderHistory([]domain.BatchHistoryRecord{record}, verifyrender.RenderOptions{Now: app.now()})
			if renderErr != nil {
				return fmt.Errorf("render batch: %w", renderErr)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&accounts, "account", nil, "Account ID (repeatable or comma separated)")
	cmd.Flags().StringVar(&groupID, "group", "", "Group ID whose members are verified")
	cmd.Flags().StringVar(&model, "model", "", "Model id, e.g. gemini-3-flash")
	cmd.Flags().StringVar(&prompt, "prompt", application.DefaultVerificationPrompt, "Prompt text")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Max output tokens (0 uses the default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print progress and the batch record as JSON")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func newVerifyStatusCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest verification status of every account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := app.verify.DisplayState(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, items)
			}
			rendered, err := app.renderState(items, verifyrender.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render verification status: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	return cmd
}

func newVerifyHistoryCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past verification batches, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			records, err := app.verify.LoadHistory(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, records)
			}
			rendered, err := app.renderHistory(records, verifyrender.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render verification history: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	cmd.AddCommand(newVerifyHistoryDeleteCmd(app))
	return cmd
}

func newVerifyHistoryDeleteCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id>...",
		Short: "Delete batch records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := app.verify.DeleteHistory(cmd.Context(), args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d batch record(s)\n", removed)
			return err
		},
	}
}
