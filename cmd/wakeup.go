package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

type wakeupView struct {
	AccountID  string `json:"accountId"`
	Model      string `json:"model"`
	DurationMS int64  `json:"durationMs"`
	domain.WakeupResponse
}

func newWakeupCmd(app *app) *cobra.Command {
	var (
		accountID string
		model     string
		prompt    string
		maxTokens int
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "wakeup",
		Short: "Send one wakeup prompt for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}
			req := domain.WakeupRequest{AccountID: id, Model: model, Prompt: prompt, MaxOutputTokens: maxTokens}

			var resp domain.WakeupResponse
			call := func(ctx context.Context) error {
				var err error
				resp, err = app.wakeup.Wakeup(ctx, req)
				return err
			}
			if asJSON {
				err = call(cmd.Context())
			} else {
				err = runWithSpinner(cmd.Context(), cmd.ErrOrStderr(), fmt.Sprintf("Waking %s with %s...", id, model), call)
			}
			if err != nil {
				outcome := domain.ClassifyVerificationFailure(err)
				if outcome.ValidationURL != "" {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "verify at: %s\n", outcome.ValidationURL)
				}
				return err
			}

			if asJSON {
				return writeJSON(cmd, wakeupView{
					AccountID:      string(id),
					Model:          model,
					DurationMS:     resp.Duration.Milliseconds(),
					WakeupResponse: resp,
				})
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, resp.Reply)
			_, err = fmt.Fprintf(out, "(%s, %s%s)\n", model, resp.Duration.Round(time.Millisecond), tokenSummary(resp))
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&model, "model", "", "Model id, e.g. gemini-3-flash")
	cmd.Flags().StringVar(&prompt, "prompt", "hi", "Prompt text")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Max output tokens (0 uses the default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func tokenSummary(resp domain.WakeupResponse) string {
	if resp.TotalTokens == nil {
		return ""
	}
	return fmt.Sprintf(", %d tokens", *resp.TotalTokens)
}
