package cmd

import (
	"fmt"
	"strings"

	"github.com/bnema/ag-wakeup/internal/adapters/cloudcode"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

func newModelsCmd(app *app) *cobra.Command {
	var (
		accountID string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models available for wakeups",
		Long:  "List models available for wakeups. Without --account the built-in list is printed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			options := cloudcode.FallbackModels()
			if id := strings.TrimSpace(accountID); id != "" {
				_, token, err := app.accounts.EnsureFreshToken(cmd.Context(), domain.AccountID(id))
				if err != nil {
					return err
				}
				catalog, err := app.models.FetchAvailableModels(cmd.Context(), token.AccessToken)
				if err != nil {
					return err
				}
				options = catalog.Options()
			}

			if asJSON {
				return writeJSON(cmd, options)
			}
			for _, option := range options {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", option.ID, option.DisplayName, option.ModelConstant)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Fetch the list available to this account")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")

	return cmd
}
