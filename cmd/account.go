package cmd

import (
	"fmt"
	"time"

	"github.com/bnema/ag-wakeup/internal/application"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

func newAccountCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}

	cmd.AddCommand(
		newAccountListCmd(app),
		newAccountAddCmd(app),
		newAccountRemoveCmd(app),
		newAccountShowCmd(app),
	)

	return cmd
}

type accountView struct {
	ID             string    `json:"id"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	ProjectID      string    `json:"projectId,omitempty"`
	IsGCPToS       bool      `json:"isGcpTos"`
	AuthMethod     string    `json:"authMethod,omitempty"`
	HasToken       bool      `json:"hasToken"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitzero"`
}

func toAccountView(summary application.AccountSummary) accountView {
	account := summary.Account
	return accountView{
		ID:             string(account.ID),
		Email:          account.Email,
		Name:           account.Name,
		ProjectID:      account.Metadata.ProjectID,
		IsGCPToS:       account.Metadata.IsGCPToS,
		AuthMethod:     string(account.Auth.Method),
		HasToken:       summary.HasToken,
		TokenExpiresAt: summary.TokenExpiresAt,
	}
}

func newAccountListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			summaries, err := app.accounts.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]accountView, 0, len(summaries))
			for _, summary := range summaries {
				views = append(views, toAccountView(summary))
			}
			if asJSON {
				return writeJSON(cmd, views)
			}

			if len(views) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no accounts configured")
				return err
			}
			for _, view := range views {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", view.ID, labelOf(view), tokenState(view, app.now()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	return cmd
}

func labelOf(view accountView) string {
	return domain.Account{ID: domain.AccountID(view.ID), Email: view.Email, Name: view.Name}.Label()
}

func tokenState(view accountView, now time.Time) string {
	switch {
	case !view.HasToken:
		return "no token"
	case view.TokenExpiresAt.IsZero():
		return "token"
	case !now.Before(view.TokenExpiresAt):
		return "token expired " + view.TokenExpiresAt.Local().Format(time.DateTime)
	default:
		return "token until " + view.TokenExpiresAt.Local().Format(time.DateTime)
	}
}

func newAccountAddCmd(app *app) *cobra.Command {
	var (
		accountID string
		email     string
		name      string
		gcpToS    bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}
			command := application.AddAccountCommand{ID: id, Email: email, Name: name}
			if cmd.Flags().Changed("gcp-tos") {
				command.IsGCPToS = &gcpToS
			}

			account, err := app.accounts.AddAccount(cmd.Context(), command)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved account %s (%s)\n", account.ID, account.Label())
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().BoolVar(&gcpToS, "gcp-tos", false, "Use the production Cloud Code endpoint")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newAccountRemoveCmd(app *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an account and its stored token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}
			if err := app.accounts.RemoveAccount(cmd.Context(), id); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", id)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newAccountShowCmd(app *app) *cobra.Command {
	var (
		accountID string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}
			summaries, err := app.accounts.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			for _, summary := range summaries {
				if summary.Account.ID != id {
					continue
				}
				view := toAccountView(summary)
				if asJSON {
					return writeJSON(cmd, view)
				}
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(out, "id:       %s\n", view.ID)
				_, _ = fmt.Fprintf(out, "label:    %s\n", labelOf(view))
				if view.ProjectID != "" {
					_, _ = fmt.Fprintf(out, "project:  %s\n", view.ProjectID)
				}
				_, _ = fmt.Fprintf(out, "gcp tos:  %t\n", view.IsGCPToS)
				_, err := fmt.Fprintf(out, "token:    %s\n", tokenState(view, app.now()))
				return err
			}
			return fmt.Errorf("account %s: %w", id, domain.ErrAccountNotFound)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON output")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}
