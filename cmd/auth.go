package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	authadapter "github.com/bnema/ag-wakeup/internal/adapters/auth"
	"github.com/bnema/ag-wakeup/internal/application"
	"github.com/bnema/ag-wakeup/internal/config"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/cobra"
)

func newAuthCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage account tokens",
	}

	cmd.AddCommand(newAuthSetCmd(app), newAuthRemoveCmd(app), newAuthLoginCmd(app))

	return cmd
}

func newAuthSetCmd(app *app) *cobra.Command {
	var (
		accountID    string
		email        string
		accessToken  string
		refreshToken string
		expiresIn    int64
		projectID    string
		tokenFile    string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a token for an account",
		Long:  "Store a token for an account. Pass the fields as flags, or a token JSON document with --token-file (- reads stdin).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}

			var token domain.Token
			if tokenFile != "" {
				token, err = readTokenFile(cmd, tokenFile)
				if err != nil {
					return err
				}
			}
			if accessToken != "" {
				token.AccessToken = accessToken
			}
			if refreshToken != "" {
				token.RefreshToken = refreshToken
			}
			if expiresIn > 0 {
				token.ExpiresIn = expiresIn
				token.ExpiryTimestamp = 0
			}
			if projectID != "" {
				token.ProjectID = projectID
			}
			if strings.TrimSpace(token.AccessToken) == "" && strings.TrimSpace(token.RefreshToken) == "" {
				return errors.New("an access token or refresh token is required")
			}

			err = app.accounts.SetToken(cmd.Context(), application.SetTokenCommand{
				ID:     id,
				Method: domain.AuthMethodManual,
				Email:  email,
				Token:  token,
			})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Stored token for account %s\n", id)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "OAuth access token")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth refresh token")
	cmd.Flags().Int64Var(&expiresIn, "expires-in", 0, "Access token lifetime in seconds")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Cloud Code project id")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "Path to a token JSON document")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func readTokenFile(cmd *cobra.Command, path string) (domain.Token, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("read token file: %w", err)
	}
	token, err := domain.DecodeToken(string(data))
	if err != nil {
		return domain.Token{}, fmt.Errorf("parse token file: %w", err)
	}
	return token, nil
}

func newAuthRemoveCmd(app *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove the stored token of an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := requireAccountID(accountID)
			if err != nil {
				return err
			}
			if err := app.accounts.RemoveToken(cmd.Context(), id); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed token for account %s\n", id)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newAuthLoginCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start account login flows",
	}

	cmd.AddCommand(newAuthLoginBrowserCmd(app))

	return cmd
}

func newAuthLoginBrowserCmd(app *app) *cobra.Command {
	var (
		accountID string
		noBrowser bool
		gcpToS    bool
	)

	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Log in with Google in the browser",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			result, err := app.oauth.LoginBrowser(cmd.Context(), authadapter.LoginOptions{
				ListenAddr: app.cfg.GetString(config.KeyOAuthListenAddr),
				Open: func(authURL string) error {
					_, _ = fmt.Fprintf(out, "Open this URL to sign in:\n%s\n", authURL)
					if noBrowser {
						return nil
					}
					if err := app.openBrowser(authURL); err != nil {
						app.logger.Warn("open browser failed", "error", err)
					}
					return nil
				},
			})
			if err != nil {
				return fmt.Errorf("browser login: %w", err)
			}

			id := domain.AccountID(strings.TrimSpace(accountID))
			if id == "" {
				id = domain.AccountID(result.Email)
			}
			if _, err := app.accounts.AddAccount(cmd.Context(), application.AddAccountCommand{
				ID:       id,
				Email:    result.Email,
				Name:     result.Name,
				IsGCPToS: gcpFlag(cmd, gcpToS),
			}); err != nil {
				return err
			}

			token := result.Token
			token.IsGCPToS = gcpToS
			if err := app.accounts.SetToken(cmd.Context(), application.SetTokenCommand{
				ID:     id,
				Method: domain.AuthMethodGoogleOAuth,
				Email:  result.Email,
				Token:  token,
			}); err != nil {
				return fmt.Errorf("save login token: %w", err)
			}

			_, err = fmt.Fprintf(out, "Logged in %s as account %s\n", result.Email, id)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Account ID (defaults to the Google email)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Only print the sign-in URL")
	cmd.Flags().BoolVar(&gcpToS, "gcp-tos", false, "Use the production Cloud Code endpoint")

	return cmd
}

func gcpFlag(cmd *cobra.Command, value bool) *bool {
	if !cmd.Flags().Changed("gcp-tos") {
		return nil
	}
	return &value
}

func openBrowser(url string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name, args = "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		name = "xdg-open"
	}
	return exec.Command(name, append(args, url)...).Start()
}
