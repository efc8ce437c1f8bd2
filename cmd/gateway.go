package cmd

import (
	"fmt"

	"github.com/bnema/ag-wakeup/internal/config"
	"github.com/spf13/cobra"
)

func newGatewayCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the local session gateway",
	}

	cmd.AddCommand(newGatewayServeCmd(app))
	return cmd
}

func newGatewayServeCmd(app *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the gateway until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("addr") {
				addr = app.cfg.GetString(config.KeyGatewayAddr)
			}

			server := app.newGateway(addr)
			baseURL, err := server.Start(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := server.Close(); err != nil {
					app.logger.Warn("close gateway", "error", err)
				}
			}()

			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "Gateway listening on %s\n", baseURL); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:0", "Listen address")
	return cmd
}
