package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	root, closeApp := newRootCmd()
	defer closeApp()
	return root.ExecuteContext(ctx)
}

// newRootCmd wires the application and returns the command tree together
// with a cleanup that stops anything the commands started.
func newRootCmd() (*cobra.Command, func()) {
	rootCmd := &cobra.Command{
		Use:           "agw",
		Short:         "ag-wakeup (agw): keep Antigravity accounts warm",
		Long:          "agw stores Antigravity accounts and their Google tokens, sends wakeup prompts through the local client gateway or the Cloud Code API, and runs batch verifications across accounts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp(stderrOf(rootCmd))
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd, func() {}
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newAccountCmd(app),
		newAuthCmd(app),
		newModelsCmd(app),
		newWakeupCmd(app),
		newVerifyCmd(app),
		newGroupCmd(app),
		newGatewayCmd(app),
	)

	return rootCmd, app.close
}

// cmdWriter resolves the command's stderr at write time so SetErr applied
// after wiring still captures log output.
type cmdWriter struct {
	cmd *cobra.Command
}

func stderrOf(cmd *cobra.Command) cmdWriter {
	return cmdWriter{cmd: cmd}
}

func (w cmdWriter) Write(p []byte) (int, error) {
	return w.cmd.ErrOrStderr().Write(p)
}
