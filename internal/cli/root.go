// Package cli implements dialogctl, a terminal client that drives a
// confirmation dialog against the dialog server.
package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/dialog-sync/internal/config"
)

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "dialogctl",
		Short:         "Drive a requirement confirmation dialog from the terminal",
		Long:          "dialogctl submits a requirement to the dialog server, answers its clarifying questions, approves or cancels the result and follows progress pushed over the realtime channel.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.wire(cmd, v)
		},
	}

	def := config.DefaultClientConfig()
	flags := rootCmd.PersistentFlags()
	flags.String("server-url", def.ServerURL, "Dialog server base URL")
	flags.Int("reconnect-max", def.ReconnectMax, "Realtime reconnect attempts (0 disables reconnect)")
	flags.Duration("reconnect-delay", def.ReconnectDelay, "Delay between reconnect attempts")
	flags.Duration("keepalive-interval", def.KeepAliveInterval, "Realtime keep-alive ping interval")
	flags.Duration("refresh-interval", def.RefreshInterval, "Scheduled status refresh interval")
	flags.Duration("request-timeout", def.RequestTimeout, "Per-request timeout")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.Bool("json", false, "Render JSON output")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("DIALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(
		newSubmitCmd(a),
		newStatusCmd(a),
		newAnswerCmd(a),
		newModifyCmd(a),
		newApproveCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
		newWatchCmd(a),
		newTasksCmd(a),
		newArchitectureCmd(a),
		newExportCmd(a),
		newDeliverCmd(a),
	)

	return rootCmd
}
