package commands

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
	"github.com/Capmap-core-v1/server/internal/agent/model"
)

var (
	askSession string
	askGeneral bool
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		sessionID := askSession
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		if askVerbose {
			ctx = progress.WithReporter(ctx, func(status string) {
				fmt.Fprintf(cmd.ErrOrStderr(), "… %s\n", status)
			})
		}

		reply, err := a.runner.Invoke(ctx, model.QueryInput{
			SessionID:       sessionID,
			Query:           strings.Join(args, " "),
			GeneralOverride: askGeneral,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, reply.Text)
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[session %s, route %s, cost $%.4f]\n", sessionID, reply.Route, reply.CostUSD)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "Session id to continue (default: new session)")
	askCmd.Flags().BoolVar(&askGeneral, "general", false, "Skip routing and use the general agent")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "Print progress while the question is answered")
}
