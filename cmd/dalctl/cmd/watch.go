package cmd

import (
	"fmt"
	"time"

	"github.com/gobeaver/dal"
	"github.com/spf13/cobra"
)

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch PATTERN",
		Short: "Print a line whenever a file matching PATTERN changes",
		Long: `Print a line whenever a file matching the glob PATTERN changes.

Backends without change notifications are polled every --interval.
The command runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			op = op.With(dal.WithWatchInterval(interval))
			pattern := args[0]

			// fail fast on a bad pattern or an unsupported backend
			first, err := op.Watch(ctx, pattern)
			if err != nil {
				return err
			}
			pending := first
			out := cmd.OutOrStdout()
			cancel := dal.OnChange(func() (dal.ChangeToken, error) {
				if pending != nil {
					t := pending
					pending = nil
					return t, nil
				}
				return op.Watch(ctx, pattern)
			}, func() {
				fmt.Fprintf(out, "%s %s changed\n", time.Now().UTC().Format(time.RFC3339), pattern)
			})
			defer cancel()

			<-ctx.Done()
			return nil
		}),
	}
	cmd.Flags().DurationVar(&interval, "interval", dal.DefaultWatchInterval, "polling interval")
	return cmd
}
