package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/gobeaver/dal"
	"github.com/gobeaver/dal/driver/all"
	"github.com/spf13/cobra"
)

func newListCmd(a *app) *cobra.Command {
	var (
		recursive  bool
		long       bool
		limit      int
		startAfter string
	)
	cmd := &cobra.Command{
		Use:     "ls [PATH]",
		Aliases: []string{"list"},
		Short:   "List a directory",
		Args:    cobra.MaximumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			opts := []dal.ListOption{dal.WithRecursive(recursive)}
			if limit > 0 {
				opts = append(opts, dal.WithLimit(limit))
			}
			if startAfter != "" {
				opts = append(opts, dal.WithStartAfter(startAfter))
			}
			lister, err := op.List(ctx, dir, opts...)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			for {
				e, err := lister.Next(ctx)
				if errors.Is(err, dal.Done) {
					return nil
				}
				if err != nil {
					return err
				}
				if !long {
					fmt.Fprintln(tw, e.Path)
					continue
				}
				md := e.Metadata
				if md == nil {
					md = dal.NewMetadata(e.Path)
				}
				modified := "-"
				if !md.LastModified.IsZero() {
					modified = md.LastModified.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", md.Mode, md.Size, modified, e.Path)
			}
		}),
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list every entry below PATH")
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show mode, size and modification time")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size hint for the backend")
	cmd.Flags().StringVar(&startAfter, "start-after", "", "only list entries sorting after this path")
	return cmd
}

func newSchemesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemes",
		Short: "List the backend schemes dalctl can open",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, s := range all.Registry().Schemes() {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
		},
	}
}
