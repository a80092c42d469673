package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/dal"
	"github.com/spf13/cobra"
)

func newPresignCmd(a *app) *cobra.Command {
	var (
		method      string
		expire      time.Duration
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "presign PATH",
		Short: "Print a signed URL for PATH",
		Long: `Print a signed URL granting temporary access to PATH.

--method is one of read (GET), stat (HEAD) or write (PUT). Headers that the
client must send along with the request are printed after the URL.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			var (
				req *dal.PresignedRequest
				err error
			)
			switch strings.ToLower(method) {
			case "read", "get":
				req, err = op.PresignRead(ctx, args[0], expire)
			case "stat", "head":
				req, err = op.PresignStat(ctx, args[0], expire)
			case "write", "put":
				var opts []dal.WriteOption
				if contentType != "" {
					opts = append(opts, dal.WithContentType(contentType))
				}
				req, err = op.PresignWrite(ctx, args[0], expire, opts...)
			default:
				return fmt.Errorf("unknown method %q: want read, stat or write", method)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", req.Method, req.URL)
			keys := make([]string, 0, len(req.Header))
			for k := range req.Header {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s: %s\n", k, strings.Join(req.Header[k], ", "))
			}
			if !req.Expires.IsZero() {
				fmt.Fprintf(out, "expires: %s\n", req.Expires.UTC().Format(time.RFC3339))
			}
			return nil
		}),
	}
	cmd.Flags().StringVarP(&method, "method", "m", "read", "operation to sign: read, stat or write")
	cmd.Flags().DurationVar(&expire, "expire", 15*time.Minute, "validity of the signed URL")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type bound to a write URL")
	return cmd
}
