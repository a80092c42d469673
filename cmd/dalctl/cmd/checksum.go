package cmd

import (
	"fmt"

	"github.com/gobeaver/dal"
	"github.com/spf13/cobra"
)

func newChecksumCmd(a *app) *cobra.Command {
	var (
		algorithms []string
		verify     string
	)
	cmd := &cobra.Command{
		Use:   "checksum PATH",
		Short: "Compute digests of a file",
		Long: `Compute digests of a file in one pass.

Algorithms: md5, sha1, sha256, sha512, crc32 and xxhash. With --verify the
command fails unless the first algorithm's digest equals the given value.`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			algs := make([]dal.ChecksumAlgorithm, 0, len(algorithms))
			for _, name := range algorithms {
				algs = append(algs, dal.ChecksumAlgorithm(name))
			}
			if len(algs) == 0 {
				algs = append(algs, dal.ChecksumSHA256)
			}

			if verify != "" {
				ok, err := op.VerifyChecksum(ctx, args[0], verify, algs[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %s checksum mismatch", args[0], algs[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0])
				return nil
			}

			sums, err := op.Checksums(ctx, args[0], algs...)
			if err != nil {
				return err
			}
			for _, alg := range algs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", alg, sums[alg], args[0])
			}
			return nil
		}),
	}
	cmd.Flags().StringSliceVarP(&algorithms, "algorithm", "a", []string{"sha256"}, "digest algorithms (repeatable)")
	cmd.Flags().StringVar(&verify, "verify", "", "expected digest of the first algorithm")
	return cmd
}
