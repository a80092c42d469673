package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gobeaver/dal"
	"github.com/spf13/cobra"
)

// metadataView is the JSON shape printed by stat --json.
type metadataView struct {
	Path               string            `json:"path"`
	Mode               string            `json:"mode"`
	Size               int64             `json:"size"`
	LastModified       *time.Time        `json:"last_modified,omitempty"`
	ETag               string            `json:"etag,omitempty"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentMD5         string            `json:"content_md5,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	UserMetadata       map[string]string `json:"user_metadata,omitempty"`
}

func viewOf(md *dal.Metadata) metadataView {
	v := metadataView{
		Path:               md.Path,
		Mode:               md.Mode.String(),
		Size:               md.Size,
		ETag:               md.ETag,
		ContentType:        md.ContentType,
		ContentMD5:         md.ContentMD5,
		CacheControl:       md.CacheControl,
		ContentDisposition: md.ContentDisposition,
		UserMetadata:       md.UserMetadata,
	}
	if !md.LastModified.IsZero() {
		t := md.LastModified.UTC()
		v.LastModified = &t
	}
	return v
}

func newStatCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stat PATH",
		Short: "Show the metadata of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			md, err := op.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			v := viewOf(md)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(v)
			}
			fmt.Fprintf(out, "path:          %s\n", v.Path)
			fmt.Fprintf(out, "mode:          %s\n", v.Mode)
			fmt.Fprintf(out, "size:          %d\n", v.Size)
			if v.LastModified != nil {
				fmt.Fprintf(out, "last modified: %s\n", v.LastModified.Format(time.RFC3339))
			}
			if v.ETag != "" {
				fmt.Fprintf(out, "etag:          %s\n", v.ETag)
			}
			if v.ContentType != "" {
				fmt.Fprintf(out, "content type:  %s\n", v.ContentType)
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print metadata as JSON")
	return cmd
}

func newCatCmd(a *app) *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "cat PATH",
		Short: "Write the content of a file to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			var opts []dal.ReadOption
			if offset > 0 || length > 0 {
				opts = append(opts, dal.WithRange(offset, length))
			}
			r, _, err := op.Reader(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		}),
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&length, "length", 0, "number of bytes to read (0 reads to the end)")
	return cmd
}

func newWriteCmd(a *app) *cobra.Command {
	var (
		contentType string
		chunkSize   int64
		appendMode  bool
		progress    bool
	)
	cmd := &cobra.Command{
		Use:   "write PATH [FILE]",
		Short: "Write a local file, or stdin, to PATH",
		Long: `Write a local file, or stdin when FILE is omitted or "-", to PATH.

Backends with multipart support receive the data in chunks of --chunk-size.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			src, size, err := openSource(cmd, args)
			if err != nil {
				return err
			}
			defer src.Close()

			var md *dal.Metadata
			if appendMode {
				data, err := io.ReadAll(src)
				if err != nil {
					return err
				}
				var opts []dal.WriteOption
				if contentType != "" {
					opts = append(opts, dal.WithContentType(contentType))
				}
				md, err = op.Append(ctx, args[0], data, opts...)
				if err != nil {
					return err
				}
			} else {
				uploadOpts := &dal.UploadOptions{ContentType: contentType, ChunkSize: chunkSize}
				if progress {
					uploadOpts.Progress = progressPrinter(cmd.ErrOrStderr())
				}
				md, err = op.Upload(ctx, args[0], src, size, uploadOpts)
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", args[0], md.Size)
			return nil
		}),
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: detected)")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", dal.DefaultChunkSize, "multipart chunk size in bytes")
	cmd.Flags().BoolVar(&appendMode, "append", false, "append to the file instead of replacing it")
	cmd.Flags().BoolVar(&progress, "progress", false, "report progress on stderr")
	return cmd
}

// openSource returns the data to write and its size, -1 for stdin.
func openSource(cmd *cobra.Command, args []string) (io.ReadCloser, int64, error) {
	if len(args) < 2 || args[1] == "-" {
		return io.NopCloser(cmd.InOrStdin()), -1, nil
	}
	f, err := os.Open(args[1])
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func progressPrinter(w io.Writer) dal.ProgressFunc {
	return func(done, total int64) {
		if total > 0 {
			fmt.Fprintf(w, "\r%d / %d bytes (%.0f%%)", done, total, float64(done)*100/float64(total))
			if done >= total {
				fmt.Fprintln(w)
			}
			return
		}
		fmt.Fprintf(w, "\r%d bytes", done)
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:     "rm PATH...",
		Aliases: []string{"delete"},
		Short:   "Delete files, or whole trees with --recursive",
		Args:    cobra.MinimumNArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			ctx := cmd.Context()
			if recursive {
				for _, p := range args {
					if err := op.RemoveAll(ctx, p); err != nil {
						return err
					}
				}
				return nil
			}
			if len(args) == 1 {
				return op.Delete(ctx, args[0])
			}
			return removeBatch(ctx, cmd.ErrOrStderr(), op, args)
		}),
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete directories and everything below them")
	return cmd
}

func removeBatch(ctx context.Context, w io.Writer, op *dal.Operator, paths []string) error {
	results, err := op.Batch(ctx, paths)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Fprintf(w, "%s: %v\n", r.Path, r.Err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletes failed", failed, len(paths))
	}
	return nil
}

func newMkdirCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir PATH",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			return op.CreateDir(cmd.Context(), args[0])
		}),
	}
}

func newCopyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cp FROM TO",
		Short: "Copy a file inside the backend",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			return op.Copy(cmd.Context(), args[0], args[1])
		}),
	}
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "mv FROM TO",
		Aliases: []string{"rename"},
		Short:   "Rename a file inside the backend",
		Args:    cobra.ExactArgs(2),
		RunE: a.run(func(cmd *cobra.Command, op *dal.Operator, args []string) error {
			return op.Rename(cmd.Context(), args[0], args[1])
		}),
	}
}
