package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rkosegi/blobit/pkg/bytesize"
)

func newObjectCmds() []*cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put <bucket> [file]",
		Short: "Store a payload and print its object id",
		Long: `Store the contents of file, or standard input when file is omitted or "-",
as a new object in bucket. The object id is printed on success.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := "-"
			if len(args) == 2 {
				src = args[1]
			}
			data, err := readInput(cmd.InOrStdin(), src)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				id, err := a.manager.Put(ctx, args[0], data).Wait(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}

	var (
		output string
		stat   bool
	)
	getCmd := &cobra.Command{
		Use:   "get <bucket> <object-id>",
		Short: "Fetch a payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if stat {
					o, err := a.manager.Stat(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					if o == nil {
						return fmt.Errorf("object %s not found in bucket %q", args[1], args[0])
					}
					enc := yaml.NewEncoder(cmd.OutOrStdout())
					defer func() { _ = enc.Close() }()
					return enc.Encode(map[string]any{
						"id":         o.ID,
						"bucket":     o.Bucket,
						"segment":    o.Segment,
						"offset":     o.Offset,
						"stored":     bytesize.Format(o.Length),
						"size":       bytesize.Format(o.Size),
						"codec":      o.Codec,
						"status":     string(o.Status),
						"created_at": o.CreatedAt,
					})
				}

				data, err := a.manager.Get(ctx, args[0], args[1]).Wait(ctx)
				if err != nil {
					return err
				}
				if data == nil {
					return fmt.Errorf("object %s not found in bucket %q", args[1], args[0])
				}
				return writeOutput(cmd.OutOrStdout(), output, data)
			})
		},
	}
	getCmd.Flags().StringVarP(&output, "output", "o", "-", "write the payload to this file instead of standard output")
	getCmd.Flags().BoolVar(&stat, "stat", false, "print the object record instead of the payload")

	deleteCmd := &cobra.Command{
		Use:     "delete <bucket> <object-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an object",
		Long: `Tombstone an object. Its space is reclaimed by a later GC pass once every
other object in its segment has been deleted too.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.manager.Delete(ctx, args[0], args[1]).Wait(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s.\n", args[1])
				return nil
			})
		},
	}

	return []*cobra.Command{putCmd, getCmd, deleteCmd}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
