package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rkosegi/blobit/internal/metadata"
	"github.com/rkosegi/blobit/pkg/bytesize"
)

func newBucketCmd() *cobra.Command {
	bucketCmd := &cobra.Command{
		Use:     "bucket",
		Aliases: []string{"buckets"},
		Short:   "Manage buckets",
		Long: `Create, inspect and delete buckets.

Deleting a bucket marks it for deletion: new writes are refused and the
bucket is torn down by the next GC pass once every object in it has been
deleted.

Examples:
  blobit bucket create photos --segment-size 16MB --compression zstd
  blobit bucket list
  blobit bucket info photos
  blobit bucket delete photos`,
	}

	var (
		tablespace  string
		segmentSize string
		compression string
		options     []string
	)
	createCmd := &cobra.Command{
		Use:   "create <bucket>",
		Short: "Create a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := metadata.BucketConfig{Compression: compression}
			if segmentSize != "" {
				n, err := bytesize.Parse(segmentSize)
				if err != nil {
					return fmt.Errorf("invalid --segment-size: %w", err)
				}
				cfg.SegmentSize = n
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			cfg.Options = opts

			return withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.manager.CreateBucket(ctx, args[0], tablespace, cfg).Wait(ctx)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Bucket %q created.\n", b.ID)
				return nil
			})
		},
	}
	createCmd.Flags().StringVar(&tablespace, "tablespace", "", "tablespace name")
	createCmd.Flags().StringVar(&segmentSize, "segment-size", "", "seal threshold, e.g. 16MB (default: segments.target_size)")
	createCmd.Flags().StringVar(&compression, "compression", "", "payload codec: none, zstd or lz4")
	createCmd.Flags().StringArrayVar(&options, "option", nil, "placement option key=value (repeatable)")
	bucketCmd.AddCommand(createCmd)

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "delete <bucket>",
		Short: "Mark a bucket for deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tr, err := a.manager.DeleteBucket(ctx, args[0]).Wait(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !tr.Changed {
					_, _ = fmt.Fprintf(out, "Bucket %q already %s.\n", tr.Bucket, tr.To)
					return nil
				}
				_, _ = fmt.Fprintf(out, "Bucket %q: %s -> %s.\n", tr.Bucket, tr.From, tr.To)
				return nil
			})
		},
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List buckets",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "BUCKET\tSTATUS\tCODEC\tSEGMENT SIZE\tCREATED")
				err := a.manager.ListBuckets(ctx, func(b metadata.Bucket) error {
					codecName := b.Config.Compression
					if codecName == "" {
						codecName = "none"
					}
					size := "default"
					if b.Config.SegmentSize > 0 {
						size = bytesize.Format(b.Config.SegmentSize)
					}
					_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						b.ID, b.Status, codecName, size, b.CreatedAt.Format(time.RFC3339))
					return err
				})
				if err != nil {
					return err
				}
				return w.Flush()
			})
		},
	})

	bucketCmd.AddCommand(&cobra.Command{
		Use:   "info <bucket>",
		Short: "Show bucket metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				b, err := a.manager.GetBucketMetadata(ctx, args[0])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer func() { _ = enc.Close() }()
				return enc.Encode(bucketView(b))
			})
		},
	})

	return bucketCmd
}

type bucketInfo struct {
	ID          string            `yaml:"id"`
	Tablespace  string            `yaml:"tablespace"`
	Status      string            `yaml:"status"`
	SegmentSize string            `yaml:"segment_size,omitempty"`
	Compression string            `yaml:"compression,omitempty"`
	Options     map[string]string `yaml:"options,omitempty"`
	CreatedAt   time.Time         `yaml:"created_at"`
	MarkedAt    *time.Time        `yaml:"marked_at,omitempty"`
	DeletedAt   *time.Time        `yaml:"deleted_at,omitempty"`
}

func bucketView(b metadata.Bucket) bucketInfo {
	info := bucketInfo{
		ID:          b.ID,
		Tablespace:  b.TablespaceName,
		Status:      string(b.Status),
		Compression: b.Config.Compression,
		Options:     b.Config.Options,
		CreatedAt:   b.CreatedAt,
		MarkedAt:    b.MarkedAt,
		DeletedAt:   b.DeletedAt,
	}
	if b.Config.SegmentSize > 0 {
		info.SegmentSize = bytesize.Format(b.Config.SegmentSize)
	}
	return info
}

// parseOptions turns key=value flags into a map.
func parseOptions(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	opts := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --option %q: expected key=value", kv)
		}
		opts[k] = v
	}
	return opts, nil
}
