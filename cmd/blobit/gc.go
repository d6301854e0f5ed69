package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rkosegi/blobit/internal/blob"
	"github.com/rkosegi/blobit/pkg/bytesize"
)

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc [bucket]",
		Short: "Reclaim segments whose objects are all deleted",
		Long: `Run one garbage collection pass over bucket, or over every bucket when
none is given. Buckets marked for deletion are torn down once empty.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				var (
					stats blob.GCStats
					err   error
				)
				if len(args) == 1 {
					stats, err = a.manager.GC(ctx, args[0])
				} else {
					stats, err = a.manager.GCAll(ctx)
				}
				printGCStats(cmd.OutOrStdout(), stats)
				return err
			})
		},
	}
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run GC and remove orphaned segment data",
		Long: `Run a GC pass over every bucket that also reclaims empty sealed segments,
then delete stored segments no live segment record refers to. Only data older
than gc.orphan_grace_period is touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.manager.Cleanup(ctx)
				out := cmd.OutOrStdout()
				printGCStats(out, stats.GCStats)
				_, _ = fmt.Fprintf(out, "Orphaned segments:\t%d (%s)\n", stats.OrphanedSegments, bytesize.Format(stats.OrphanedBytes))
				return err
			})
		},
	}
}

func printGCStats(out io.Writer, s blob.GCStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Buckets:\t%d (skipped %d, already deleted %d, finalized %d)\n", s.Buckets, s.BucketsSkipped, s.BucketsAlreadyDeleted, s.BucketsFinalized)
	_, _ = fmt.Fprintf(w, "Segments scanned:\t%d\n", s.SegmentsScanned)
	_, _ = fmt.Fprintf(w, "Segments reclaimed:\t%d (%d empty)\n", s.SegmentsReclaimed, s.EmptySegments)
	_, _ = fmt.Fprintf(w, "Segments in use:\t%d\n", s.SegmentsSkippedActive)
	_, _ = fmt.Fprintf(w, "Segments failed:\t%d\n", s.SegmentsFailed)
	_, _ = fmt.Fprintf(w, "Objects dropped:\t%d (%s)\n", s.ObjectsDropped, bytesize.Format(s.BytesReclaimed))
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", s.Duration)
	_ = w.Flush()
}
