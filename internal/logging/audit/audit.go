// Package audit records destructive and lifecycle events of the object store
// as structured log entries, separate from operational logs.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger emits audit events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("log", "audit").Logger()}
}

// LogBucketTransition logs a bucket status change.
// from is empty for newly created buckets.
func (l *Logger) LogBucketTransition(bucket, from, to, instance string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "bucket_transition").
		Str("bucket", bucket).
		Str("to", to).
		Str("instance", instance)
	if from != "" {
		event = event.Str("from", from)
	}
	event.Msg("Bucket transition")
}

// LogSegmentReclaimed logs the physical removal of a segment whose objects
// were all deleted.
func (l *Logger) LogSegmentReclaimed(bucket string, segment uint64, objects int, bytes int64, instance string) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "segment_reclaimed").
		Str("bucket", bucket).
		Uint64("segment", segment).
		Int("objects", objects).
		Int64("bytes", bytes).
		Str("instance", instance).
		Msg("Segment reclaimed")
}

// LogOrphanRemoved logs the removal of stored segment data that no live
// segment record referred to.
func (l *Logger) LogOrphanRemoved(bucket string, segment uint64, bytes int64, instance string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "orphan_removed").
		Str("bucket", bucket).
		Uint64("segment", segment).
		Int64("bytes", bytes).
		Str("instance", instance).
		Msg("Orphaned segment removed")
}
