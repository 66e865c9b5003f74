package ledgerbase

import (
	"context"
	"fmt"
	"time"
)

// MigrationProgress is delivered to the progress callback after each batch.
type MigrationProgress struct {
	Completed        int
	Total            int
	Batch            int
	Percentage       float64
	CurrentOperation string
	Errors           []string
}

// MigrateOptions controls a migration run.
type MigrateOptions struct {
	// BatchSize is how many records move per batch. Zero means the default.
	BatchSize int

	// DryRun counts and validates what would move without writing anything.
	DryRun bool

	// SkipValidation disables the consistency check that otherwise runs
	// once all batches are done. Validation is the default.
	SkipValidation bool

	// OnProgress, if set, is called after every batch.
	OnProgress func(MigrationProgress)
}

// MigrationResult reports what a run did. A run with per-record errors can
// still succeed overall; Success is false only when the run could not
// complete or post-validation failed.
type MigrationResult struct {
	Success       bool
	DryRun        bool
	TotalRecords  int
	MigratedCount int
	Errors        []string
	Validation    *ValidationReport
	Duration      time.Duration
}

// Migrator copies every transaction from a source repository into a target
// repository in batches. Records are re-created on the target with fresh
// identity; per-record failures are collected rather than aborting the run.
type Migrator struct {
	validator *Validator
	logger    Logger
	metrics   Metrics
}

// MigratorOption configures a Migrator.
type MigratorOption func(*Migrator)

// WithMigratorLogger sets the logger.
func WithMigratorLogger(l Logger) MigratorOption {
	return func(m *Migrator) { m.logger = l }
}

// WithMigratorMetrics sets the metrics sink.
func WithMigratorMetrics(mt Metrics) MigratorOption {
	return func(m *Migrator) { m.metrics = mt }
}

// WithMigratorValidator replaces the post-migration validator.
func WithMigratorValidator(v *Validator) MigratorOption {
	return func(m *Migrator) { m.validator = v }
}

// NewMigrator creates a migrator.
func NewMigrator(opts ...MigratorOption) *Migrator {
	m := &Migrator{
		validator: NewValidator(),
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate copies all transactions from source to target. The context is
// checked between batches, so cancellation stops cleanly at a batch
// boundary without tearing a batch in half.
func (m *Migrator) Migrate(ctx context.Context, source, target *Repository[Transaction], opts MigrateOptions) (*MigrationResult, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultMigrationBatchSize
	}

	recs, err := source.GetAll(ctx)
	if err != nil {
		return nil, wrapBackendErr(err, "migrate: load source")
	}

	result := &MigrationResult{
		DryRun:       opts.DryRun,
		TotalRecords: len(recs),
	}

	m.logger.Info("migration started",
		"records", len(recs),
		"batch_size", opts.BatchSize,
		"dry_run", opts.DryRun)

	batch := 0
	for offset := 0; offset < len(recs); offset += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		batch++

		end := offset + opts.BatchSize
		if end > len(recs) {
			end = len(recs)
		}

		for _, rec := range recs[offset:end] {
			if opts.DryRun {
				if err := target.Codec().Validate(rec); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
					continue
				}
				result.MigratedCount++
				continue
			}

			if _, err := target.Create(ctx, target.Codec().StripIdentity(rec)); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
				m.metrics.Increment(MetricMigrateErrors)
				m.logger.Warn("record migration failed", "id", rec.ID, "error", err)
				continue
			}
			result.MigratedCount++
			m.metrics.Increment(MetricMigrateRecords)
		}

		m.metrics.Increment(MetricMigrateBatches)
		if opts.OnProgress != nil {
			opts.OnProgress(MigrationProgress{
				Completed:        end,
				Total:            len(recs),
				Batch:            batch,
				Percentage:       float64(end) / float64(len(recs)) * 100,
				CurrentOperation: fmt.Sprintf("migrating batch %d", batch),
				Errors:           append([]string(nil), result.Errors...),
			})
		}
	}

	result.Success = len(result.Errors) == 0

	if !opts.SkipValidation && !opts.DryRun {
		report, err := m.validator.Compare(ctx, source, target)
		if err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
		result.Validation = report
		// Migrated records carry fresh ids, so id-paired field comparison
		// does not apply; the aggregate counts are what must line up.
		if report.Source.Total != report.Target.Total ||
			report.Source.TotalDebits != report.Target.TotalDebits ||
			report.Source.TotalCredits != report.Target.TotalCredits {
			result.Success = false
		}
	}

	result.Duration = time.Since(start)
	m.metrics.Timing(MetricMigrateDuration, result.Duration)
	m.logger.Info("migration finished",
		"migrated", result.MigratedCount,
		"errors", len(result.Errors),
		"success", result.Success,
		"duration", result.Duration)
	return result, nil
}

// MigrationStats summarizes both sides before or after a migration.
type MigrationStats struct {
	SourceCount       int
	TargetCount       int
	MigrationNeeded   bool
	EstimatedDuration time.Duration
}

// GetMigrationStats counts records on both sides and estimates how long
// a run would take at MigrationRecordEstimate per record.
func (m *Migrator) GetMigrationStats(ctx context.Context, source, target *Repository[Transaction]) (MigrationStats, error) {
	srcCount, err := source.Count(ctx)
	if err != nil {
		return MigrationStats{}, wrapBackendErr(err, "migrate: count source")
	}
	tgtCount, err := target.Count(ctx)
	if err != nil {
		return MigrationStats{}, wrapBackendErr(err, "migrate: count target")
	}
	return MigrationStats{
		SourceCount:       srcCount,
		TargetCount:       tgtCount,
		MigrationNeeded:   srcCount > 0,
		EstimatedDuration: time.Duration(srcCount) * MigrationRecordEstimate,
	}, nil
}
