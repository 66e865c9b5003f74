package ledgerbase

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Difference is one divergence found while comparing two stores.
type Difference struct {
	RecordID string `json:"recordId"`
	Field    string `json:"field,omitempty"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	Reason   string `json:"reason"`
}

// SideStats summarizes the transactions held by one side of a comparison.
type SideStats struct {
	Total        int                     `json:"total"`
	TotalDebits  float64                 `json:"totalDebits"`
	TotalCredits float64                 `json:"totalCredits"`
	CountByType  map[TransactionType]int `json:"countByType"`
}

// ValidationReport is the outcome of comparing two stores record by record.
type ValidationReport struct {
	IsValid     bool          `json:"isValid"`
	Differences []Difference  `json:"differences"`
	Source      SideStats     `json:"source"`
	Target      SideStats     `json:"target"`
	Duration    time.Duration `json:"duration"`
}

// Validator compares the same records held in two stores. Replication
// skews timestamps slightly, so time fields match within a tolerance
// rather than exactly, and tag order is ignored.
type Validator struct {
	tolerance time.Duration
	logger    Logger
	metrics   Metrics
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTimeTolerance sets how far apart two timestamps may be and still
// count as equal.
func WithTimeTolerance(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.tolerance = d }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithValidatorMetrics sets the metrics sink.
func WithValidatorMetrics(m Metrics) ValidatorOption {
	return func(v *Validator) { v.metrics = m }
}

// NewValidator creates a validator with the default 1s time tolerance.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		tolerance: DefaultTimeTolerance,
		logger:    &NoOpLogger{},
		metrics:   &NoOpMetrics{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Compare loads all transactions from both repositories and diffs them.
// Records pair up by id; a record present on one side only is a difference,
// as is any field mismatch outside the tolerances. The report is complete:
// comparison never stops at the first divergence.
func (v *Validator) Compare(ctx context.Context, source, target *Repository[Transaction]) (*ValidationReport, error) {
	start := time.Now()

	srcRecs, err := source.GetAll(ctx)
	if err != nil {
		return nil, wrapBackendErr(err, "validate: load source")
	}
	tgtRecs, err := target.GetAll(ctx)
	if err != nil {
		return nil, wrapBackendErr(err, "validate: load target")
	}

	report := v.compareRecords(srcRecs, tgtRecs)
	report.Duration = time.Since(start)

	v.metrics.Timing(MetricValidateDuration, report.Duration)
	v.metrics.Histogram(MetricValidateDiffs, float64(len(report.Differences)))
	v.logger.Info("validation finished",
		"source_count", report.Source.Total,
		"target_count", report.Target.Total,
		"differences", len(report.Differences),
		"valid", report.IsValid)
	return report, nil
}

func (v *Validator) compareRecords(src, tgt []*Transaction) *ValidationReport {
	report := &ValidationReport{
		Differences: []Difference{},
		Source:      statsFor(src),
		Target:      statsFor(tgt),
	}

	if len(src) != len(tgt) {
		report.Differences = append(report.Differences, Difference{
			Source: fmt.Sprintf("%d records", len(src)),
			Target: fmt.Sprintf("%d records", len(tgt)),
			Reason: "record count mismatch",
		})
	}

	bySrc := indexByID(src)
	byTgt := indexByID(tgt)

	ids := make([]string, 0, len(bySrc))
	for id := range bySrc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := bySrc[id]
		t, ok := byTgt[id]
		if !ok {
			report.Differences = append(report.Differences, Difference{
				RecordID: id,
				Source:   "present",
				Target:   "missing",
				Reason:   "record missing from target",
			})
			continue
		}
		report.Differences = append(report.Differences, v.diffTransaction(s, t)...)
	}

	tgtOnly := make([]string, 0)
	for id := range byTgt {
		if _, ok := bySrc[id]; !ok {
			tgtOnly = append(tgtOnly, id)
		}
	}
	sort.Strings(tgtOnly)
	for _, id := range tgtOnly {
		report.Differences = append(report.Differences, Difference{
			RecordID: id,
			Source:   "missing",
			Target:   "present",
			Reason:   "record missing from source",
		})
	}

	report.IsValid = len(report.Differences) == 0
	return report
}

func (v *Validator) diffTransaction(s, t *Transaction) []Difference {
	var diffs []Difference
	field := func(name, sv, tv string) {
		diffs = append(diffs, Difference{
			RecordID: s.ID,
			Field:    name,
			Source:   sv,
			Target:   tv,
			Reason:   "field mismatch",
		})
	}

	if s.Amount != t.Amount {
		field("amount", fmt.Sprintf("%v", s.Amount), fmt.Sprintf("%v", t.Amount))
	}
	if s.Description != t.Description {
		field("description", s.Description, t.Description)
	}
	if s.Category != t.Category {
		field("category", s.Category, t.Category)
	}
	if s.Type != t.Type {
		field("type", string(s.Type), string(t.Type))
	}
	if !sameTagSet(s.Tags, t.Tags) {
		field("tags", fmt.Sprintf("%v", s.Tags), fmt.Sprintf("%v", t.Tags))
	}
	if !v.timesClose(s.Date, t.Date) {
		field("date", formatTime(s.Date), formatTime(t.Date))
	}
	if !v.timesClose(s.CreatedAt, t.CreatedAt) {
		field("createdAt", formatTime(s.CreatedAt), formatTime(t.CreatedAt))
	}
	if !v.timesClose(s.UpdatedAt, t.UpdatedAt) {
		field("updatedAt", formatTime(s.UpdatedAt), formatTime(t.UpdatedAt))
	}
	return diffs
}

// timesClose reports whether two timestamps are within the tolerance.
// A zero on exactly one side never matches.
func (v *Validator) timesClose(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= v.tolerance
}

// sameTagSet compares tags ignoring order
func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, tag := range a {
		counts[tag]++
	}
	for _, tag := range b {
		counts[tag]--
		if counts[tag] < 0 {
			return false
		}
	}
	return true
}

func statsFor(recs []*Transaction) SideStats {
	stats := SideStats{
		Total:       len(recs),
		CountByType: make(map[TransactionType]int),
	}
	for _, rec := range recs {
		stats.CountByType[rec.Type]++
		switch rec.Type {
		case TypeDebit:
			stats.TotalDebits += rec.Amount
		case TypeCredit:
			stats.TotalCredits += rec.Amount
		}
	}
	return stats
}

func indexByID(recs []*Transaction) map[string]*Transaction {
	out := make(map[string]*Transaction, len(recs))
	for _, rec := range recs {
		out[rec.ID] = rec
	}
	return out
}

// ValidateConsistency is a convenience wrapper returning only the verdict.
func (v *Validator) ValidateConsistency(ctx context.Context, source, target *Repository[Transaction]) (bool, error) {
	report, err := v.Compare(ctx, source, target)
	if err != nil {
		return false, err
	}
	return report.IsValid, nil
}
