package domain

import "time"

// =============================================================================
// Validation Report
// =============================================================================

// Check names produced by the pipeline. The set is fixed; per-field
// extraction checks are named "field_extraction:<field>".
const (
	CheckIngestion      = "ingestion"
	CheckTimestamps     = "timestamp_validity"
	CheckFieldExtract   = "field_extraction"
	CheckFieldSeparator = ":"
)

// CheckResult is the outcome of one named validation check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// FieldCoverage describes how well one expected field was extracted from
// the sampled events.
type FieldCoverage struct {
	Extracted    int      `json:"extracted"`
	SampleTotal  int      `json:"total"`
	SampleValues []string `json:"sample_values,omitempty"`
}

// ReportSummary is the roll-up section of a report.
type ReportSummary struct {
	TotalEvents     int64   `json:"totalEvents"`
	PackageName     string  `json:"packageName"`
	IndexName       string  `json:"indexName"`
	FieldsExtracted int     `json:"fieldsExtracted"`
	FieldsExpected  int     `json:"fieldsExpected"`
	CoveragePct     float64 `json:"coveragePct"`
}

// ValidationReport is the structured result of one validation run.
// It is produced exactly once, at the terminal transition, and is
// immutable once attached to a run.
type ValidationReport struct {
	Status        RunStatus                `json:"status"`
	Timestamp     time.Time                `json:"timestamp"`
	Summary       ReportSummary            `json:"summary"`
	FieldCoverage map[string]FieldCoverage `json:"fieldCoverage"`
	Checks        []CheckResult            `json:"checks"`
	Errors        []string                 `json:"errors"`
	Warnings      []string                 `json:"warnings"`
	SampleEvents  []string                 `json:"sampleEvents"`
}
