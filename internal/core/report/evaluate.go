package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/Alrudin/packcheck/internal/core/domain"
)

// =============================================================================
// Evaluation Constants
// =============================================================================

const (
	// minTimestampFraction is the fraction of sampled events that must carry
	// a parsed, positive timestamp for the timestamp check to pass.
	minTimestampFraction = 0.9

	// maxSampleValues caps the distinct example values kept per field.
	maxSampleValues = 5

	// maxSampleEvents caps the raw events embedded in the report.
	maxSampleEvents = 5
)

// =============================================================================
// Input
// =============================================================================

// Event is one sampled event as returned by the sandbox query: field → value.
// Absent and empty values both count as not extracted.
type Event map[string]string

// Input carries everything the evaluation needs, already fetched.
type Input struct {
	PackageName   string
	IndexName     string
	IngestedCount int64

	// ExpectedFields is the coverage denominator, from ExpectedFields().
	ExpectedFields []string

	// Events is the fixed-size recent sample queried from the sandbox.
	Events []Event

	// CoverageThreshold is the passing fraction of expected fields, 0..1.
	CoverageThreshold float64
}

// =============================================================================
// Evaluate
// =============================================================================

// Evaluate runs the four check categories over the sampled data and
// assembles the full report. The verdict is PASSED iff the ingestion check
// passed, the timestamp check passed, and coverage meets the threshold.
func Evaluate(in Input) *domain.ValidationReport {
	rep := &domain.ValidationReport{
		Timestamp:     time.Now().UTC(),
		FieldCoverage: map[string]domain.FieldCoverage{},
		Errors:        []string{},
		Warnings:      []string{},
		SampleEvents:  []string{},
	}

	// (a) ingestion
	ingestion := domain.CheckResult{
		Name:   domain.CheckIngestion,
		Passed: in.IngestedCount > 0,
		Detail: fmt.Sprintf("%d events ingested into index %s", in.IngestedCount, in.IndexName),
	}
	if !ingestion.Passed {
		rep.Errors = append(rep.Errors, fmt.Sprintf("no events were ingested into index %s", in.IndexName))
	}
	rep.Checks = append(rep.Checks, ingestion)

	// (b) timestamp validity
	tsCheck := evaluateTimestamps(in.Events)
	if !tsCheck.Passed {
		rep.Errors = append(rep.Errors, "timestamp parsing failed for too many sampled events: "+tsCheck.Detail)
	}
	rep.Checks = append(rep.Checks, tsCheck)

	// (c) per-field extraction
	extracted := 0
	for _, field := range in.ExpectedFields {
		cov := fieldCoverage(in.Events, field)
		rep.FieldCoverage[field] = cov

		passed := cov.Extracted > 0
		if passed {
			extracted++
		}
		rep.Checks = append(rep.Checks, domain.CheckResult{
			Name:   domain.CheckFieldExtract + domain.CheckFieldSeparator + field,
			Passed: passed,
			Detail: fmt.Sprintf("extracted in %d of %d sampled events", cov.Extracted, cov.SampleTotal),
		})

		if cov.Extracted > 0 && cov.SampleTotal > 0 && cov.Extracted*2 < cov.SampleTotal {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("field %s extracted in fewer than half of sampled events (%d/%d)",
					field, cov.Extracted, cov.SampleTotal))
		}
	}

	// (d) raw sample events
	for i, ev := range in.Events {
		if i >= maxSampleEvents {
			break
		}
		if raw, ok := ev["_raw"]; ok && raw != "" {
			rep.SampleEvents = append(rep.SampleEvents, raw)
		}
	}

	coverage := CoveragePct(extracted, len(in.ExpectedFields))

	rep.Summary = domain.ReportSummary{
		TotalEvents:     in.IngestedCount,
		PackageName:     in.PackageName,
		IndexName:       in.IndexName,
		FieldsExtracted: extracted,
		FieldsExpected:  len(in.ExpectedFields),
		CoveragePct:     coverage,
	}

	passed := ingestion.Passed && tsCheck.Passed && coverage >= in.CoverageThreshold*100
	if passed {
		rep.Status = domain.RunStatusPassed
	} else {
		rep.Status = domain.RunStatusFailed
		if ingestion.Passed && tsCheck.Passed {
			rep.Errors = append(rep.Errors,
				fmt.Sprintf("field coverage %.2f%% is below the required %.2f%%",
					coverage, in.CoverageThreshold*100))
		}
	}

	return rep
}

// CoveragePct computes (extracted / expected) × 100 rounded to two decimals.
// Zero expected fields yields zero, not a division error.
func CoveragePct(extracted, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	pct := float64(extracted) / float64(expected) * 100
	return math.Round(pct*100) / 100
}

// =============================================================================
// Check Internals
// =============================================================================

func evaluateTimestamps(events []Event) domain.CheckResult {
	valid := 0
	for _, ev := range events {
		if ts, ok := ev["_time"]; ok && parseEventTime(ts) {
			valid++
		}
	}

	total := len(events)
	passed := total > 0 && float64(valid) >= minTimestampFraction*float64(total)
	return domain.CheckResult{
		Name:   domain.CheckTimestamps,
		Passed: passed,
		Detail: fmt.Sprintf("%d of %d sampled events have a valid timestamp", valid, total),
	}
}

// parseEventTime accepts the two shapes the query API returns: epoch
// seconds (possibly fractional) and RFC3339-style timestamps. A timestamp
// is valid when it parses and is positive.
func parseEventTime(value string) bool {
	if value == "" {
		return false
	}
	if epoch, err := strconv.ParseFloat(value, 64); err == nil {
		return epoch > 0
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000-07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Unix() > 0
		}
	}
	return false
}

func fieldCoverage(events []Event, field string) domain.FieldCoverage {
	cov := domain.FieldCoverage{SampleTotal: len(events)}
	seen := map[string]struct{}{}

	for _, ev := range events {
		value, ok := ev[field]
		if !ok || value == "" {
			continue
		}
		cov.Extracted++
		if _, dup := seen[value]; !dup && len(seen) < maxSampleValues {
			seen[value] = struct{}{}
		}
	}

	for v := range seen {
		cov.SampleValues = append(cov.SampleValues, v)
	}
	sort.Strings(cov.SampleValues)
	return cov
}
