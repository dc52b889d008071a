// Package report contains the pure validation logic: which fields a package
// is expected to extract, how well it did, and the overall verdict. It is
// free of I/O so the whole decision can be tested without a sandbox.
package report

import "sort"

// Baseline fields every ingested event carries regardless of the package
// under test. Fields beginning with an underscore are pipeline-internal:
// they are consumed by the timestamp and raw-sample checks but excluded
// from extraction coverage, since the indexer produces them itself.
var baselineFields = []string{"_time", "host", "source", "sourcetype", "_raw"}

// BaselineFields returns a copy of the baseline field set.
func BaselineFields() []string {
	out := make([]string, len(baselineFields))
	copy(out, baselineFields)
	return out
}

// ExpectedFields returns the union of the non-internal baseline and the
// fields the package declares, sorted and de-duplicated. This is the
// denominator of coverage.
func ExpectedFields(declared []string) []string {
	set := map[string]struct{}{}
	for _, f := range baselineFields {
		if !internalField(f) {
			set[f] = struct{}{}
		}
	}
	for _, f := range declared {
		if f != "" && !internalField(f) {
			set[f] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func internalField(name string) bool {
	return len(name) > 0 && name[0] == '_'
}
