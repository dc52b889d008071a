package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/shell/sandbox"
)

// buildBundle assembles and uploads the diagnostic bundle for a failed run
// and returns its object key. Bundle assembly is strictly best-effort: any
// failure here is logged and swallowed so it can never mask the verdict.
func (p *Pipeline) buildBundle(
	run *domain.ValidationRun,
	ws *workspace,
	artifactPath string,
	inst *sandbox.Instance,
	rep *domain.ValidationReport,
	summary string,
) string {
	logger := p.logger.With("run_id", run.ID)

	ctx, cancel := context.WithTimeout(context.Background(), p.config.DestroyTimeout)
	defer cancel()

	var logs map[string]string
	if inst != nil {
		logs = map[string]string{
			"container.log": p.driver.Logs(ctx, inst, "container", p.config.LogTailLines),
			"splunkd.log":   p.driver.Logs(ctx, inst, "splunkd", p.config.LogTailLines),
		}
	}

	var reportJSON []byte
	if rep != nil {
		data, err := json.Marshal(rep)
		if err != nil {
			logger.Warn("failed to serialize report for bundle", "error", err)
		} else {
			reportJSON = data
		}
	}

	var buf bytes.Buffer
	if err := writeBundleZip(&buf, artifactPath, reportJSON, summary, logs); err != nil {
		logger.Warn("failed to assemble diagnostic bundle", "error", err)
		return ""
	}

	key := fmt.Sprintf("%s/%s.zip", p.config.BundlePrefix, run.ID)
	if _, err := p.artifacts.Upload(ctx, key, &buf, int64(buf.Len()), "application/zip"); err != nil {
		logger.Warn("failed to upload diagnostic bundle", "key", key, "error", err)
		return ""
	}

	logger.Info("diagnostic bundle uploaded", "key", key)
	return key
}

// writeBundleZip writes the bundle archive: the artifact under test,
// report.json when a report exists, error_summary.txt, and a logs/ tree.
func writeBundleZip(w io.Writer, artifactPath string, reportJSON []byte, summary string, logs map[string]string) error {
	zw := zip.NewWriter(w)

	if artifactPath != "" {
		if err := addZipFile(zw, filepath.Base(artifactPath), artifactPath); err != nil {
			return fmt.Errorf("failed to add artifact: %w", err)
		}
	}

	if len(reportJSON) > 0 {
		if err := addZipBytes(zw, "report.json", reportJSON); err != nil {
			return fmt.Errorf("failed to add report: %w", err)
		}
	}

	if err := addZipBytes(zw, "error_summary.txt", []byte(summary)); err != nil {
		return fmt.Errorf("failed to add summary: %w", err)
	}

	for name, content := range logs {
		if content == "" {
			continue
		}
		if err := addZipBytes(zw, "logs/"+name, []byte(content)); err != nil {
			return fmt.Errorf("failed to add log %s: %w", name, err)
		}
	}

	return zw.Close()
}

func addZipFile(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

func addZipBytes(zw *zip.Writer, name string, data []byte) error {
	entry, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = entry.Write(data)
	return err
}

// failureSummary renders the human-readable error_summary.txt. Either a
// phase error (phase + err) or a failed report is present, never both.
func failureSummary(run *domain.ValidationRun, phase string, err error, rep *domain.ValidationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Validation run %s FAILED\n", run.ID)
	fmt.Fprintf(&b, "Request:  %s\n", run.RequestID)
	fmt.Fprintf(&b, "Revision: %s\n", run.RevisionID)
	fmt.Fprintf(&b, "Artifact: %s\n", run.ArtifactKey)
	fmt.Fprintf(&b, "Time:     %s\n\n", time.Now().UTC().Format(time.RFC3339))

	if phase != "" {
		fmt.Fprintf(&b, "The run broke in phase %q before checks could complete.\n", phase)
		if err != nil {
			fmt.Fprintf(&b, "Error: %v\n", err)
		}
		return b.String()
	}

	if rep != nil {
		fmt.Fprintf(&b, "Package:  %s\n", rep.Summary.PackageName)
		fmt.Fprintf(&b, "Events:   %d ingested into index %s\n", rep.Summary.TotalEvents, rep.Summary.IndexName)
		fmt.Fprintf(&b, "Coverage: %.2f%% (%d of %d expected fields extracted)\n\n",
			rep.Summary.CoveragePct, rep.Summary.FieldsExtracted, rep.Summary.FieldsExpected)

		if len(rep.Errors) > 0 {
			b.WriteString("Errors:\n")
			for _, e := range rep.Errors {
				fmt.Fprintf(&b, "  - %s\n", e)
			}
		}
		if len(rep.Warnings) > 0 {
			b.WriteString("Warnings:\n")
			for _, w := range rep.Warnings {
				fmt.Fprintf(&b, "  - %s\n", w)
			}
		}
		b.WriteString("\nFailed checks:\n")
		for _, c := range rep.Checks {
			if !c.Passed {
				fmt.Fprintf(&b, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
	}
	return b.String()
}
