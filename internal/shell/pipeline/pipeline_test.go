package pipeline

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alrudin/packcheck/internal/core/domain"
	"github.com/Alrudin/packcheck/internal/shell/artifact"
	"github.com/Alrudin/packcheck/internal/shell/sandbox"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeArtifacts struct {
	objects map[string][]byte
	uploads map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{
		objects: map[string][]byte{},
		uploads: map[string][]byte{},
	}
}

func (f *fakeArtifacts) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeArtifacts) DownloadTo(ctx context.Context, key, destPath string) error {
	data, ok := f.objects[key]
	if !ok {
		return artifact.ErrNotFound
	}
	return os.WriteFile(destPath, data, 0o644)
}

func (f *fakeArtifacts) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*artifact.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	f.uploads[key] = data
	return &artifact.UploadInfo{Size: int64(len(data))}, nil
}

func (f *fakeArtifacts) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://artifacts.test/" + key, nil
}

type fakeRunStore struct {
	samples   []domain.Sample
	sandboxes map[string]string
}

func (f *fakeRunStore) SetRunSandbox(ctx context.Context, id, sandboxID string) error {
	if f.sandboxes == nil {
		f.sandboxes = map[string]string{}
	}
	f.sandboxes[id] = sandboxID
	return nil
}

func (f *fakeRunStore) ListActiveSamples(ctx context.Context, requestID string) ([]domain.Sample, error) {
	return f.samples, nil
}

type fakeDriver struct {
	createErr  error
	readyErr   error
	installErr error
	indexErr   error
	ingestErr  error
	queryErr   error

	ingestCount int64
	finalCount  int64
	queryRows   []map[string]string

	created        int
	destroyed      int
	installCalled  bool
	installedPath  string
	ingestedFiles  []string
	lastQuery      string
	destroyedInsts []string
}

func (f *fakeDriver) Create(ctx context.Context, runID string) (*sandbox.Instance, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created++
	return &sandbox.Instance{ID: fmt.Sprintf("sbx-%d", f.created), RunID: runID}, nil
}

func (f *fakeDriver) WaitUntilReady(ctx context.Context, inst *sandbox.Instance, timeout time.Duration) error {
	return f.readyErr
}

func (f *fakeDriver) InstallPackage(ctx context.Context, inst *sandbox.Instance, artifactPath string) (string, error) {
	f.installCalled = true
	f.installedPath = artifactPath
	if f.installErr != nil {
		return "", f.installErr
	}
	return "TA-nginx", nil
}

func (f *fakeDriver) CreateIndex(ctx context.Context, inst *sandbox.Instance, name string) error {
	return f.indexErr
}

func (f *fakeDriver) Ingest(ctx context.Context, inst *sandbox.Instance, index, sourcetype, filePath string) (int64, error) {
	if f.ingestErr != nil {
		return 0, f.ingestErr
	}
	f.ingestedFiles = append(f.ingestedFiles, filePath)
	return f.ingestCount, nil
}

func (f *fakeDriver) WaitForCount(ctx context.Context, inst *sandbox.Instance, index string, expected int64, timeout time.Duration) int64 {
	return f.finalCount
}

func (f *fakeDriver) Query(ctx context.Context, inst *sandbox.Instance, query string, timeout time.Duration) ([]map[string]string, error) {
	f.lastQuery = query
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

func (f *fakeDriver) Logs(ctx context.Context, inst *sandbox.Instance, which string, lines int) string {
	return "log line from " + which
}

func (f *fakeDriver) Destroy(ctx context.Context, inst *sandbox.Instance) error {
	f.destroyed++
	f.destroyedInsts = append(f.destroyedInsts, inst.ID)
	return nil
}

// =============================================================================
// Fixtures
// =============================================================================

// buildArchive produces a minimal gzipped package archive with a props.conf
// declaring extraction fields.
func buildArchive(t *testing.T, name string, propsConf string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(path, content string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     path,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	write(name+"/default/app.conf", "[install]\nstate = enabled\n")
	if propsConf != "" {
		write(name+"/default/props.conf", propsConf)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const testProps = `[nginx:access]
EXTRACT-request = (?P<clientip>\S+) \S+ \S+ .*"(?P<method>\w+) (?P<uri>\S+)
EVAL-status_class = floor(status/100)
`

// declared fields: clientip, method, uri, status_class
// expected = {host, source, sourcetype} ∪ declared = 7 fields

func passingRows(n int) []map[string]string {
	rows := make([]map[string]string, n)
	for i := range rows {
		rows[i] = map[string]string{
			"_time":        "1724668800.5",
			"_raw":         fmt.Sprintf(`10.0.0.%d - - "GET /index.html"`, i),
			"host":         "web-01",
			"source":       "access.log",
			"sourcetype":   "nginx:access",
			"clientip":     fmt.Sprintf("10.0.0.%d", i),
			"method":       "GET",
			"uri":          "/index.html",
			"status_class": "2",
		}
	}
	return rows
}

func testSetup(t *testing.T) (*Pipeline, *fakeDriver, *fakeArtifacts, *fakeRunStore, *domain.ValidationRun) {
	t.Helper()

	arts := newFakeArtifacts()
	arts.objects["packages/TA-nginx.tgz"] = buildArchive(t, "TA-nginx", testProps)
	arts.objects["samples/access.log"] = []byte("10.0.0.1 - - \"GET /\"\n10.0.0.2 - - \"GET /\"\n")

	rs := &fakeRunStore{
		samples: []domain.Sample{
			{ID: "smp-1", RequestID: "req-1", ObjectKey: "samples/access.log", Sourcetype: "nginx:access", Active: true},
		},
	}

	driver := &fakeDriver{
		ingestCount: 2,
		finalCount:  2,
		queryRows:   passingRows(10),
	}

	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := NewPipeline(driver, arts, rs, cfg, logger)
	run := domain.NewValidationRun("req-1", "rev-1", "packages/TA-nginx.tgz")
	return p, driver, arts, rs, run
}

func bundleEntries(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = content
	}
	return entries
}

// =============================================================================
// Tests
// =============================================================================

func TestPipeline_Run_Passes(t *testing.T) {
	p, driver, arts, rs, run := testSetup(t)

	result, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	assert.Equal(t, domain.RunStatusPassed, result.Report.Status)
	assert.Equal(t, int64(2), result.Report.Summary.TotalEvents)
	assert.Equal(t, "TA-nginx", result.Report.Summary.PackageName)
	assert.InDelta(t, 100.0, result.Report.Summary.CoveragePct, 0.001)

	// Success produces no bundle.
	assert.Empty(t, result.BundleKey)
	assert.Empty(t, arts.uploads)

	assert.Equal(t, 1, driver.created)
	assert.Equal(t, 1, driver.destroyed)
	assert.Equal(t, "sbx-1", rs.sandboxes[run.ID])
	assert.Contains(t, driver.lastQuery, "search index=main")
}

func TestPipeline_Run_NoEventsIngested(t *testing.T) {
	p, driver, arts, _, run := testSetup(t)
	driver.ingestCount = 0
	driver.finalCount = 0
	driver.queryRows = nil

	result, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	assert.Equal(t, domain.RunStatusFailed, result.Report.Status)
	require.NotEmpty(t, result.Report.Errors)
	found := false
	for _, msg := range result.Report.Errors {
		if strings.Contains(msg, "ingested") {
			found = true
		}
	}
	assert.True(t, found, "errors should name ingestion: %v", result.Report.Errors)

	require.NotEmpty(t, result.BundleKey)
	entries := bundleEntries(t, arts.uploads[result.BundleKey])
	assert.Contains(t, entries, "TA-nginx.tgz")
	assert.Contains(t, entries, "report.json")
	assert.Contains(t, entries, "error_summary.txt")
	assert.Contains(t, entries, "logs/container.log")
	assert.Contains(t, entries, "logs/splunkd.log")

	assert.Equal(t, 1, driver.destroyed)
}

func TestPipeline_Run_LowCoverage(t *testing.T) {
	p, driver, arts, _, run := testSetup(t)

	// Events carry only the baseline fields: 3 of 7 expected fields extract,
	// which is 42.86%, below the default 80% threshold.
	rows := make([]map[string]string, 10)
	for i := range rows {
		rows[i] = map[string]string{
			"_time":      "1724668800",
			"_raw":       "unparsed line",
			"host":       "web-01",
			"source":     "access.log",
			"sourcetype": "nginx:access",
		}
	}
	driver.queryRows = rows

	result, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	require.NotNil(t, result.Report)

	assert.Equal(t, domain.RunStatusFailed, result.Report.Status)
	assert.Equal(t, 3, result.Report.Summary.FieldsExtracted)
	assert.Equal(t, 7, result.Report.Summary.FieldsExpected)
	assert.InDelta(t, 42.86, result.Report.Summary.CoveragePct, 0.001)

	require.NotEmpty(t, result.BundleKey)
	entries := bundleEntries(t, arts.uploads[result.BundleKey])
	assert.Contains(t, string(entries["error_summary.txt"]), "coverage")
	assert.Contains(t, entries, "report.json")

	// Report in store and report in bundle must be the same bytes.
	stored, err := json.Marshal(result.Report)
	require.NoError(t, err)
	assert.Equal(t, stored, entries["report.json"])
}

func TestPipeline_Run_ReadyTimeout(t *testing.T) {
	p, driver, arts, _, run := testSetup(t)
	driver.readyErr = &sandbox.TimeoutError{Phase: "ready", Timeout: 5 * time.Minute}

	result, err := p.Run(context.Background(), run)
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseReady, pe.Phase)

	phase, ok := sandbox.IsTimeout(err)
	assert.True(t, ok)
	assert.Equal(t, "ready", phase)

	assert.Nil(t, result.Report)
	assert.False(t, driver.installCalled, "install must not run after a ready timeout")
	assert.Equal(t, 1, driver.destroyed)

	require.NotEmpty(t, result.BundleKey)
	entries := bundleEntries(t, arts.uploads[result.BundleKey])
	assert.NotContains(t, entries, "report.json")
	assert.Contains(t, string(entries["error_summary.txt"]), "ready")
}

func TestPipeline_Run_CreateFails(t *testing.T) {
	p, driver, _, _, run := testSetup(t)
	driver.createErr = errors.New("docker daemon unreachable")

	result, err := p.Run(context.Background(), run)
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseCreate, pe.Phase)

	assert.Equal(t, 0, driver.destroyed, "nothing to destroy when creation failed")
	assert.NotEmpty(t, result.BundleKey)
}

func TestPipeline_Run_MissingArtifact(t *testing.T) {
	p, driver, _, _, _ := testSetup(t)
	run := domain.NewValidationRun("req-1", "rev-1", "packages/no-such.tgz")

	_, err := p.Run(context.Background(), run)
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseDownload, pe.Phase)
	assert.Equal(t, 0, driver.created, "download failures must not cost a sandbox")
}

func TestPipeline_Run_QueryFails(t *testing.T) {
	p, driver, _, _, run := testSetup(t)
	driver.queryErr = &sandbox.QueryError{Kind: sandbox.QuerySubmitFailed, Message: "search refused"}

	_, err := p.Run(context.Background(), run)
	require.Error(t, err)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseQuery, pe.Phase)
	assert.Equal(t, 1, driver.destroyed, "sandbox destroyed even after a query failure")
}

func TestPipeline_Run_IngestEachSample(t *testing.T) {
	p, driver, arts, rs, run := testSetup(t)
	arts.objects["samples/error.log"] = []byte("err 1\nerr 2\n")
	rs.samples = append(rs.samples, domain.Sample{
		ID: "smp-2", RequestID: "req-1", ObjectKey: "samples/error.log", Sourcetype: "nginx:error", Active: true,
	})
	driver.ingestCount = 2
	driver.finalCount = 4

	result, err := p.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Len(t, driver.ingestedFiles, 2)
	assert.Equal(t, int64(4), result.Report.Summary.TotalEvents)
}

func TestFailureSummary_PhaseError(t *testing.T) {
	run := domain.NewValidationRun("req-1", "rev-1", "packages/TA-nginx.tgz")
	summary := failureSummary(run, PhaseInstall, errors.New("app not registered"), nil)

	assert.Contains(t, summary, run.ID)
	assert.Contains(t, summary, `phase "install"`)
	assert.Contains(t, summary, "app not registered")
}
