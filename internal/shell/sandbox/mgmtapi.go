package sandbox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Management API Interface
// =============================================================================

// ManagementAPI is the surface of the sandboxed indexing service's
// management REST API that the orchestrator drives. Faked in tests.
type ManagementAPI interface {
	// ServerInfo succeeds once the service is up and answering.
	ServerInfo(ctx context.Context) error

	// AppInstalled reports whether the named package is registered.
	AppInstalled(ctx context.Context, name string) (bool, error)

	// Restart triggers a service restart.
	Restart(ctx context.Context) error

	// CreateIndex creates an index; already-exists is success.
	CreateIndex(ctx context.Context, name string) error

	// IndexEventCount returns the index's current total event count.
	IndexEventCount(ctx context.Context, name string) (int64, error)

	// Oneshot loads one file already present inside the instance.
	Oneshot(ctx context.Context, path, index, sourcetype string) error

	// SubmitSearch creates an async search job and returns its id.
	SubmitSearch(ctx context.Context, query string) (string, error)

	// SearchDone reports whether the job finished.
	SearchDone(ctx context.Context, jobID string) (bool, error)

	// SearchResults fetches up to count result rows of a finished job.
	SearchResults(ctx context.Context, jobID string, count int) ([]map[string]string, error)
}

// MgmtClientFactory builds a management client for an instance. Swapped out
// in orchestrator tests.
type MgmtClientFactory func(inst *Instance) ManagementAPI

// =============================================================================
// HTTP Implementation
// =============================================================================

// MgmtClient talks to one instance's management API over HTTPS with the
// instance's basic credentials. The sandbox serves a self-signed
// certificate, so verification is disabled for this loopback connection.
type MgmtClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewMgmtClient creates a management client for the given instance.
func NewMgmtClient(inst *Instance) ManagementAPI {
	return &MgmtClient{
		baseURL:  inst.MgmtURL,
		username: inst.Username,
		password: inst.Password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *MgmtClient) do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	endpoint := c.baseURL + path
	var body io.Reader
	if form != nil {
		form.Set("output_mode", "json")
		body = strings.NewReader(form.Encode())
	} else if method == http.MethodGet {
		if strings.Contains(endpoint, "?") {
			endpoint += "&output_mode=json"
		} else {
			endpoint += "?output_mode=json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return c.httpClient.Do(req)
}

// readError extracts a short error message from an API error response body.
func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Messages []struct {
			Text string `json:"text"`
		} `json:"messages"`
	}
	if json.Unmarshal(data, &parsed) == nil && len(parsed.Messages) > 0 {
		return parsed.Messages[0].Text
	}
	return strings.TrimSpace(string(data))
}

// ServerInfo succeeds once the service answers its info endpoint.
func (c *MgmtClient) ServerInfo(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/services/server/info", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server info returned %d: %s", resp.StatusCode, readError(resp))
	}
	return nil
}

// AppInstalled checks the local apps registry for the package.
func (c *MgmtClient) AppInstalled(ctx context.Context, name string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services/apps/local/"+url.PathEscape(name), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("app lookup returned %d: %s", resp.StatusCode, readError(resp))
	}
}

// Restart triggers a service restart. The connection usually drops while
// the service goes down; that is expected and treated as success.
func (c *MgmtClient) Restart(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/services/server/control/restart", url.Values{})
	if err != nil {
		// Restart tears the listener down mid-response on some versions.
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("restart returned %d: %s", resp.StatusCode, readError(resp))
	}
	return nil
}

// CreateIndex creates an index; HTTP 409 (already exists) is success.
func (c *MgmtClient) CreateIndex(ctx context.Context, name string) error {
	form := url.Values{}
	form.Set("name", name)

	resp, err := c.do(ctx, http.MethodPost, "/services/data/indexes", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("index create returned %d: %s", resp.StatusCode, readError(resp))
	}
	return nil
}

// IndexEventCount reads the index's totalEventCount.
func (c *MgmtClient) IndexEventCount(ctx context.Context, name string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services/data/indexes/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index lookup returned %d: %s", resp.StatusCode, readError(resp))
	}

	var parsed struct {
		Entry []struct {
			Content struct {
				TotalEventCount any `json:"totalEventCount"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode index entry: %w", err)
	}
	if len(parsed.Entry) == 0 {
		return 0, fmt.Errorf("index %s has no entry", name)
	}
	return toInt64(parsed.Entry[0].Content.TotalEventCount), nil
}

// Oneshot loads a file already inside the instance into the index.
func (c *MgmtClient) Oneshot(ctx context.Context, path, index, sourcetype string) error {
	form := url.Values{}
	form.Set("name", path)
	form.Set("index", index)
	form.Set("sourcetype", sourcetype)

	resp, err := c.do(ctx, http.MethodPost, "/services/data/inputs/oneshot", form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("oneshot returned %d: %s", resp.StatusCode, readError(resp))
	}
	return nil
}

// SubmitSearch creates an async search job.
func (c *MgmtClient) SubmitSearch(ctx context.Context, query string) (string, error) {
	form := url.Values{}
	form.Set("search", query)

	resp, err := c.do(ctx, http.MethodPost, "/services/search/jobs", form)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("search submit returned %d: %s", resp.StatusCode, readError(resp))
	}

	var parsed struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode search job id: %w", err)
	}
	if parsed.SID == "" {
		return "", fmt.Errorf("search submit returned no job id")
	}
	return parsed.SID, nil
}

// SearchDone reports whether the job finished dispatching.
func (c *MgmtClient) SearchDone(ctx context.Context, jobID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, "/services/search/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("job status returned %d: %s", resp.StatusCode, readError(resp))
	}

	var parsed struct {
		Entry []struct {
			Content struct {
				IsDone   any `json:"isDone"`
				IsFailed any `json:"isFailed"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("failed to decode job status: %w", err)
	}
	if len(parsed.Entry) == 0 {
		return false, fmt.Errorf("job %s has no entry", jobID)
	}
	if toBool(parsed.Entry[0].Content.IsFailed) {
		return false, fmt.Errorf("job %s failed", jobID)
	}
	return toBool(parsed.Entry[0].Content.IsDone), nil
}

// SearchResults fetches result rows of a finished job. Multi-valued fields
// are flattened to their first value.
func (c *MgmtClient) SearchResults(ctx context.Context, jobID string, count int) ([]map[string]string, error) {
	path := fmt.Sprintf("/services/search/jobs/%s/results?count=%d", url.PathEscape(jobID), count)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("results returned %d: %s", resp.StatusCode, readError(resp))
	}

	var parsed struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	rows := make([]map[string]string, 0, len(parsed.Results))
	for _, raw := range parsed.Results {
		row := make(map[string]string, len(raw))
		for k, v := range raw {
			row[k] = toString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// =============================================================================
// JSON Helpers
// =============================================================================

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		if len(t) > 0 {
			return toString(t[0])
		}
		return ""
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	case float64:
		return t != 0
	default:
		return false
	}
}
