package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/wishgale/cytokit/internal/cache"
	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/internal/neighbor"
	"github.com/wishgale/cytokit/internal/render"
	"github.com/wishgale/cytokit/internal/sampling"
	"github.com/wishgale/cytokit/internal/service"
	"github.com/wishgale/cytokit/internal/session"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server     *httptest.Server
	cache      *cache.Manager
	jobManager *JobManager
}

// testRecords builds a small grid of cells with one intensity channel and one
// morphology metric. Cell i sits at (10i, 0) with dapi intensity i.
func testRecords(n int) []feature.CellRecord {
	records := make([]feature.CellRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, feature.CellRecord{
			ID:     int64(i + 1),
			X:      float64(i) * 10,
			Y:      0,
			Region: i % 2,
			Channels: map[string]float64{
				"dapi": float64(i),
			},
			Morphology: map[string]float64{
				"area": 100 + float64(i),
			},
			Quality: 1,
		})
	}
	return records
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	table, err := feature.LoadTable(testRecords(20))
	if err != nil {
		t.Fatalf("failed to load table: %v", err)
	}

	index, err := neighbor.BuildIndex(context.Background(), table, 15)
	if err != nil {
		t.Fatalf("failed to build index: %v", err)
	}

	sess, err := session.Open(session.Config{
		DatasetID: "default",
		Table:     table,
		Index:     index,
		Sampling:  sampling.Config{MaxRenderCount: 1000},
	})
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}

	cacheManager, err := cache.NewManager(cache.Config{
		ViewCacheSizeMB: 16,
		ViewTTL:         time.Minute,
		ResultCacheSize: 16,
	})
	if err != nil {
		t.Fatalf("failed to initialize cache: %v", err)
	}

	renderer := render.NewViewRenderer(render.Config{
		ViewSize:        128,
		DefaultColormap: "viridis",
	})

	explorer := service.NewExplorer(service.ExplorerConfig{
		DatasetID: "default",
		Table:     table,
		Index:     index,
		Session:   sess,
		Cache:     cacheManager,
		Renderer:  renderer,
	})

	registry := NewDatasetRegistry("default", []string{"default"}, "")
	registry.Register("default", explorer)

	dir := t.TempDir()
	jobManager, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(dir, "jobs.db"),
	})
	if err != nil {
		t.Fatalf("failed to create job manager: %v", err)
	}
	jobManager.Executor = NewExportExecutor(registry, filepath.Join(dir, "exports"))
	jobManager.Start()

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jobManager,
	})

	server := httptest.NewServer(router)

	return &testServer{
		server:     server,
		cache:      cacheManager,
		jobManager: jobManager,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.jobManager.Stop()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	if !bytes.Equal(body[:8], pngMagic) {
		t.Errorf("Invalid PNG magic bytes: %x", body[:8])
	}
}

func getJSON(t *testing.T, ts *testServer, path string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("failed to parse JSON from %s: %v (body: %s)", path, err, body)
		}
	}
	return resp
}

func doJSON(t *testing.T, ts *testServer, method, path string, payload interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// --- Tests ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	var out struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
	}
	resp := getJSON(t, ts, "/api/datasets", &out)
	assertStatusCode(t, resp, http.StatusOK)

	if out.Default != "default" {
		t.Errorf("expected default dataset 'default', got %q", out.Default)
	}
	if len(out.Datasets) != 1 || out.Datasets[0].NCells != 20 {
		t.Errorf("unexpected datasets: %+v", out.Datasets)
	}
}

func TestUnknownDatasetReturns404(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp := getJSON(t, ts, "/d/nope/api/metadata", nil)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestMetadataAndColumns(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	var md service.Metadata
	resp := getJSON(t, ts, "/d/default/api/metadata", &md)
	assertStatusCode(t, resp, http.StatusOK)
	if md.NCells != 20 {
		t.Errorf("expected 20 cells, got %d", md.NCells)
	}
	if len(md.ChannelColumns) != 1 || md.ChannelColumns[0] != "dapi" {
		t.Errorf("unexpected channel columns: %v", md.ChannelColumns)
	}

	var cols struct {
		Columns []string `json:"columns"`
		Total   int      `json:"total"`
	}
	resp = getJSON(t, ts, "/d/default/api/columns", &cols)
	assertStatusCode(t, resp, http.StatusOK)
	if cols.Total != len(cols.Columns) || cols.Total == 0 {
		t.Errorf("unexpected columns payload: %+v", cols)
	}
}

func TestColumnSummary(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	var summary feature.ColumnSummary
	resp := getJSON(t, ts, "/d/default/api/columns/dapi/summary", &summary)
	assertStatusCode(t, resp, http.StatusOK)
	if summary.Min != 0 || summary.Max != 19 {
		t.Errorf("unexpected summary range: [%v, %v]", summary.Min, summary.Max)
	}

	resp = getJSON(t, ts, "/d/default/api/columns/bogus/summary", nil)
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestFilterLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	// No filters: everything matches.
	var res session.Result
	resp := getJSON(t, ts, "/d/default/api/result", &res)
	assertStatusCode(t, resp, http.StatusOK)
	if res.MatchCount != 20 || len(res.IDs) != 20 {
		t.Fatalf("expected full result, got match_count=%d ids=%d", res.MatchCount, len(res.IDs))
	}

	// Apply a range filter on the channel.
	min, max := 5.0, 9.0
	resp = doJSON(t, ts, http.MethodPut, "/d/default/api/filters/bright", map[string]interface{}{
		"kind":   "range",
		"column": "dapi",
		"min":    min,
		"max":    max,
	})
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/d/default/api/result", &res)
	assertStatusCode(t, resp, http.StatusOK)
	if res.MatchCount != 5 {
		t.Errorf("expected 5 matches after range filter, got %d", res.MatchCount)
	}

	// Filter list reflects the active filter.
	var filters struct {
		Filters []filterItem `json:"filters"`
		Total   int          `json:"total"`
	}
	resp = getJSON(t, ts, "/d/default/api/filters", &filters)
	assertStatusCode(t, resp, http.StatusOK)
	if filters.Total != 1 || filters.Filters[0].Name != "bright" {
		t.Errorf("unexpected filter list: %+v", filters)
	}

	// Remove restores the full result.
	resp = doJSON(t, ts, http.MethodDelete, "/d/default/api/filters/bright", nil)
	assertStatusCode(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = getJSON(t, ts, "/d/default/api/result", &res)
	assertStatusCode(t, resp, http.StatusOK)
	if res.MatchCount != 20 {
		t.Errorf("expected full result after removal, got %d", res.MatchCount)
	}
}

func TestApplyFilterUnknownColumn(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp := doJSON(t, ts, http.MethodPut, "/d/default/api/filters/bad", map[string]interface{}{
		"kind":   "range",
		"column": "no_such_column",
		"min":    0,
		"max":    1,
	})
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusBadRequest)

	// The failed apply must not leave a dangling filter.
	var filters struct {
		Total int `json:"total"`
	}
	getJSON(t, ts, "/d/default/api/filters", &filters)
	if filters.Total != 0 {
		t.Errorf("expected no active filters, got %d", filters.Total)
	}
}

func TestCellLookup(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	var cell struct {
		ID       int64              `json:"id"`
		Channels map[string]float64 `json:"channels"`
	}
	resp := getJSON(t, ts, "/d/default/api/cells/3", &cell)
	assertStatusCode(t, resp, http.StatusOK)
	if cell.ID != 3 || cell.Channels["dapi"] != 2 {
		t.Errorf("unexpected cell payload: %+v", cell)
	}

	resp = getJSON(t, ts, "/d/default/api/cells/999", nil)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestViewPNG(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/d/default/view.png?channel=dapi")
	if err != nil {
		t.Fatalf("GET view.png failed: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	assertPNG(t, body)
}

func TestViewPNGUnknownChannel(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/d/default/view.png?channel=bogus")
	if err != nil {
		t.Fatalf("GET view.png failed: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusBadRequest)
}

func TestExportJobRoundTrip(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp := doJSON(t, ts, http.MethodPost, "/d/default/api/export/jobs/", map[string]interface{}{
		"columns": []string{"x", "y", "dapi"},
	})
	assertStatusCode(t, resp, http.StatusAccepted)

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("failed to parse submit response: %v", err)
	}
	resp.Body.Close()
	if submitted.JobID == "" {
		t.Fatal("expected a job id")
	}

	// Poll until the job finishes.
	statusPath := fmt.Sprintf("/d/default/api/export/jobs/%s", submitted.JobID)
	deadline := time.Now().Add(10 * time.Second)
	var status struct {
		Status    string `json:"status"`
		RowsTotal int    `json:"rows_total"`
		Error     string `json:"error"`
	}
	for {
		getJSON(t, ts, statusPath, &status)
		if status.Status == "completed" || status.Status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("export job did not finish in time (status: %s)", status.Status)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if status.Status != "completed" {
		t.Fatalf("export job failed: %s", status.Error)
	}
	if status.RowsTotal != 20 {
		t.Errorf("expected 20 exported rows, got %d", status.RowsTotal)
	}

	// Download and check the header line.
	dl, err := http.Get(ts.server.URL + statusPath + "/download")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer dl.Body.Close()
	assertStatusCode(t, dl, http.StatusOK)
	body, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("failed to read download: %v", err)
	}
	if !bytes.HasPrefix(body, []byte("id,x,y,dapi\n")) {
		t.Errorf("unexpected export header: %q", bytes.SplitN(body, []byte("\n"), 2)[0])
	}
}

func TestExportJobUnknownColumn(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp := doJSON(t, ts, http.MethodPost, "/d/default/api/export/jobs/", map[string]interface{}{
		"columns": []string{"bogus"},
	})
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusBadRequest)
}
