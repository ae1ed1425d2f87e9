package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hoodscan/server/internal/cache"
	"github.com/hoodscan/server/internal/config"
	"github.com/hoodscan/server/internal/service"
)

// writeTestTable writes a small cell table with three types scattered over
// two spatial blocks.
func writeTestTable(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	var buf bytes.Buffer
	buf.WriteString("cell_id,x_centroid,y_centroid,group\n")
	types := []string{"A", "B", "C"}
	for i := 0; i < 30; i++ {
		ox := 0.0
		if i >= 15 {
			ox = 50.0
		}
		fmt.Fprintf(&buf, "c%d,%.3f,%.3f,%s\n",
			i, ox+rng.Float64()*10, rng.Float64()*10, types[i%3])
	}
	path := filepath.Join(dir, "cells.csv")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write test table: %v", err)
	}
	return path
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	tablePath := writeTestTable(t, dir)

	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: 16,
		ResultTTL:         time.Minute,
		QueryCacheSize:    100,
	})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { cacheManager.Close() })

	svc, err := service.NewDatasetService("brain", config.DatasetConfig{
		CellTable: tablePath,
	}, cacheManager)
	if err != nil {
		t.Fatalf("failed to create dataset service: %v", err)
	}

	registry := NewDatasetRegistry("brain", []string{"brain"}, "Test Atlas")
	registry.Register("brain", svc)

	jm, err := NewJobManager(JobManagerConfig{
		MaxConcurrent: 1,
		SQLitePath:    filepath.Join(dir, "scan_jobs.sqlite"),
		RetentionDays: 1,
	})
	if err != nil {
		t.Fatalf("failed to create job manager: %v", err)
	}
	t.Cleanup(jm.Stop)

	scanCfg := config.ScanConfig{
		MaxConcurrent:   1,
		DefaultK:        5,
		DefaultClusters: 2,
		DefaultKernel:   "gaussian",
		Workers:         2,
	}
	scanService := service.NewScanService(registry, scanCfg)
	jm.Executor = scanService.ExecuteScanJob
	jm.Start()

	return NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"*"},
		JobManager:  jm,
		ScanService: scanService,
	})
}

func doJSON(t *testing.T, router http.Handler, method, path string, body []byte) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: invalid JSON response: %v\n%s", method, path, err, rec.Body.String())
		}
	}
	return rec.Code, payload
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", rec.Body.String())
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	router := newTestRouter(t)
	code, payload := doJSON(t, router, "GET", "/api/datasets", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if payload["default"] != "brain" {
		t.Errorf("default = %v, want brain", payload["default"])
	}
	if payload["title"] != "Test Atlas" {
		t.Errorf("title = %v", payload["title"])
	}
	datasets := payload["datasets"].([]interface{})
	if len(datasets) != 1 {
		t.Fatalf("datasets = %v", datasets)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	router := newTestRouter(t)
	code, payload := doJSON(t, router, "GET", "/d/brain/api/summary", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if payload["n_cells"].(float64) != 30 {
		t.Errorf("n_cells = %v, want 30", payload["n_cells"])
	}
	types := payload["types"].([]interface{})
	if len(types) != 3 || types[0] != "A" {
		t.Errorf("types = %v, want [A B C]", types)
	}
}

func TestUnknownDatasetReturns404(t *testing.T) {
	router := newTestRouter(t)
	code, _ := doJSON(t, router, "GET", "/d/missing/api/summary", nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestScanJobRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	// Submit with explicit params
	body, _ := json.Marshal(map[string]interface{}{
		"k": 5, "clusters": 2, "kernel": "gaussian", "seed": 42,
	})
	code, payload := doJSON(t, router, "POST", "/d/brain/api/scan/jobs", body)
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202 (%v)", code, payload)
	}
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		t.Fatal("submit returned no job_id")
	}

	// Poll until completed
	statusPath := "/d/brain/api/scan/jobs/" + jobID
	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		code, payload = doJSON(t, router, "GET", statusPath, nil)
		if code != http.StatusOK {
			t.Fatalf("status endpoint = %d (%v)", code, payload)
		}
		status, _ = payload["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("job did not complete: status=%s error=%v", status, payload["error"])
	}
	if payload["n_cells"].(float64) != 30 {
		t.Errorf("n_cells = %v, want 30", payload["n_cells"])
	}

	t.Run("cells", func(t *testing.T) {
		code, payload := doJSON(t, router, "GET", statusPath+"/cells?order_by=entropy&limit=10", nil)
		if code != http.StatusOK {
			t.Fatalf("cells status = %d (%v)", code, payload)
		}
		if payload["total"].(float64) != 30 {
			t.Errorf("total = %v, want 30", payload["total"])
		}
		items := payload["items"].([]interface{})
		if len(items) != 10 {
			t.Fatalf("got %d items, want 10", len(items))
		}
		// Entropy ordering is descending.
		first := items[0].(map[string]interface{})["entropy"].(float64)
		last := items[9].(map[string]interface{})["entropy"].(float64)
		if first < last {
			t.Errorf("entropy not descending: first=%v last=%v", first, last)
		}
		// Probs omitted without include_probs.
		if _, ok := items[0].(map[string]interface{})["probs"]; ok {
			t.Error("probs present without include_probs")
		}
	})

	t.Run("cells with probs", func(t *testing.T) {
		code, payload := doJSON(t, router, "GET", statusPath+"/cells?include_probs=true&limit=1", nil)
		if code != http.StatusOK {
			t.Fatalf("cells status = %d", code)
		}
		items := payload["items"].([]interface{})
		probs := items[0].(map[string]interface{})["probs"].([]interface{})
		if len(probs) != 3 {
			t.Errorf("probs has %d entries, want 3", len(probs))
		}
	})

	t.Run("invalid order_by", func(t *testing.T) {
		code, _ := doJSON(t, router, "GET", statusPath+"/cells?order_by=evil", nil)
		if code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("profiles", func(t *testing.T) {
		code, payload := doJSON(t, router, "GET", statusPath+"/profiles", nil)
		if code != http.StatusOK {
			t.Fatalf("profiles status = %d", code)
		}
		clusters := payload["clusters"].([]interface{})
		if len(clusters) != 2 {
			t.Fatalf("got %d clusters, want 2", len(clusters))
		}
		profile := clusters[0].(map[string]interface{})["profile"].([]interface{})
		if len(profile) != 3 {
			t.Errorf("profile has %d entries, want 3", len(profile))
		}
	})

	t.Run("colocalization", func(t *testing.T) {
		code, payload := doJSON(t, router, "GET", statusPath+"/colocalization", nil)
		if code != http.StatusOK {
			t.Fatalf("colocalization status = %d", code)
		}
		items := payload["items"].([]interface{})
		// Upper triangle of a 3x3 matrix.
		if len(items) != 6 {
			t.Fatalf("got %d pairs, want 6", len(items))
		}
		for _, raw := range items {
			e := raw.(map[string]interface{})
			if e["type_a"] == e["type_b"] && e["defined"].(bool) {
				if r := e["r"].(float64); r != 1 {
					t.Errorf("diagonal r = %v, want 1", r)
				}
			}
		}
	})

	t.Run("delete", func(t *testing.T) {
		code, payload := doJSON(t, router, "DELETE", statusPath, nil)
		if code != http.StatusOK {
			t.Fatalf("delete status = %d", code)
		}
		if payload["deleted"] != true {
			t.Errorf("payload = %v, want deleted=true", payload)
		}
		code, _ = doJSON(t, router, "GET", statusPath, nil)
		if code != http.StatusNotFound {
			t.Errorf("status after delete = %d, want 404", code)
		}
	})
}

func TestScanJobSubmitValidation(t *testing.T) {
	router := newTestRouter(t)

	cases := []map[string]interface{}{
		{"k": -1},
		{"k": 30},        // k >= N
		{"clusters": 31}, // clusters > N
		{"kernel": "triangle"},
	}
	for i, c := range cases {
		body, _ := json.Marshal(c)
		code, _ := doJSON(t, router, "POST", "/d/brain/api/scan/jobs", body)
		if code != http.StatusBadRequest {
			t.Errorf("case %d (%v): status = %d, want 400", i, c, code)
		}
	}
}

func TestScanJobDefaultsApplied(t *testing.T) {
	router := newTestRouter(t)

	// Empty body: all params come from config defaults.
	code, payload := doJSON(t, router, "POST", "/d/brain/api/scan/jobs", []byte("{}"))
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d (%v)", code, payload)
	}
	params := payload["params"].(map[string]interface{})
	if params["k"].(float64) != 5 {
		t.Errorf("k = %v, want default 5", params["k"])
	}
	if params["clusters"].(float64) != 2 {
		t.Errorf("clusters = %v, want default 2", params["clusters"])
	}
	if params["kernel"] != "gaussian" {
		t.Errorf("kernel = %v, want gaussian", params["kernel"])
	}
}

func TestScanJobWrongDatasetIs404(t *testing.T) {
	router := newTestRouter(t)

	code, payload := doJSON(t, router, "POST", "/d/brain/api/scan/jobs", []byte("{}"))
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d", code)
	}
	jobID := payload["job_id"].(string)

	// The same job is invisible through another dataset prefix.
	code, _ = doJSON(t, router, "GET", "/d/missing/api/scan/jobs/"+jobID, nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestJobList(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 2; i++ {
		code, _ := doJSON(t, router, "POST", "/d/brain/api/scan/jobs", []byte("{}"))
		if code != http.StatusAccepted {
			t.Fatalf("submit %d failed: %d", i, code)
		}
	}

	code, payload := doJSON(t, router, "GET", "/d/brain/api/scan/jobs", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if payload["total"].(float64) != 2 {
		t.Errorf("total = %v, want 2", payload["total"])
	}
}
