package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/synthline-io/synthline-engine/pkg/config"
	"github.com/synthline-io/synthline-engine/pkg/reference"
	"github.com/synthline-io/synthline-engine/pkg/services"
)

func testConfig() *config.Config {
	return &config.Config{Env: "test", Version: "0.0.0-test"}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zap.NewNop()

	extractor := services.NewMetadataExtractor(1000, logger)
	fingerprints := services.NewFingerprintIndex(logger)
	cache := services.NewMemoryCacheStore(0, logger)
	synthesizer := services.NewCodeSynthesizer(nil, reference.MustLoad(), 0, logger)
	sandbox := services.NewSandboxExecutor(10*time.Second, 50_000_000, logger)
	validator := services.NewValidator(extractor, logger)
	orchestrator := services.NewOrchestrator(
		extractor, fingerprints, cache, synthesizer, sandbox, validator, 3, logger)

	mux := http.NewServeMux()
	NewGenerateHandler(orchestrator, logger).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func tablePayload() map[string]any {
	return map[string]any{
		"columns": []map[string]any{
			{"name": "age", "values": []any{25, 30, 35, 40}},
			{"name": "city", "values": []any{"NY", "LA", "NY", "SF"}},
		},
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func TestGenerate_EndToEnd(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table":    tablePayload(),
		"num_rows": 200,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	require.Len(t, body.Tables, 1)
	assert.Equal(t, 200, body.Tables[0].RowCount())
	assert.Equal(t, "csv", body.OutputFormat)
	assert.Greater(t, body.MatchScore, 0.0)
	assert.NotEmpty(t, body.Source)
}

func TestGenerate_InvalidRequests(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/generate", map[string]any{"num_rows": 10})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table":      tablePayload(),
		"file_count": 99,
	})
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3 := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table": map[string]any{"columns": []map[string]any{}},
	})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp3.StatusCode)
}

func TestMetadata_ReturnsSecureDocument(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/metadata", map[string]any{"table": tablePayload()})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.EqualValues(t, 4, doc["row_count"])

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"NY"`)
	assert.Contains(t, string(raw), "value_0")
}

func TestGenerate_WithDictionaryConstraints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table":           tablePayload(),
		"num_rows":        100,
		"match_threshold": 0.5,
		"dictionary": map[string]any{
			"columns": []map[string]any{
				{"name": "age", "min": 30, "max": 35},
				{"name": "city", "allowed_values": []string{"NY", "LA"}},
			},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body GenerateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Tables, 1)

	for _, v := range body.Tables[0].Columns[1].Values {
		assert.Contains(t, []any{"NY", "LA"}, v)
	}
}

func TestGenerate_MalformedDictionaryRejected(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table": tablePayload(),
		"dictionary": map[string]any{
			"columns": []map[string]any{
				{"name": "age", "min": 50, "max": 10},
			},
		},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateDictionary_Endpoint(t *testing.T) {
	srv := newTestServer(t)

	// Bounds that disagree with the observed data.
	resp := postJSON(t, srv.URL+"/api/dictionary/validate", map[string]any{
		"table": tablePayload(),
		"dictionary": map[string]any{
			"columns": []map[string]any{
				{"name": "age", "min": 30},
				{"name": "zip_code"},
			},
		},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body DictionaryValidateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Valid)
	require.Len(t, body.Violations, 2)

	// Bounds the data satisfies.
	resp2 := postJSON(t, srv.URL+"/api/dictionary/validate", map[string]any{
		"table": tablePayload(),
		"dictionary": map[string]any{
			"columns": []map[string]any{
				{"name": "age", "min": 18, "max": 120},
			},
		},
	})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var clean DictionaryValidateResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&clean))
	assert.True(t, clean.Valid)
	assert.Empty(t, clean.Violations)

	// Both halves of the payload are mandatory.
	resp3 := postJSON(t, srv.URL+"/api/dictionary/validate", map[string]any{
		"table": tablePayload(),
	})
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestEvictCache(t *testing.T) {
	srv := newTestServer(t)

	// Populate the cache through a generation round.
	resp := postJSON(t, srv.URL+"/api/generate", map[string]any{
		"table":    tablePayload(),
		"num_rows": 100,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Nothing old enough yet.
	days := 7
	resp = postJSON(t, srv.URL+"/api/cache/evict", map[string]any{"older_than_days": days})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var aged EvictResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&aged))
	assert.Equal(t, 0, aged.Removed)

	// Full clear removes the cached procedure.
	resp2 := postJSON(t, srv.URL+"/api/cache/evict", map[string]any{})
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var all EvictResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&all))
	assert.Equal(t, 1, all.Removed)
}

func TestHealthEndpoints(t *testing.T) {
	logger := zap.NewNop()
	mux := http.NewServeMux()
	NewHealthHandler(testConfig(), logger).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var ping PingResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&ping))
	assert.Equal(t, "ok", ping.Status)
	assert.Equal(t, "synthline-engine", ping.Service)
}
