package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cnnviz/internal/export"
)

func bundleDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		export.StructureFile:        `[["input",[1,4,4,1]],["a","b"]]`,
		export.WeightsFile(10):      `[["input",[1],[0]]]`,
		export.WeightsFile(2):       `[["input",[1],[0]]]`,
		export.ActivationsFile(2):   `[["input",[1,1],[[0.5]]],[["a"],["b"]]]`,
		"model_weights_epochX.json": `[]`,
		"notes.txt":                 "ignored",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStructure(t *testing.T) {
	h := New(bundleDir(t))
	rec := get(t, h, "/api/structure")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `[["input",[1,4,4,1]],["a","b"]]`, rec.Body.String())
}

func TestEpochsSorted(t *testing.T) {
	rec := get(t, New(bundleDir(t)), "/api/epochs")
	require.Equal(t, http.StatusOK, rec.Code)
	var epochs []int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &epochs))
	assert.Equal(t, []int{2, 10}, epochs)
}

func TestEpochsEmptyDir(t *testing.T) {
	rec := get(t, New(t.TempDir()), "/api/epochs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEpochBundles(t *testing.T) {
	h := New(bundleDir(t))

	rec := get(t, h, "/api/epochs/2/activations")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[["input",[1,1],[[0.5]]],[["a"],["b"]]]`, rec.Body.String())

	assert.Equal(t, http.StatusOK, get(t, h, "/api/epochs/10/weights").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/epochs/3/weights").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/epochs/10/activations").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/epochs/two/weights").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/epochs/-1/weights").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(bundleDir(t))
	for _, path := range []string{"/api/structure", "/api/epochs", "/api/epochs/0/weights", "/api/epochs/0/activations"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, path)
	}
}
