// Package server exposes an export directory to the visualiser over a
// read-only JSON API.
package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"cnnviz/internal/export"
)

var weightsRegexp = regexp.MustCompile(`^model_weights_epoch([0-9]+)\.json$`)

type bundles struct {
	dir string
}

// New returns the API handler for the bundles under dir:
//
//	GET /api/structure
//	GET /api/epochs
//	GET /api/epochs/{epoch}/weights
//	GET /api/epochs/{epoch}/activations
func New(dir string) http.Handler {
	b := &bundles{dir: dir}
	r := mux.NewRouter()
	r.Use(logRequests)
	r.HandleFunc("/api/structure", b.Structure()).Methods(http.MethodGet)
	r.HandleFunc("/api/epochs", b.Epochs()).Methods(http.MethodGet)
	r.HandleFunc("/api/epochs/{epoch}/weights", b.Epoch(export.WeightsFile)).Methods(http.MethodGet)
	r.HandleFunc("/api/epochs/{epoch}/activations", b.Epoch(export.ActivationsFile)).Methods(http.MethodGet)
	return r
}

// Structure serves the per-run structure bundle.
func (b *bundles) Structure() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		b.serve(w, r, export.StructureFile)
	}
}

// Epochs lists the exported epochs in ascending order.
func (b *bundles) Epochs() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		epochs, err := listEpochs(b.dir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(epochs); err != nil {
			log.Printf("encode epochs: %v", err)
		}
	}
}

// Epoch serves the bundle named by file for the {epoch} path variable.
func (b *bundles) Epoch(file func(int) string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		epoch, err := strconv.Atoi(mux.Vars(r)["epoch"])
		if err != nil || epoch < 0 {
			http.Error(w, "malformed epoch", http.StatusBadRequest)
			return
		}
		b.serve(w, r, file(epoch))
	}
}

func (b *bundles) serve(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(filepath.Join(b.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func listEpochs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	epochs := []int{}
	for _, e := range entries {
		m := weightsRegexp.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("method=%s path=%s status=%d duration_ms=%.2f", r.Method, r.URL.Path, rec.status, time.Since(start).Seconds()*1000)
	})
}
