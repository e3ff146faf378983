package fileserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/SanteonNL/heron/cmd/heron/manifest"
)

const ndjsonContentType = "application/fhir+ndjson"

// Server exposes a directory of NDJSON resource files over HTTP so a FHIR
// server can fetch them during bulk import.
type Server struct {
	dir     string
	router  *mux.Router
	log     zerolog.Logger
	metrics *serverMetrics
}

type serverMetrics struct {
	requests    *prometheus.CounterVec
	bytesServed prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	return &serverMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "heron_fileserver_requests_total",
			Help: "File server requests by handler and status code.",
		}, []string{"handler", "code"}),
		bytesServed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "heron_fileserver_bytes_served_total",
			Help: "Total bytes of resource data served.",
		}),
	}
}

func NewServer(dir string, log zerolog.Logger) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		dir:     dir,
		log:     log,
		metrics: newServerMetrics(registry),
	}

	r := mux.NewRouter()
	r.Use(s.commonHeaders, s.accessLog)
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/{filename}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	s.router = r
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until the context ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Str("dir", s.dir).Msg("File server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info().Msg("Shutting down file server")
		return srv.Shutdown(shutdownCtx)
	}
}

type indexEntry struct {
	Name         string `json:"name"`
	ResourceType string `json:"resourceType"`
	SizeBytes    int64  `json:"sizeBytes"`
	Compressed   bool   `json:"compressed"`
}

type indexResponse struct {
	Count int          `json:"count"`
	Files []indexEntry `json:"files"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	files, err := manifest.Discover(s.dir)
	if err != nil && !errors.Is(err, manifest.ErrNoEligibleFiles) {
		s.respondError(w, r, http.StatusInternalServerError, "failed to list files")
		return
	}

	response := indexResponse{Count: len(files), Files: []indexEntry{}}
	for _, file := range files {
		response.Files = append(response.Files, indexEntry{
			Name:         file.Name,
			ResourceType: file.ResourceType,
			SizeBytes:    file.SizeBytes,
			Compressed:   file.Compressed,
		})
	}
	s.respondJSON(w, r, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		s.respondError(w, r, http.StatusNotFound, "file not found")
		return
	}

	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		s.respondError(w, r, http.StatusNotFound, "file not found")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", ndjsonContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	if strings.HasSuffix(name, ".gz") {
		// The FHIR server decompresses transparently on download.
		w.Header().Set("Content-Encoding", "gzip")
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	sent, err := io.Copy(w, f)
	s.metrics.bytesServed.Add(float64(sent))
	if err != nil {
		s.log.Warn().Err(err).Str("file", name).Msg("Transfer interrupted")
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.respondJSON(w, r, status, map[string]string{"error": message})
}

// commonHeaders adds the CORS and no-cache headers every response carries.
// HAPI fetches import payloads fresh on every attempt, so caching would only
// mask stale data.
func (s *Server) commonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		handler := "file"
		switch r.URL.Path {
		case "/":
			handler = "index"
		case "/healthz":
			handler = "health"
		case "/metrics":
			handler = "metrics"
		}
		s.metrics.requests.WithLabelValues(handler, strconv.Itoa(recorder.Status())).Inc()

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.Status()).
			Int64("bytes", recorder.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
