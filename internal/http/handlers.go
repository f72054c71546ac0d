package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rastercache/internal/cache"
	"rastercache/internal/catalog"
	"rastercache/internal/config"
	"rastercache/internal/export"
	"rastercache/internal/publish"
	"rastercache/internal/raster"
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	catalog  *catalog.Catalog
	manager  *cache.Manager
	exporter *export.Exporter
}

func New(config *config.Config, logger *zap.Logger, catalog *catalog.Catalog, manager *cache.Manager, exporter *export.Exporter) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		config:   config,
		logger:   logger,
		catalog:  catalog,
		manager:  manager,
		exporter: exporter,
	}
}

type loggerKey struct{}

// RequestLoggingMiddleware tags each request with an ID, reusing X-Request-ID when
// the client sent one, and logs the outcome with a request-scoped logger.
func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		log := h.logger.With(zap.String("request_id", requestID))
		r = r.WithContext(context.WithValue(r.Context(), loggerKey{}, log))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.String("client", clientAddr(r)),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.written),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if rec.status >= http.StatusInternalServerError {
			log.Warn("Request failed", fields...)
			return
		}
		log.Info("Request served", fields...)
	})
}

func (h *Handlers) requestLogger(r *http.Request) *zap.Logger {
	if log, ok := r.Context().Value(loggerKey{}).(*zap.Logger); ok {
		return log
	}
	return h.logger
}

// CORSMiddleware allows ALLOWED_ORIGIN, or same-host origins when it is unset, and
// exposes the region metadata headers.
func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := h.allowedOrigin(r); origin != "" {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			hdr.Set("Access-Control-Expose-Headers", "X-Data-Type, X-Shape, X-Request-ID")
			hdr.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) allowedOrigin(r *http.Request) string {
	if h.config.AllowedOrigin != "" {
		return h.config.AllowedOrigin
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return "*"
	}
	if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
		return origin
	}
	return ""
}

func (h *Handlers) HandleRasters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := h.catalog.Entries()
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, entries)
}

type uploadResponse struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Variables []string `json:"variables"`
	Saved     bool     `json:"saved"`
}

// HandleUpload imports the multipart field "file" into the catalog.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.uploadAuthorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload exceeds size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !h.catalog.Supports(ext) {
		http.Error(w, fmt.Sprintf("Unsupported raster format %q", ext), http.StatusBadRequest)
		return
	}

	log := h.requestLogger(r).With(zap.String("filename", header.Filename))
	staged, err := stageUpload(file, ext)
	if err != nil {
		log.Error("Failed to stage upload", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}

	rasterID, err := h.catalog.Import(staged, header.Filename)
	if err != nil {
		os.Remove(staged)
		log.Error("Failed to import upload", zap.Error(err))
		http.Error(w, "Failed to import raster", http.StatusInternalServerError)
		return
	}
	log.Info("Raster uploaded", zap.String("raster", rasterID))

	resp := uploadResponse{ID: rasterID, Name: header.Filename, Saved: true}
	if rs, ok := h.catalog.Get(rasterID); ok {
		resp.Variables = rs.Variables
	}
	writeJSON(w, resp)
}

// uploadAuthorized accepts the token as a bearer header or a token query parameter.
func (h *Handlers) uploadAuthorized(r *http.Request) bool {
	if h.config.IsUploadPublic() {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.config.UploadToken)) == 1
}

// stageUpload copies src to a temporary file the catalog can move into place.
func stageUpload(src io.Reader, ext string) (path string, err error) {
	f, err := os.CreateTemp("", "upload_*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close temp file: %w", cerr)
		}
		if err != nil {
			os.Remove(f.Name())
			path = ""
		}
	}()

	if _, err := io.Copy(f, src); err != nil {
		return "", fmt.Errorf("failed to copy upload: %w", err)
	}
	return f.Name(), nil
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type cacheStats struct {
	Readers    int    `json:"readers"`
	SizeBytes  int64  `json:"size_bytes"`
	LimitBytes int64  `json:"limit_bytes"`
	CacheType  string `json:"cache_type"`
}

func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, cacheStats{
		Readers:    h.manager.Len(),
		SizeBytes:  h.manager.SizeInBytes(),
		LimitBytes: h.manager.LimitBytes(),
		CacheType:  h.config.CacheType,
	})
}

func (h *Handlers) HandleRasterRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rasters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	rs, ok := h.catalog.Get(parts[0])
	if !ok {
		http.Error(w, "Raster not found", http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "variables":
		h.handleVariables(w, r, rs)
	case "region":
		h.handleRegion(w, r, rs)
	case "export":
		h.handleExport(w, r, rs)
	default:
		http.NotFound(w, r)
	}
}

type variableInfo struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Layers     int    `json:"layers"`
	TileWidth  int    `json:"tile_width"`
	TileHeight int    `json:"tile_height"`
	TileLayers int    `json:"tile_layers"`
}

func (h *Handlers) handleVariables(w http.ResponseWriter, r *http.Request, rs *catalog.Raster) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	descs, err := rs.Descriptors(r.Context())
	if err != nil {
		h.writeError(w, "Failed to describe variables", err)
		return
	}

	infos := make([]variableInfo, 0, len(descs))
	for _, d := range descs {
		infos = append(infos, variableInfo{
			Name:       d.Name,
			DataType:   d.DataType.String(),
			Width:      d.Width,
			Height:     d.Height,
			Layers:     d.Layers,
			TileWidth:  d.TileWidth,
			TileHeight: d.TileHeight,
			TileLayers: d.TileLayers,
		})
	}
	writeJSON(w, infos)
}

func (h *Handlers) handleRegion(w http.ResponseWriter, r *http.Request, rs *catalog.Raster) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	name := q.Get("var")
	if name == "" {
		http.Error(w, "Missing var parameter", http.StatusBadRequest)
		return
	}

	var coords [4]int
	for i, key := range []string{"x", "y", "w", "h"} {
		v, err := strconv.Atoi(q.Get(key))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid %s parameter", key), http.StatusBadRequest)
			return
		}
		coords[i] = v
	}
	x, y, width, height := coords[0], coords[1], coords[2], coords[3]
	if x < 0 || y < 0 || width <= 0 || height <= 0 {
		http.Error(w, "Region must be non-negative and non-empty", http.StatusBadRequest)
		return
	}
	if h.config.MaxRegionPixels > 0 && width*height > h.config.MaxRegionPixels {
		http.Error(w, "Region too large", http.StatusRequestEntityTooLarge)
		return
	}

	desc, err := rs.Reader.VariableDescriptor(r.Context(), name)
	if err != nil {
		h.writeError(w, "Failed to describe variable", err)
		return
	}

	offsets := []int{y, x}
	shapes := []int{height, width}
	if desc.Rank() == 3 {
		layer, err := parseLayer(q.Get("layer"))
		if err != nil {
			http.Error(w, "Invalid layer parameter", http.StatusBadRequest)
			return
		}
		offsets = []int{layer, y, x}
		shapes = []int{1, height, width}
	}

	target, err := raster.AllocDataBuffer(desc.DataType, []int{y, x}, []int{height, width})
	if err != nil {
		h.writeError(w, "Failed to allocate region", err)
		return
	}
	if err := rs.Reader.Read(r.Context(), name, offsets, shapes, target); err != nil {
		h.requestLogger(r).Error("Failed to read region",
			zap.String("raster", rs.ID),
			zap.String("variable", name),
			zap.Ints("offsets", offsets),
			zap.Ints("shapes", shapes),
			zap.Error(err))
		h.writeError(w, "Failed to read region", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(target.Data.SizeInBytes(), 10))
	w.Header().Set("X-Data-Type", desc.DataType.String())
	w.Header().Set("X-Shape", fmt.Sprintf("%d,%d", height, width))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := target.Data.WriteTo(w); err != nil {
		h.requestLogger(r).Warn("Failed to write region", zap.String("raster", rs.ID), zap.Error(err))
	}
}

func (h *Handlers) handleExport(w http.ResponseWriter, r *http.Request, rs *catalog.Raster) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	name := q.Get("var")
	if name == "" {
		http.Error(w, "Missing var parameter", http.StatusBadRequest)
		return
	}
	layer, err := parseLayer(q.Get("layer"))
	if err != nil {
		http.Error(w, "Invalid layer parameter", http.StatusBadRequest)
		return
	}

	result, err := h.exporter.Export(r.Context(), rs.ID, rs.Reader, name, layer)
	if err != nil {
		h.requestLogger(r).Error("Export failed",
			zap.String("raster", rs.ID),
			zap.String("variable", name),
			zap.Error(err))
		h.writeError(w, "Export failed", err)
		return
	}

	h.requestLogger(r).Info("Export finished",
		zap.String("raster", rs.ID),
		zap.String("variable", result.Variable),
		zap.Int("blocks", result.Blocks),
		zap.Int64("duration_ms", result.DurationMs))
	writeJSON(w, result)
}

func parseLayer(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	layer, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if layer < 0 {
		return 0, fmt.Errorf("negative layer %d", layer)
	}
	return layer, nil
}

// writeError maps engine errors to HTTP status codes.
func (h *Handlers) writeError(w http.ResponseWriter, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cache.ErrUnknownVariable):
		status = http.StatusNotFound
	case errors.Is(err, raster.ErrOutOfBounds), errors.Is(err, raster.ErrConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, raster.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, publish.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// clientAddr prefers X-Real-Ip as set by a fronting proxy.
func clientAddr(r *http.Request) string {
	addr := r.Header.Get("X-Real-Ip")
	if addr == "" {
		addr = r.RemoteAddr
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
