package http

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rastercache/internal/cache"
	"rastercache/internal/catalog"
	"rastercache/internal/config"
	"rastercache/internal/export"
	"rastercache/internal/geometry"
	"rastercache/internal/provider"
	"rastercache/internal/raster"
)

const (
	testWidth  = 8
	testHeight = 6
)

func memoryOpener(path string) (cache.CacheDataProvider, error) {
	elems := make([]uint16, testWidth*testHeight)
	for i := range elems {
		elems[i] = uint16(i)
	}
	m := provider.NewMemory()
	err := m.Add(cache.VariableDescriptor{
		Name:       "band_1",
		DataType:   raster.TypeUint16,
		Width:      testWidth,
		Height:     testHeight,
		Layers:     geometry.NoLayer,
		TileWidth:  4,
		TileHeight: 4,
		TileLayers: geometry.NoLayer,
	}, raster.Wrap(elems))
	return m, err
}

type fixture struct {
	handlers  *Handlers
	manager   *cache.Manager
	rasterID  string
	outputDir string
	server    http.Handler
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "scene.mem"), []byte("x"), 0644))

	manager := cache.NewManager(0, nil)
	newReader := func(p cache.CacheDataProvider) (cache.RegionReader, error) {
		return cache.NewRegionReader(cache.KindGrid, p, cache.Options{}, nil)
	}
	cat := catalog.New(dataDir, map[string]catalog.Opener{".mem": memoryOpener}, newReader, manager, nil)
	require.NoError(t, cat.Scan())
	t.Cleanup(cat.Close)

	entries := cat.Entries()
	require.Len(t, entries, 1)

	outputDir := t.TempDir()
	h := New(cfg, zap.NewNop(), cat, manager, export.New(outputDir, 2, nil, nil, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/rasters", h.HandleRasters)
	mux.HandleFunc("/api/rasters/", h.HandleRasterRoutes)
	mux.HandleFunc("/api/upload", h.HandleUpload)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return &fixture{
		handlers:  h,
		manager:   manager,
		rasterID:  entries[0].ID,
		outputDir: outputDir,
		server:    h.CORSMiddleware(h.RequestLoggingMiddleware(mux)),
	}
}

func defaultConfig() *config.Config {
	return &config.Config{
		CacheType:       cache.KindGrid,
		MaxRegionPixels: 100,
		MaxUploadSize:   1 << 20,
	}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleRegion(t *testing.T) {
	f := newFixture(t, defaultConfig())

	rec := f.do(http.MethodGet, "/api/rasters/"+f.rasterID+"/region?var=band_1&x=3&y=2&w=3&h=2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "uint16", rec.Header().Get("X-Data-Type"))
	assert.Equal(t, "2,3", rec.Header().Get("X-Shape"))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	got := make([]uint16, 6)
	require.NoError(t, binary.Read(rec.Body, binary.LittleEndian, got))
	assert.Equal(t, []uint16{19, 20, 21, 27, 28, 29}, got)
}

func TestHandleRegion_Errors(t *testing.T) {
	f := newFixture(t, defaultConfig())
	base := "/api/rasters/" + f.rasterID + "/region"

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"missing var", "?x=0&y=0&w=1&h=1", http.StatusBadRequest},
		{"bad number", "?var=band_1&x=a&y=0&w=1&h=1", http.StatusBadRequest},
		{"empty region", "?var=band_1&x=0&y=0&w=0&h=1", http.StatusBadRequest},
		{"too large", "?var=band_1&x=0&y=0&w=20&h=10", http.StatusRequestEntityTooLarge},
		{"out of bounds", "?var=band_1&x=6&y=0&w=4&h=1", http.StatusBadRequest},
		{"unknown variable", "?var=band_9&x=0&y=0&w=1&h=1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, base+tt.query)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(http.MethodPost, base+"?var=band_1&x=0&y=0&w=1&h=1")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRasterRoutes_NotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/rasters/missing/variables").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/rasters/"+f.rasterID+"/tiles").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/rasters/"+f.rasterID).Code)
}

func TestHandleRastersAndVariables(t *testing.T) {
	f := newFixture(t, defaultConfig())

	rec := f.do(http.MethodGet, "/api/rasters")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []catalog.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, f.rasterID, entries[0].ID)
	assert.Equal(t, "scene.mem", entries[0].OriginalFilename)
	assert.Equal(t, []string{"band_1"}, entries[0].Variables)

	rec = f.do(http.MethodGet, "/api/rasters/"+f.rasterID+"/variables")
	require.Equal(t, http.StatusOK, rec.Code)
	var vars []variableInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &vars))
	require.Len(t, vars, 1)
	assert.Equal(t, variableInfo{
		Name:       "band_1",
		DataType:   "uint16",
		Width:      testWidth,
		Height:     testHeight,
		Layers:     geometry.NoLayer,
		TileWidth:  4,
		TileHeight: 4,
		TileLayers: geometry.NoLayer,
	}, vars[0])
}

func TestHandleCache(t *testing.T) {
	f := newFixture(t, defaultConfig())

	rec := f.do(http.MethodGet, "/api/rasters/"+f.rasterID+"/region?var=band_1&x=0&y=0&w=2&h=2")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats cacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Readers)
	assert.Equal(t, "grid", stats.CacheType)
	// one 4x4 uint16 tile
	assert.Equal(t, int64(32), stats.SizeBytes)
}

func TestHandleExport(t *testing.T) {
	f := newFixture(t, defaultConfig())

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/rasters/"+f.rasterID+"/export?var=band_1").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/rasters/"+f.rasterID+"/export").Code)

	rec := f.do(http.MethodPost, "/api/rasters/"+f.rasterID+"/export?var=band_1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result export.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "band_1", result.Variable)
	assert.Equal(t, 1, result.Blocks)
	assert.Equal(t, 4, result.Tiles)

	data, err := os.ReadFile(filepath.Join(f.outputDir, f.rasterID, "band_1.raw"))
	require.NoError(t, err)
	require.Len(t, data, testWidth*testHeight*2)
	got := make([]uint16, testWidth*testHeight)
	require.NoError(t, binary.Read(bytes.NewReader(data), binary.LittleEndian, got))
	for i, v := range got {
		assert.Equal(t, uint16(i), v)
	}
}

func TestHandleUpload(t *testing.T) {
	cfg := defaultConfig()
	cfg.UploadToken = "secret"
	f := newFixture(t, cfg)

	upload := func(filename, token string) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte("payload"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, upload("more.mem", "").Code)
	assert.Equal(t, http.StatusUnauthorized, upload("more.mem", "wrong").Code)
	assert.Equal(t, http.StatusBadRequest, upload("more.txt", "secret").Code)

	rec := upload("more.mem", "secret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		ID        string   `json:"id"`
		Name      string   `json:"name"`
		Variables []string `json:"variables"`
		Saved     bool     `json:"saved"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Saved)
	assert.Equal(t, "more.mem", resp.Name)
	assert.Equal(t, []string{"band_1"}, resp.Variables)

	rec = f.do(http.MethodGet, "/api/cache")
	var stats cacheStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Readers)
}

func TestCORSMiddleware(t *testing.T) {
	cfg := defaultConfig()
	cfg.AllowedOrigin = "https://viewer.example"
	f := newFixture(t, cfg)

	rec := f.do(http.MethodOptions, "/api/rasters")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://viewer.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Shape")
}

func TestHandleHealthz(t *testing.T) {
	f := newFixture(t, defaultConfig())

	rec := f.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequestLoggingMiddleware_RequestID(t *testing.T) {
	f := newFixture(t, defaultConfig())

	rec := f.do(http.MethodGet, "/healthz")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestClientAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:52100"
	assert.Equal(t, "10.0.0.7", clientAddr(req))

	req.Header.Set("X-Real-Ip", "192.168.1.4")
	assert.Equal(t, "192.168.1.4", clientAddr(req))

	req.Header.Del("X-Real-Ip")
	req.RemoteAddr = ""
	assert.Equal(t, "unknown", clientAddr(req))
}
