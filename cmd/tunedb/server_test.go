package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/client"
	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

var gtx1080 = deviceRequest{Name: "GeForce GTX 1080", Vendor: "NVIDIA Corporation", Type: "GPU"}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(tuning.NewResolver(catalog.MustBuiltin()), 1)
	return srv, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var data []byte
	if body != nil {
		var err error
		data, err = cbor.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", cborContentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Resolve(t *testing.T) {
	_, h := newTestServer(t)

	t.Run("device tier", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/resolve", resolveRequest{Device: gtx1080, Family: "Xgemm", Precision: "32", Defines: true})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, cborContentType, rr.Header().Get("Content-Type"))

		var resp resolveResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "device", resp.Tier)
		assert.Equal(t, 8, resp.Parameters["VWN"])
		assert.Contains(t, resp.Defines, "#define VWN 8\n")
	})

	t.Run("global tier", func(t *testing.T) {
		dev := deviceRequest{Name: "X", Vendor: "Qualcomm", Type: "GPU"}
		rr := do(t, h, http.MethodPost, "/resolve", resolveRequest{Device: dev, Family: "Copy", Precision: "half"})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp resolveResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "global", resp.Tier)
		assert.Empty(t, resp.Defines)
	})

	t.Run("errors", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/resolve", resolveRequest{Device: gtx1080, Family: "Xtrsv", Precision: "single"})
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = do(t, h, http.MethodPost, "/resolve", resolveRequest{Device: gtx1080, Family: "Xgemm", Precision: "quad"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = do(t, h, http.MethodGet, "/resolve", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

		req := httptest.NewRequest(http.MethodPost, "/resolve", bytes.NewReader([]byte{0xff}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServer_Overrides(t *testing.T) {
	srv, h := newTestServer(t)
	params := map[string]int{"KWG": 16, "KWI": 2, "MDIMA": 8, "MDIMC": 8, "MWG": 64, "NDIMB": 16, "NDIMC": 16,
		"NWG": 64, "SA": 1, "SB": 1, "STRM": 0, "STRN": 0, "VWM": 4, "VWN": 4}

	rr := do(t, h, http.MethodPut, "/overrides", overrideRequest{Device: gtx1080, Family: "Xgemm", Precision: "single", Parameters: params})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	res, err := srv.resolver.Explain("Xgemm", tuning.PrecisionSingle, device.Descriptor{Name: "GeForce GTX 1080", Vendor: "NVIDIA", Type: device.TypeGPU})
	require.NoError(t, err)
	assert.Equal(t, tuning.TierOverride, res.Tier)

	rr = do(t, h, http.MethodGet, "/overrides", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []overrideRequest
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "NVIDIA", list[0].Device.Vendor)
	assert.Equal(t, "single", list[0].Precision)
	assert.Equal(t, params, list[0].Parameters)

	rr = do(t, h, http.MethodPut, "/overrides", overrideRequest{Device: gtx1080, Family: "Xgemm", Precision: "single", Parameters: map[string]int{"MWG": -1}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// an empty set must not shadow the catalog
	rr = do(t, h, http.MethodPut, "/overrides", overrideRequest{Device: gtx1080, Family: "Xgemm", Precision: "single"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	list = nil
	rr = do(t, h, http.MethodGet, "/overrides", nil)
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, params, list[0].Parameters)

	rr = do(t, h, http.MethodDelete, "/overrides", overrideRequest{Device: gtx1080, Family: "Xgemm", Precision: "single"})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = do(t, h, http.MethodDelete, "/overrides", overrideRequest{Device: gtx1080, Family: "Xgemm", Precision: "single"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	do(t, h, http.MethodPut, "/overrides", overrideRequest{Device: gtx1080, Family: "Copy", Precision: "half", Parameters: map[string]int{"COPY_VW": 1}})
	rr = do(t, h, http.MethodDelete, "/overrides?all=1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, srv.resolver.Overrides())
}

func TestServer_Gemm(t *testing.T) {
	_, h := newTestServer(t)

	rr := do(t, h, http.MethodPost, "/gemm", gemmRequest{Device: gtx1080, Precision: "single", M: 2048, N: 2048, K: 2048})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp gemmResponse
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Indirect)
	assert.Contains(t, resp.Params, "Xgemm")
	assert.Contains(t, resp.Params, "Copy")

	rr = do(t, h, http.MethodPost, "/gemm", gemmRequest{Device: gtx1080, Precision: "single", M: 64, N: 64, K: 64})
	require.Equal(t, http.StatusOK, rr.Code)
	resp = gemmResponse{}
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Indirect)
	assert.Len(t, resp.Params, 1)
}

func TestServer_ExportArrow(t *testing.T) {
	srv, h := newTestServer(t)

	rr := do(t, h, http.MethodGet, "/export/arrow", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	db, err := catalog.FromRecords(reader.Record())
	require.NoError(t, err)
	assert.Equal(t, srv.resolver.Database().Entries(), db.Entries())

	// the only export slot is taken
	require.True(t, srv.exports.TryAcquire(1))
	rr = do(t, h, http.MethodGet, "/export/arrow", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	srv.exports.Release(1)
}

func TestServer_Health(t *testing.T) {
	_, h := newTestServer(t)
	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "OK", rr.Body.String())
}

func TestCatalogFlightServer_DoGet(t *testing.T) {
	db := catalog.MustBuiltin()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewCatalogFlightServer(db))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := fc.FetchCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.Entries(), got.Entries())
}

func TestCommandLineDevices(t *testing.T) {
	q, err := commandLineDevices("Tahiti,GeForce GTX 1080", "AMD,NVIDIA Corporation", "GPU")
	require.NoError(t, err)

	d, err := device.Select(context.Background(), q, 1)
	require.NoError(t, err)
	assert.Equal(t, device.Descriptor{Name: "GeForce GTX 1080", Vendor: "NVIDIA", Type: device.TypeGPU}, d)

	_, err = commandLineDevices("A", "B", "FPGA")
	assert.Error(t, err)
}

func TestParseGemmSize(t *testing.T) {
	m, n, k, err := parseGemmSize("128x256x512")
	require.NoError(t, err)
	assert.Equal(t, []int{128, 256, 512}, []int{m, n, k})

	_, _, _, err = parseGemmSize("128x256")
	assert.Error(t, err)
}
