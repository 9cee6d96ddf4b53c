package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/kernel"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tunedb_request_duration_seconds",
		Help:    "Time spent serving tunedb HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	exportsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunedb_exports_rejected_total",
		Help: "Catalog exports refused because too many were in flight",
	})
)

const cborContentType = "application/cbor"

type deviceRequest struct {
	Name   string `cbor:"name"`
	Vendor string `cbor:"vendor"`
	Type   string `cbor:"type"`
}

func (d deviceRequest) descriptor() (device.Descriptor, error) {
	typ, err := device.ParseType(d.Type)
	if err != nil {
		return device.Descriptor{}, err
	}
	return device.Descriptor{Name: d.Name, Vendor: d.Vendor, Type: typ}.Normalize(), nil
}

type resolveRequest struct {
	Device    deviceRequest `cbor:"device"`
	Family    string        `cbor:"family"`
	Precision string        `cbor:"precision"`
	Defines   bool          `cbor:"defines,omitempty"`
}

type resolveResponse struct {
	Tier       string         `cbor:"tier"`
	Parameters map[string]int `cbor:"parameters"`
	Defines    string         `cbor:"defines,omitempty"`
}

type gemmRequest struct {
	Device    deviceRequest `cbor:"device"`
	Precision string        `cbor:"precision"`
	M         int           `cbor:"m"`
	N         int           `cbor:"n"`
	K         int           `cbor:"k"`
}

type gemmResponse struct {
	Indirect  bool                      `cbor:"indirect"`
	Threshold int                       `cbor:"threshold"`
	Params    map[string]map[string]int `cbor:"params"`
}

type overrideRequest struct {
	Device     deviceRequest  `cbor:"device"`
	Family     string         `cbor:"family"`
	Precision  string         `cbor:"precision"`
	Parameters map[string]int `cbor:"parameters,omitempty"`
}

type Server struct {
	resolver *tuning.Resolver
	alloc    memory.Allocator
	exports  *semaphore.Weighted
}

func NewServer(resolver *tuning.Resolver, maxExports int) *Server {
	if maxExports < 1 {
		maxExports = 1
	}
	return &Server{
		resolver: resolver,
		alloc:    memory.NewGoAllocator(),
		exports:  semaphore.NewWeighted(int64(maxExports)),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/resolve", s.handleResolve)
	mux.HandleFunc("/gemm", s.handleGemm)
	mux.HandleFunc("/overrides", s.handleOverrides)
	mux.HandleFunc("/export/arrow", s.handleExportArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting tunedb server")
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("tunedb-server")

func observe(handler string, start time.Time) {
	requestDuration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
}

// statusFor maps lookup errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tuning.ErrUnknownKernelFamily), errors.Is(err, tuning.ErrUnsupportedPrecision):
		return http.StatusNotFound
	case errors.Is(err, tuning.ErrMissingDefaultEntry):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func fail(w http.ResponseWriter, span trace.Span, status int, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	http.Error(w, err.Error(), status)
}

func writeCBOR(w http.ResponseWriter, v any) {
	data, err := cbor.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", cborContentType)
	_, _ = w.Write(data)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleResolve")
	defer span.End()
	defer observe("resolve", time.Now())

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resolveRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, span, http.StatusBadRequest, fmt.Errorf("Bad Request (CBOR decode): %w", err))
		return
	}
	d, err := req.Device.descriptor()
	if err != nil {
		fail(w, span, http.StatusBadRequest, err)
		return
	}
	p, err := tuning.ParsePrecision(req.Precision)
	if err != nil {
		fail(w, span, http.StatusBadRequest, err)
		return
	}

	span.SetAttributes(
		attribute.String("family", req.Family),
		attribute.String("precision", p.String()),
		attribute.String("device", d.Name),
	)

	res, err := s.resolver.Explain(req.Family, p, d)
	if err != nil {
		fail(w, span, statusFor(err), err)
		return
	}
	span.SetAttributes(attribute.String("tier", res.Tier.String()))

	resp := resolveResponse{Tier: res.Tier.String(), Parameters: res.Parameters}
	if req.Defines {
		resp.Defines = kernel.Defines(res.Parameters)
	}
	writeCBOR(w, resp)
}

func (s *Server) handleGemm(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleGemm")
	defer span.End()
	defer observe("gemm", time.Now())

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req gemmRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, span, http.StatusBadRequest, fmt.Errorf("Bad Request (CBOR decode): %w", err))
		return
	}
	d, err := req.Device.descriptor()
	if err != nil {
		fail(w, span, http.StatusBadRequest, err)
		return
	}
	p, err := tuning.ParsePrecision(req.Precision)
	if err != nil {
		fail(w, span, http.StatusBadRequest, err)
		return
	}

	cfg, err := kernel.SelectGemm(s.resolver, p, d, req.M, req.N, req.K)
	if err != nil {
		fail(w, span, statusFor(err), err)
		return
	}
	span.SetAttributes(attribute.Bool("indirect", cfg.Indirect))

	resp := gemmResponse{Indirect: cfg.Indirect, Threshold: cfg.Threshold, Params: make(map[string]map[string]int, len(cfg.Params))}
	for family, ps := range cfg.Params {
		resp.Params[family] = ps
	}
	writeCBOR(w, resp)
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleOverrides")
	defer span.End()
	defer observe("overrides", time.Now())

	switch r.Method {
	case http.MethodGet:
		list := s.resolver.Overrides()
		out := make([]overrideRequest, 0, len(list))
		for _, o := range list {
			out = append(out, overrideRequest{
				Device:     deviceRequest{Name: o.Device.Name, Vendor: o.Device.Vendor, Type: o.Device.Type.String()},
				Family:     o.Family,
				Precision:  o.Precision.String(),
				Parameters: o.Parameters,
			})
		}
		writeCBOR(w, out)

	case http.MethodPut, http.MethodDelete:
		if r.Method == http.MethodDelete && r.URL.Query().Get("all") != "" {
			n := s.resolver.ClearOverrides()
			log.Info().Int("count", n).Msg("Cleared all overrides")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var req overrideRequest
		if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, span, http.StatusBadRequest, fmt.Errorf("Bad Request (CBOR decode): %w", err))
			return
		}
		d, err := req.Device.descriptor()
		if err != nil {
			fail(w, span, http.StatusBadRequest, err)
			return
		}
		p, err := tuning.ParsePrecision(req.Precision)
		if err != nil {
			fail(w, span, http.StatusBadRequest, err)
			return
		}
		if req.Family == "" {
			fail(w, span, http.StatusBadRequest, errors.New("missing family"))
			return
		}

		if r.Method == http.MethodDelete {
			if !s.resolver.ClearOverride(d, req.Family, p) {
				http.Error(w, "no such override", http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if len(req.Parameters) == 0 {
			fail(w, span, http.StatusBadRequest, errors.New("missing parameters"))
			return
		}
		for name, v := range req.Parameters {
			if v < 0 {
				fail(w, span, http.StatusBadRequest, fmt.Errorf("parameter %s is negative (%d)", name, v))
				return
			}
		}
		s.resolver.SetOverride(d, req.Family, p, req.Parameters)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExportArrow(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "handleExportArrow")
	defer span.End()
	defer observe("export_arrow", time.Now())

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.exports.TryAcquire(1) {
		exportsRejected.Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.exports.Release(1)

	rec := catalog.ToRecord(s.resolver.Database(), s.alloc)
	defer rec.Release()
	span.SetAttributes(attribute.Int64("rows", rec.NumRows()))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Error().Err(err).Msg("Failed to write arrow stream")
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
