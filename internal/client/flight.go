package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// CatalogTicket is the DoGet ticket that streams the full tuning catalog.
const CatalogTicket = "catalog"

// FlightClient fetches tuning catalogs from a tunedb Flight server.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	mem     memory.Allocator
	breaker *CircuitBreaker
	logger  zerolog.Logger
}

// FlightOption configures a FlightClient.
type FlightOption func(*FlightClient)

// WithAllocator sets the allocator used for received record batches.
func WithAllocator(mem memory.Allocator) FlightOption {
	return func(c *FlightClient) { c.mem = mem }
}

// WithCircuitBreaker replaces the default breaker (3 failures, 30s cool-down).
func WithCircuitBreaker(cb *CircuitBreaker) FlightOption {
	return func(c *FlightClient) { c.breaker = cb }
}

// WithClientLogger sets the client logger.
func WithClientLogger(l zerolog.Logger) FlightOption {
	return func(c *FlightClient) { c.logger = l }
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...FlightOption) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		mem:     memory.NewGoAllocator(),
		breaker: NewCircuitBreaker(3, 30*time.Second),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchCatalog downloads the remote catalog and rebuilds a validated
// database from it.
func (c *FlightClient) FetchCatalog(ctx context.Context) (*tuning.Database, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	db, err := c.fetchCatalog(ctx)
	if err != nil {
		// an invalid catalog is the server's data, not a transport failure
		if !errors.Is(err, tuning.ErrInvalidEntry) && !errors.Is(err, tuning.ErrMissingDefaultEntry) {
			c.breaker.Failure()
		}
		c.logger.Warn().Err(err).Str("state", c.breaker.State().String()).Msg("Catalog fetch failed")
		return nil, err
	}
	c.breaker.Success()
	return db, nil
}

func (c *FlightClient) fetchCatalog(ctx context.Context) (*tuning.Database, error) {
	stream, err := c.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(CatalogTicket)})
	if err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("server sent an empty catalog")
	}

	rows := int64(0)
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	c.logger.Debug().Int("batches", len(recs)).Int64("rows", rows).Msg("Catalog received")

	return catalog.FromRecords(recs...)
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
