package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/client"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// CatalogFlightServer streams the tuning catalog to Flight clients.
type CatalogFlightServer struct {
	flight.BaseFlightServer
	db    *tuning.Database
	alloc memory.Allocator
}

func NewCatalogFlightServer(db *tuning.Database) *CatalogFlightServer {
	return &CatalogFlightServer{
		db:    db,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *CatalogFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if string(tkt.GetTicket()) != client.CatalogTicket {
		return status.Errorf(codes.NotFound, "unknown ticket %q", tkt.GetTicket())
	}

	rec := catalog.ToRecord(s.db, s.alloc)
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to stream catalog: %w", err)
	}
	log.Info().Int64("rows", rec.NumRows()).Msg("DoGet served catalog")
	return writer.Close()
}

func StartFlightServer(addr string, db *tuning.Database) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewCatalogFlightServer(db))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting tunedb Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
