//go:build ignore

package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/client"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

// Fetches the catalog from a running tunedb Flight server and checks that it
// matches the built-in one entry for entry.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to tunedb Flight server")

	c, err := client.NewFlightClient(addr, client.WithClientLogger(log.Logger))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	var db *tuning.Database
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		db, err = c.FetchCatalog(ctx)
		cancel()
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Fetch failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch catalog after retries")
	}

	want := catalog.MustBuiltin()
	if db.Len() != want.Len() {
		log.Fatal().Int("got", db.Len()).Int("want", want.Len()).Msg("Entry count mismatch")
	}
	for _, e := range want.Entries() {
		got, err := db.Lookup(e.Family, e.Precision)
		if err != nil {
			log.Fatal().Err(err).Str("key", e.Key().String()).Msg("Missing entry")
		}
		if len(got.Rules) != len(e.Rules) {
			log.Fatal().Str("key", e.Key().String()).Msg("Rule count mismatch")
		}
	}
	log.Info().Int("entries", db.Len()).Msg("Remote catalog matches built-in catalog")
}
