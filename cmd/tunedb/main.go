package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-tunedb/internal/catalog"
	"github.com/23skdu/longbow-tunedb/internal/client"
	"github.com/23skdu/longbow-tunedb/internal/device"
	"github.com/23skdu/longbow-tunedb/internal/kernel"
	"github.com/23skdu/longbow-tunedb/internal/tuning"
)

var (
	catalogDir    = flag.String("catalog", os.Getenv("TUNEDB_CATALOG"), "Directory of catalog YAML files (default: built-in catalog)")
	overridesPath = flag.String("overrides", os.Getenv("TUNEDB_OVERRIDES"), "YAML file of overrides applied at start-up")
	remoteAddr    = flag.String("remote", "", "Fetch the catalog from a tunedb Flight server (e.g. localhost:9090)")
	saveDir       = flag.String("save", "", "Write the loaded catalog as YAML files into this directory and exit")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxExports    = flag.Int("max-exports", 4, "Maximum number of concurrent Arrow exports")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	verbose       = flag.Bool("v", false, "Debug logging")

	family       = flag.String("family", "Xgemm", "Kernel family to resolve")
	precision    = flag.String("precision", "single", "Precision (half, single, double, complex-single, complex-double or 16/32/64/3232/6464)")
	deviceNames  = flag.String("device-name", "", "Comma-separated device names as reported by the driver")
	deviceVendor = flag.String("device-vendor", "", "Comma-separated device vendors")
	deviceType   = flag.String("device-type", "GPU", "Comma-separated device types (CPU, GPU, Accelerator)")
	deviceIndex  = flag.Int("device-index", 0, "Index of the device to resolve for")
	gemmSize     = flag.String("gemm", "", "Plan a GEMM of size MxNxK instead of resolving one family")
	defines      = flag.Bool("defines", false, "Print the parameters as #define lines")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	db, err := loadDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tuning catalog")
	}
	log.Info().Int("entries", db.Len()).Int("families", len(db.Families())).Msg("Tuning catalog loaded")

	if *saveDir != "" {
		if err := saveCatalog(*saveDir, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to save catalog")
		}
		log.Info().Str("dir", *saveDir).Msg("Catalog saved")
		return
	}

	resolver := tuning.NewResolver(db, tuning.WithLogger(log.Logger))
	if *overridesPath != "" {
		overrides, err := catalog.LoadOverrides(*overridesPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *overridesPath).Msg("Failed to load overrides")
		}
		catalog.ApplyOverrides(resolver, overrides)
		log.Info().Int("count", len(overrides)).Msg("Overrides applied")
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		if *listenAddr != "" {
			go startServer(*listenAddr, NewServer(resolver, *maxExports))
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, db)
			return
		}
		select {}
	}

	if err := resolveOnce(resolver); err != nil {
		log.Fatal().Err(err).Msg("Resolve failed")
	}
}

func loadDatabase() (*tuning.Database, error) {
	switch {
	case *remoteAddr != "":
		fc, err := client.NewFlightClient(*remoteAddr, client.WithClientLogger(log.Logger))
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return fc.FetchCatalog(ctx)
	case *catalogDir != "":
		return catalog.LoadDir(*catalogDir)
	default:
		return catalog.Builtin()
	}
}

func saveCatalog(dir string, db *tuning.Database) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries := db.Entries()
	for _, f := range db.Families() {
		path := filepath.Join(dir, strings.ToLower(f)+".yaml")
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := catalog.Encode(out, f, entries); err != nil {
			_ = out.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
	return nil
}

// commandLineDevices builds the device list from the comma-separated device
// flags. Vendor and type lists may be shorter than the name list; their last
// element is repeated.
func commandLineDevices(names, vendors, types string) (device.StaticQuerier, error) {
	nameList := strings.Split(names, ",")
	vendorList := strings.Split(vendors, ",")
	typeList := strings.Split(types, ",")

	q := make(device.StaticQuerier, 0, len(nameList))
	for i, name := range nameList {
		typ, err := device.ParseType(typeList[min(i, len(typeList)-1)])
		if err != nil {
			return nil, err
		}
		q = append(q, device.Descriptor{
			Name:   name,
			Vendor: vendorList[min(i, len(vendorList)-1)],
			Type:   typ,
		})
	}
	return q, nil
}

func parseGemmSize(s string) (m, n, k int, err error) {
	if _, err = fmt.Sscanf(s, "%dx%dx%d", &m, &n, &k); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid GEMM size %q, want MxNxK: %w", s, err)
	}
	return m, n, k, nil
}

func resolveOnce(resolver *tuning.Resolver) error {
	p, err := tuning.ParsePrecision(*precision)
	if err != nil {
		return err
	}
	q, err := commandLineDevices(*deviceNames, *deviceVendor, *deviceType)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := device.Select(ctx, q, *deviceIndex)
	if err != nil {
		return err
	}

	if *gemmSize != "" {
		m, n, k, err := parseGemmSize(*gemmSize)
		if err != nil {
			return err
		}
		cfg, err := kernel.SelectGemm(resolver, p, d, m, n, k)
		if err != nil {
			return err
		}
		log.Info().
			Str("device", d.String()).
			Bool("indirect", cfg.Indirect).
			Int("threshold", cfg.Threshold).
			Msg("GEMM plan")
		for _, f := range kernel.Families(cfg.Indirect) {
			printParameters(f, cfg.Params[f])
		}
		return nil
	}

	res, err := resolver.Explain(*family, p, d)
	if err != nil {
		return err
	}
	log.Info().
		Str("device", d.String()).
		Str("family", *family).
		Str("precision", p.String()).
		Str("tier", res.Tier.String()).
		Msg("Resolved")
	printParameters(*family, res.Parameters)
	return nil
}

func printParameters(family string, ps tuning.ParameterSet) {
	if *defines {
		fmt.Printf("// %s\n%s", family, kernel.Defines(ps))
		return
	}
	fmt.Printf("%s %s\n", family, ps)
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("tunedb"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
