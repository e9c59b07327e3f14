// Command streamstore runs the stream store as an HTTP service, applies its
// schema as a one-off, or exports/imports snapshots. The teardown subcommand
// only logs a warning; it does not drop the schema. Adapted from the teacher's
// cmd/messagedb/main.go flag+env wiring and fasthttp server setup.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/streamstore/streamstore"
	"github.com/streamstore/streamstore/internal/httpapi"
	"github.com/streamstore/streamstore/internal/logging"
	"github.com/streamstore/streamstore/internal/snapshot"
	"github.com/streamstore/streamstore/internal/storagepg"
	"github.com/streamstore/streamstore/internal/storagesqlite"
)

const (
	version         = "0.1.0"
	defaultPort     = 8080
	shutdownTimeout = 10 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: streamstore <setup|teardown|serve|export|import> [flags]")
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "setup":
		runSetup(args)
	case "teardown":
		runTeardown(args)
	case "serve":
		runServe(args)
	case "export":
		runExport(args)
	case "import":
		runImport(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q: expected setup, teardown, serve, export, or import\n", cmd)
		os.Exit(2)
	}
}

func dbURLFlag(fs *flag.FlagSet) *string {
	return fs.String("db-url", envOr("STREAMSTORE_DB_URL", ""), "database URL (postgres://... or sqlite://path.db), env STREAMSTORE_DB_URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openDriver dials the Storage Driver named by dbURL's scheme. Opening
// either driver applies pending migrations, so setup/serve/export/import all
// share this path.
func openDriver(ctx context.Context, dbURL string) (streamstore.Driver, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("--db-url is required (or set STREAMSTORE_DB_URL)")
	}
	u, err := url.Parse(dbURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database URL: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return storagepg.New(ctx, dbURL)
	case "sqlite":
		path := strings.TrimPrefix(dbURL, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite URL must name a file, e.g. sqlite://streamstore.db")
		}
		return storagesqlite.New(path + "?_pragma=busy_timeout(5000)")
	default:
		return nil, fmt.Errorf("unsupported database scheme %q (use postgres:// or sqlite://)", u.Scheme)
	}
}

func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	dbURL := dbURLFlag(fs)
	fs.Parse(args)

	logging.Initialize("info", "console")
	driver, err := openDriver(context.Background(), *dbURL)
	if err != nil {
		logging.Get().Fatal().Err(err).Msg("setup failed")
	}
	defer driver.Close()
	logging.Get().Info().Msg("schema is up to date")
}

func runTeardown(args []string) {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	dbURL := dbURLFlag(fs)
	fs.Parse(args)

	logging.Initialize("info", "console")
	logging.Get().Warn().Str("db_url", *dbURL).Msg("teardown is not automated: drop the database/file by hand")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbURL := dbURLFlag(fs)
	port := fs.Int("port", defaultPort, "HTTP server port")
	logLevel := fs.String("log-level", envOr("STREAMSTORE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", envOr("STREAMSTORE_LOG_FORMAT", "console"), "log format (json, console)")
	pollMillis := fs.Int("poll-interval-ms", 500, "polling notifier interval in milliseconds (ignored for postgres, which uses LISTEN/NOTIFY)")
	fs.Parse(args)

	logging.Initialize(*logLevel, *logFormat)
	log := logging.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := openDriver(ctx, *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage driver")
	}

	opts := []streamstore.Option{streamstore.WithLogger(*log)}
	if strings.HasPrefix(*dbURL, "postgres") {
		opts = append(opts,
			streamstore.WithNotifier(streamstore.NotifierConfig{Type: streamstore.NotifierPGNotify}),
			streamstore.WithPGNotifyDialer(storagepg.Dialer(*dbURL)),
		)
	} else {
		opts = append(opts, streamstore.WithNotifier(streamstore.NotifierConfig{
			Type:            streamstore.NotifierPoll,
			PollingInterval: *pollMillis,
		}))
	}

	store := streamstore.New(driver, opts...)
	defer store.Dispose()

	handler := httpapi.New(store, *log)
	requestHandler := buildRouter(handler)

	server := &fasthttp.Server{
		Handler:            requestHandler,
		Name:               "streamstore/" + version,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: 4 * 1024 * 1024,
	}

	addr := fmt.Sprintf(":%d", *port)
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Str("version", version).Msg("streamstore server starting")
		serverErrors <- server.ListenAndServe(addr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		if err := server.Shutdown(); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		log.Info().Msg("server stopped")
	}
}

func runExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbURL := dbURLFlag(fs)
	output := fs.String("output", "", "output file path (default: stdout)")
	fs.Parse(args)

	logging.Initialize("info", "console")
	log := logging.Get()

	ctx := context.Background()
	driver, err := openDriver(ctx, *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("export failed")
	}
	store := streamstore.New(driver)
	defer store.Dispose()

	out := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create output file")
		}
		defer f.Close()
		out = f
	}

	err = snapshot.Export(ctx, store, out, func(exported int64) {
		fmt.Fprintf(os.Stderr, "\rexported %d messages...", exported)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("export failed")
	}
	fmt.Fprintln(os.Stderr, "\rexport complete")
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbURL := dbURLFlag(fs)
	input := fs.String("input", "", "input file path (required)")
	fs.Parse(args)

	logging.Initialize("info", "console")
	log := logging.Get()

	if *input == "" {
		log.Fatal().Msg("--input is required")
	}

	ctx := context.Background()
	driver, err := openDriver(ctx, *dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("import failed")
	}
	store := streamstore.New(driver)
	defer store.Dispose()

	f, err := os.Open(*input)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open input file")
	}
	defer f.Close()

	err = snapshot.Import(ctx, store, f, func(imported int64) {
		fmt.Fprintf(os.Stderr, "\rimported %d messages...", imported)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("import failed")
	}
	fmt.Fprintln(os.Stderr, "\rimport complete")
}

// buildRouter dispatches by method and path prefix. Kept as a plain switch,
// matching the teacher's cmd/messagedb/main.go rather than pulling in a
// router dependency for a handful of routes.
func buildRouter(h *httpapi.Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())

		switch {
		case path == "/health":
			h.Health(ctx)

		case path == "/messages" && ctx.IsGet():
			h.ReadAll(ctx)

		case path == "/subscribe" && ctx.IsGet():
			h.Subscribe(ctx)

		case strings.HasPrefix(path, "/streams/") && strings.HasSuffix(path, "/messages"):
			streamID := strings.TrimSuffix(strings.TrimPrefix(path, "/streams/"), "/messages")
			ctx.SetUserValue("streamId", streamID)
			if ctx.IsPost() {
				h.AppendToStream(ctx)
			} else {
				h.ReadStream(ctx)
			}

		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetContentType("application/json")
			fmt.Fprint(ctx, `{"error":{"code":"NOT_FOUND","message":"endpoint not found"}}`)
		}
	}
}
