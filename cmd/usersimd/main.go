// usersimd judges application runs continuously. Metrics documents flow
// in from the configured sources, each one is perceived and judged on
// arrival, and the freshest verdict per observer/path pair is served
// over HTTP and gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	usersim "github.com/usersim/usersim-go"
	"github.com/usersim/usersim-go/bundle"
	"github.com/usersim/usersim-go/dsl"
	"github.com/usersim/usersim-go/eval"
	"github.com/usersim/usersim-go/observers/std"
	"github.com/usersim/usersim-go/perceive"
	"github.com/usersim/usersim-go/sources"

	_ "github.com/usersim/usersim-go/sources/amqp"
	_ "github.com/usersim/usersim-go/sources/file"
	_ "github.com/usersim/usersim-go/sources/kafka"
	_ "github.com/usersim/usersim-go/sources/redisstream"
	_ "github.com/usersim/usersim-go/sources/s3"
	_ "github.com/usersim/usersim-go/sources/sqlsrc"
)

var (
	// Configuration flags
	configPath     = flag.String("config", "", "Path to YAML/JSON daemon config")
	observerDir    = flag.String("observer-dir", "", "Directory of .osim observer packs")
	stockPacks     = flag.String("packs", "", "Stock observer packs to register (comma-separated)")
	ociRef         = flag.String("oci-ref", "", "OCI reference for an observer pack (e.g. ghcr.io/acme/observers:v1)")
	reloadInterval = flag.Duration("reload-interval", 30*time.Second, "Interval for observer pack hot-reloading (0 to disable)")
	mappingsFile   = flag.String("mappings", "", "Perception mapping file for incoming metrics documents")

	// Judgement flags
	backendName = flag.String("backend", "auto", "Judgement backend (auto, engine, walker)")
	crossCheck  = flag.Bool("cross-check", false, "Judge on both backends and treat disagreement as fatal")

	// Source flags
	watchDir = flag.String("watch", "", "Drop directory to watch for documents (shorthand for a file source)")

	// Server flags
	httpAddr    = flag.String("http-addr", ":8080", "HTTP server address")
	grpcAddr    = flag.String("grpc-addr", "", "gRPC server address (empty to disable)")
	ingestToken = flag.String("ingest-token", "", "Bearer token required on POST /ingest (empty to disable auth)")

	// Debug flags
	verbose = flag.Bool("verbose", false, "Enable verbose logging")
)

// pullDir is where OCI observer packs are extracted.
const pullDir = "./packs"

func main() {
	flag.Parse()

	setFlags := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	var srcConfigs []sources.Config
	if strings.TrimSpace(*configPath) != "" {
		cfg, err := loadRuntimeConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		if err := applyRuntimeConfig(cfg, filepath.Dir(*configPath), setFlags); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying config: %v\n", err)
			os.Exit(1)
		}
		srcConfigs = cfg.Sources
	}
	if *watchDir != "" {
		srcConfigs = append(srcConfigs, sources.Config{
			SourceID: "watch",
			Type:     "file",
			Options:  map[string]any{"dir": *watchDir, "replay": true},
		})
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	// Sources log through the default logger.
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	registry, pack, err := loadObservers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading observers: %v\n", err)
		os.Exit(1)
	}
	if registry.Len() == 0 {
		fmt.Fprintln(os.Stderr, "No observers loaded: use -observer-dir, -packs or -oci-ref")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var perceiver *perceive.Perceiver
	if *mappingsFile != "" {
		perceiver, err = perceive.Load(*mappingsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading perception mappings: %v\n", err)
			os.Exit(1)
		}
	}

	evaluator, err := eval.New(eval.Options{
		Backend:    eval.BackendKind(*backendName),
		CrossCheck: *crossCheck,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	docCh := make(chan *sources.TypedDoc, 64)
	state := newServerState(registry, pack, perceiver, evaluator, logger)
	state.docCh = docCh
	state.ingestToken = *ingestToken

	var wg sync.WaitGroup

	var running []sources.Source
	for _, sc := range srcConfigs {
		src, err := sources.New(sc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building source %s: %v\n", sc.SourceID, err)
			os.Exit(1)
		}
		if err := src.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting source %s: %v\n", sc.SourceID, err)
			os.Exit(1)
		}
		ch, err := src.Subscribe(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error subscribing to source %s: %v\n", sc.SourceID, err)
			os.Exit(1)
		}
		running = append(running, src)
		state.sourceMeta = append(state.sourceMeta, src.Metadata())

		wg.Add(1)
		go func(ch <-chan *sources.TypedDoc) {
			defer wg.Done()
			for doc := range ch {
				select {
				case docCh <- doc:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		startHTTPServer(ctx, *httpAddr, state, logger)
	}()

	if *grpcAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			startGRPCServer(ctx, *grpcAddr, state, logger)
		}()
	}

	if *ociRef != "" && *reloadInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*reloadInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fresh, newPack, err := loadObservers()
					if err != nil {
						logger.Warn("observer pack reload failed", "ref", *ociRef, "error", err)
						continue
					}
					current := state.Pack()
					if current != nil && newPack != nil && current.PackHash == newPack.PackHash {
						continue
					}
					state.SetPack(fresh, newPack)
					logger.Info("observer pack reloaded",
						"name", newPack.Name,
						"version", newPack.Version,
						"pack_hash", newPack.PackHash)
				}
			}
		}()
	}

	logger.Info("daemon ready",
		"observers", registry.Len(),
		"backend", evaluator.BackendName(),
		"sources", len(running))

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping sources")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			for _, src := range running {
				if err := src.Stop(stopCtx); err != nil {
					logger.Warn("source stop failed", "source_id", src.Metadata().SourceID, "error", err)
				}
			}
			stopCancel()
			wg.Wait()
			return
		case doc := <-docCh:
			if _, err := state.Process(ctx, doc); err != nil {
				var dis *eval.DisagreementError
				if errors.As(err, &dis) {
					logger.Error("backend disagreement", "source_id", doc.SourceID, "path", doc.Path, "error", err)
				} else {
					logger.Warn("document rejected", "source_id", doc.SourceID, "path", doc.Path, "error", err)
				}
			}
		}
	}
}

// loadObservers assembles the registry from stock packs, a local
// directory, and a pulled OCI pack, in that order. The pack manifest is
// returned when an OCI reference is configured so status and reloads can
// track the pack hash.
func loadObservers() (*usersim.Registry, *bundle.Bundle, error) {
	registry := usersim.NewRegistry()
	if *stockPacks != "" {
		if err := std.Register(registry, splitCommaList(*stockPacks)...); err != nil {
			return nil, nil, err
		}
	}
	if *observerDir != "" {
		if err := registerDir(registry, *observerDir); err != nil {
			return nil, nil, err
		}
	}
	var pack *bundle.Bundle
	if *ociRef != "" {
		var err error
		pack, err = bundle.NewPuller(pullDir).Pull(*ociRef)
		if err != nil {
			return nil, nil, err
		}
		if err := registerDir(registry, filepath.Join(pullDir, "observers")); err != nil {
			return nil, nil, err
		}
	}
	return registry, pack, nil
}

// registerDir parses every .osim file under dir into the registry.
func registerDir(registry *usersim.Registry, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.osim"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no .osim files under %s", dir)
	}
	for _, path := range matches {
		observers, err := dsl.ParseFile(path)
		if err != nil {
			return err
		}
		for _, obs := range observers {
			if err := registry.Register(obs); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		results = append(results, trimmed)
	}
	return results
}
