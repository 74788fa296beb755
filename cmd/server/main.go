package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/nexusengine/wrapper/internal/app"
	"github.com/nexusengine/wrapper/internal/bundle"
	"github.com/nexusengine/wrapper/internal/catalog"
	"github.com/nexusengine/wrapper/internal/server"
)

func main() {
	run := func() int {
		ctx := context.Background()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		logLevel := slog.LevelInfo
		if cfg.Development {
			logLevel = slog.LevelDebug
		}
		log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(log)

		db, err := app.NewPostgresPool(ctx, cfg.postgresDSN())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		defer db.Close()

		var store bundle.Store
		if cfg.S3URL != "" {
			s3Client := app.NewS3Client(cfg.S3URL)
			store = bundle.NewS3Store(s3Client, app.S3BucketName)
		} else {
			store = bundle.NewFSStore(cfg.artifactDir())
		}

		var events bundle.EventPublisher
		if cfg.AMQPURL != "" {
			events = bundle.NewAMQPPublisher(cfg.AMQPURL)
		}

		var jwtVerificationKey ed25519.PublicKey
		if cfg.JWTVerificationKeyFile != "" {
			jwtVerificationKey, err = readFileWithED25519PublicKey(cfg.JWTVerificationKeyFile)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
		}

		components := catalog.NewPostgres(db)
		orchestrator := &bundle.Orchestrator{
			Ledger:           bundle.NewPostgresLedger(db),
			Assembler:        &bundle.Assembler{Catalog: components, Selections: components},
			Compiler:         &bundle.Invoker{Store: store, Bin: cfg.ToolchainBin, SourceDir: cfg.SourceDir},
			Store:            store,
			Events:           events,
			ToolchainVersion: cfg.toolchainVersion(),
			OutputTarget:     cfg.OutputTarget,
			MaxBuildDuration: cfg.MaxBuildDuration,
			MaxConcurrent:    cfg.MaxConcurrentBuilds,
			BuildTTL:         cfg.BuildTTL,
		}

		go func() {
			err := orchestrator.RunSweeper(ctx, cfg.sweepInterval())
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sweeper stopped", "err", err)
			}
		}()

		srv := server.New(&cfg.Server, log, orchestrator, components, jwtVerificationKey)

		log.Info("starting server", "addr", srv.Addr)
		err = srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		return 0
	}
	os.Exit(run())
}
