package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/rshade/rainbow-pricing/internal/transport"
)

var httpClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	},
}

func main() {
	config, err := parseConfig(os.Args[1:], log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, err := newSource(ctx, config)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open source")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := newServer(ctx, src, config, log.Logger, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	server := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
		<-signalChan

		// stop background page loads before draining requests
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
		close(shutdownDone)
	}()

	log.Info().Str("addr", config.ListenAddr).Msg("Starting pricing server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-shutdownDone
}

// newSource returns the source named by config.
func newSource(ctx context.Context, config *Config) (transport.Source, error) {
	switch {
	case config.S3.Bucket != "":
		client, err := transport.NewS3Client(ctx, config.S3)
		if err != nil {
			return nil, err
		}
		return transport.NewS3Source(client, config.S3), nil
	case config.BaseURL != "":
		return transport.NewHTTPSource(config.BaseURL, httpClient), nil
	default:
		return transport.FileSource{Dir: config.SourceDir}, nil
	}
}
