package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"depthbook/internal/binance"
	"depthbook/internal/config"
	"depthbook/internal/feed"
	"depthbook/internal/logging"
	"depthbook/internal/metrics"
	"depthbook/internal/orderbook"
	"depthbook/internal/publish"
	"depthbook/internal/server"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	book := metrics.NewBook()
	reg := metrics.Init(book, logger)

	market := cfg.MarketKind()
	if market != binance.ParseMarket(cfg.Market) {
		logger.Warn().Str("configured", cfg.Market).Str("venue", cfg.Binance.Venue).
			Msg("venue has no futures market, using spot")
	}
	source := binance.NewDepthStream(cfg.Binance, market, logger)
	fetcher := binance.NewSnapshotClient(cfg.Binance, market, nil, logger)

	var listeners []orderbook.Listener
	if cfg.NATS.Enabled {
		nc, err := publish.Connect(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Drain()
		listeners = append(listeners, publish.NewTopOfBook(nc, cfg.NATS.Subject, cfg.Symbol, logger))
		logger.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("publishing top of book")
	}

	f := feed.New(cfg.Symbol, source, fetcher, feed.Options{
		SnapshotLimit:  cfg.SnapshotLimit,
		BufferCapacity: cfg.BufferCapacity,
		MinBackoff:     cfg.Feed.MinBackoff,
		MaxBackoff:     cfg.Feed.MaxBackoff,
		StallThreshold: cfg.Feed.StallThreshold,
		Metrics:        book,
		Listeners:      listeners,
	}, logger)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	logger.Info().Str("url", "http://"+ln.Addr().String()).
		Str("market", string(market)).Msg("serving")

	httpServer := &http.Server{
		Handler:           loggingMiddleware(logger, server.New(f, metrics.Handler(reg), logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	feedDone := make(chan error, 1)
	go func() { feedDone <- f.Run(ctx) }()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = httpServer.Shutdown(shutdownCtx)
	if ferr := <-feedDone; ferr != nil && !errors.Is(ferr, context.Canceled) {
		return ferr
	}
	return err
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	return lw.ResponseWriter.Write(b)
}

func (lw *loggingResponseWriter) Flush() {
	if fl, ok := lw.ResponseWriter.(http.Flusher); ok {
		fl.Flush()
	}
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := lw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lrw, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", lrw.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}
