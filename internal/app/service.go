package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cryptobroker/internal/adapters/notifier"
	"cryptobroker/internal/matching"
	"cryptobroker/internal/ports"
	"cryptobroker/internal/pricefeed"
)

const shutdownGrace = 5 * time.Second

// BrokerService wires the long-running parts of the broker together: the
// price feed, the order matching loop and the optional websocket event
// feed. It owns their lifecycle and shuts them down together.
type BrokerService struct {
	logger  ports.Logger
	prices  *pricefeed.Service
	matcher *matching.Engine
	wsHub   *notifier.WSHub // nil when the websocket feed is disabled
	wsAddr  string
}

// Config holds dependencies for the broker service.
type Config struct {
	Logger       ports.Logger
	PriceFeed    *pricefeed.Service
	Matcher      *matching.Engine
	WSHub        *notifier.WSHub // optional
	WSListenAddr string          // required when WSHub is set
}

// NewBrokerService creates the application service instance.
func NewBrokerService(cfg Config) (*BrokerService, error) {
	if cfg.Logger == nil || cfg.PriceFeed == nil || cfg.Matcher == nil {
		return nil, fmt.Errorf("missing required dependencies for BrokerService")
	}
	if cfg.WSHub != nil && cfg.WSListenAddr == "" {
		return nil, fmt.Errorf("WSListenAddr is required when the websocket hub is enabled")
	}
	return &BrokerService{
		logger:  cfg.Logger,
		prices:  cfg.PriceFeed,
		matcher: cfg.Matcher,
		wsHub:   cfg.WSHub,
		wsAddr:  cfg.WSListenAddr,
	}, nil
}

// Start runs the broker until the context is cancelled or a shutdown
// signal arrives, then waits for the loops to drain.
func (s *BrokerService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting broker service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// Prime the price cache before the loops start so the first matching
	// pass sees live prices. Failure is not fatal: the feed keeps retrying
	// and the cache may already hold persisted quotes.
	if err := s.prices.Refresh(ctx); err != nil {
		s.logger.Warn(ctx, "Initial price refresh failed, starting with persisted prices", map[string]interface{}{
			"error": err.Error(),
		})
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.prices.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.matcher.Run(ctx)
	}()

	var httpSrv *http.Server
	httpErr := make(chan error, 1)
	if s.wsHub != nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.wsHub.Handler)
		httpSrv = &http.Server{Addr: s.wsAddr, Handler: mux}
		s.logger.Info(ctx, "Websocket event feed listening", map[string]interface{}{"addr": s.wsAddr})
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		s.logger.Error(ctx, err, "Websocket listener failed")
		runErr = fmt.Errorf("websocket listener: %w", err)
		cancel()
	}

	s.logger.Info(context.Background(), "Shutting down broker service")
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(context.Background(), "Websocket listener shutdown incomplete", map[string]interface{}{
				"error": err.Error(),
			})
		}
		shutdownCancel()
		s.wsHub.Close()
	}
	wg.Wait()

	s.logger.Info(context.Background(), "Broker service stopped")
	return runErr
}
