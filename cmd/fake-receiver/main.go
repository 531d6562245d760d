package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/signing"
	"github.com/austindbirch/harbor_relay/internal/worker"
)

// receiver is a webhook endpoint used to exercise the relay end to end. It
// verifies signatures, fails the first N requests and counts deliveries per
// event so duplicate deliveries are visible.
type receiver struct {
	cfg      config.FakeReceiver
	verifier *signing.Verifier
	logger   *logging.Logger

	mu       sync.Mutex
	requests int
	accepted int
	rejected int
	perEvent map[string]int
}

type stats struct {
	Requests   int            `json:"requests"`
	Accepted   int            `json:"accepted"`
	Rejected   int            `json:"rejected"`
	Duplicates int            `json:"duplicates"`
	PerEvent   map[string]int `json:"per_event"`
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusInternalServerError
	}
	return &receiver{
		cfg:      cfg,
		verifier: signing.NewVerifier(time.Duration(cfg.SigningLeewaySeconds) * time.Second),
		logger:   logger,
		perEvent: make(map[string]int),
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	eventID := r.Header.Get(worker.EventIDHeader)
	log := rc.logger.WithContext(r.Context()).
		WithEvent(eventID).
		WithDelivery(r.Header.Get(worker.DeliveryIDHeader)).
		WithField("attempt", r.Header.Get(worker.AttemptHeader))

	rc.mu.Lock()
	rc.requests++
	n := rc.requests
	rc.mu.Unlock()

	if rc.cfg.EndpointSecret != "" {
		if err := rc.verifier.Verify(rc.cfg.EndpointSecret, r.Header.Get(signing.TimestampHeader), b, r.Header.Get(signing.SignatureHeader)); err != nil {
			log.WithError(err).Warn("Rejected webhook with invalid signature")
			rc.mu.Lock()
			rc.rejected++
			rc.mu.Unlock()
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if d := rc.cfg.ResponseDelayMS; d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests fail
	if n <= rc.cfg.FailFirstN {
		log.WithFields(map[string]any{"request": n, "fail_first_n": rc.cfg.FailFirstN, "body": truncate(string(b), 160)}).
			Info("Failing webhook on purpose")
		if rc.cfg.FailStatus == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, "temporary failure", rc.cfg.FailStatus)
		return
	}

	rc.mu.Lock()
	rc.accepted++
	if eventID != "" {
		rc.perEvent[eventID]++
	}
	rc.mu.Unlock()

	log.WithField("body", truncate(string(b), 160)).Info("Accepted webhook")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rc.snapshot())
}

func (rc *receiver) snapshot() stats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := stats{
		Requests: rc.requests,
		Accepted: rc.accepted,
		Rejected: rc.rejected,
		PerEvent: make(map[string]int, len(rc.perEvent)),
	}
	for id, c := range rc.perEvent {
		s.PerEvent[id] = c
		if c > 1 {
			s.Duplicates += c - 1
		}
	}
	return s
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.Log.Level)
	if cfg.Log.Pretty {
		logging.UsePretty()
	}
	logger := logging.New("fake-receiver")

	rc := newReceiver(cfg.FakeReceiver, logger)
	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"verify":       cfg.FakeReceiver.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
