// Burrowd - the Burrow host runtime daemon. Serves the websocket
// transport, dispatches client input to verbs, and keeps the world in
// the slot store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/burrow/config"
	"github.com/chazu/burrow/engine"
	"github.com/chazu/burrow/pkg/bytecode"
	"github.com/chazu/burrow/session"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configPath := flag.String("c", "", "Path to TOML config file (BURROW_* env vars override)")
	seedDir := flag.String("seed", "", "Directory of .bvrb verb binaries to bind on the system object at startup")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	verbosity := flag.Int("v", 0, "Log verbosity (0=errors and warnings, 1=info, 2=debug)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: burrowd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs the Burrow verb host: slot store, VM, and websocket sessions.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  burrowd                          # In-memory store on :7777\n")
		fmt.Fprintf(os.Stderr, "  burrowd -c burrow.toml -v 1      # Configured, info logging\n")
		fmt.Fprintf(os.Stderr, "  burrowd -seed ./world            # Bind world/*.bvrb as system verbs\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	log := commonlog.GetLogger("burrowd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	st, err := cfg.OpenStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	eng := engine.New(st, cfg.EngineOptions())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *seedDir != "" {
		verbs, err := loadSeedVerbs(*seedDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading seed verbs: %v\n", err)
			os.Exit(1)
		}
		if err := eng.Bootstrap(ctx, verbs); err != nil {
			fmt.Fprintf(os.Stderr, "Error bootstrapping: %v\n", err)
			os.Exit(1)
		}
		log.Infof("bound %d seed verbs from %s", len(verbs), *seedDir)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", session.WSHandler(eng.Dispatcher()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Noticef("listening on %s", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Notice("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %s", err.Error())
	}
	if err := eng.Dispatcher().Shutdown(shutdownCtx); err != nil {
		log.Errorf("session shutdown: %s", err.Error())
	}
}

// loadSeedVerbs reads every .bvrb file in dir and returns the decoded
// modules keyed by base filename, so world/receive.bvrb binds the
// system verb "receive".
func loadSeedVerbs(dir string) (map[string]*bytecode.Module, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	verbs := make(map[string]*bytecode.Module)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bvrb") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		m, err := bytecode.DeserializeModule(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		verbs[strings.TrimSuffix(e.Name(), ".bvrb")] = m
	}
	return verbs, nil
}
