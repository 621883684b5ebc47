// Command storeprobe runs browser scenarios against a storefront and reports
// one outcome per scenario.
//
// Usage:
//
//	storeprobe -config storeprobe.yaml                 # run every scenario
//	storeprobe -config storeprobe.yaml -scenario tag:smoke,login-customer
//	storeprobe -demo 127.0.0.1:4173 -driver http       # bundled demo store and catalog
//	storeprobe -config storeprobe.yaml -history        # print recent runs and exit
//	storeprobe -config storeprobe.yaml -mcp            # serve the MCP tools on stdio
//
// The exit status is 1 when any scenario fails.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/storeprobe/internal/demostore"
	"github.com/hazyhaar/storeprobe/runlog"
	"github.com/hazyhaar/storeprobe/suite"
)

var errScenariosFailed = errors.New("one or more scenarios failed")

type options struct {
	configPath string
	scenarios  string
	driver     string
	parallel   int
	dbPath     string
	history    bool
	demoAddr   string
	mcp        bool
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to storeprobe.yaml")
	flag.StringVar(&o.scenarios, "scenario", "", "comma-separated scenario IDs or tag:<name> selectors (default: all)")
	flag.StringVar(&o.driver, "driver", "", "driver override: rod or http")
	flag.IntVar(&o.parallel, "parallel", 0, "max scenarios run at once (overrides config)")
	flag.StringVar(&o.dbPath, "db", "", "run history database (overrides history.db_path)")
	flag.BoolVar(&o.history, "history", false, "print recent runs from the history database and exit")
	flag.StringVar(&o.demoAddr, "demo", "", "start the demo store on this address and target it")
	flag.BoolVar(&o.mcp, "mcp", false, "serve the storeprobe MCP tools on stdio instead of running")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		if errors.Is(err, errScenariosFailed) {
			os.Exit(1)
		}
		logger.Error("storeprobe: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	if o.demoAddr != "" {
		baseURL, shutdown, err := startDemo(logger, o.demoAddr)
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.BaseURL = baseURL
	}
	if cfg.BaseURL == "" && !o.history {
		fmt.Fprintln(os.Stderr, "usage: storeprobe -config <file> | -demo <addr> [-scenario ids] [-driver rod|http] [-mcp]")
		return errors.New("no base_url: set it in the config or use -demo")
	}

	var history *runlog.Store
	if cfg.History.DBPath != "" {
		history, err = runlog.Open(cfg.History.DBPath, runlog.WithLogger(logger))
		if err != nil {
			return err
		}
		defer history.Close()
		if n, err := history.Cleanup(ctx, cfg.History.RetentionDays); err != nil {
			logger.Warn("storeprobe: history cleanup", "error", err)
		} else if n > 0 {
			logger.Info("storeprobe: history cleanup", "deleted", n)
		}
	}

	if o.history {
		return printHistory(ctx, history)
	}

	sink := suite.NewStdout(nil)
	s, err := suite.New(cfg, suite.Options{History: history, Sink: sink, Logger: logger})
	if err != nil {
		return err
	}

	if o.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "storeprobe", Version: "0.1.0"}, nil)
		s.RegisterMCP(srv)
		logger.Info("storeprobe: serving MCP on stdio", "scenarios", len(s.Scenarios()))
		return srv.Run(ctx, &mcp.StdioTransport{})
	}

	rep, err := s.Run(ctx, selectors(o.scenarios)...)
	if err != nil {
		return err
	}
	if !rep.OK() {
		return errScenariosFailed
	}
	return nil
}

// loadConfig reads -config, or falls back to the demo catalog with -demo,
// then applies flag overrides.
func loadConfig(o options) (*suite.Config, error) {
	var (
		cfg *suite.Config
		err error
	)
	switch {
	case o.configPath != "":
		if cfg, err = suite.LoadConfigFile(o.configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case o.demoAddr != "":
		if cfg, err = suite.ParseConfig(nil); err != nil {
			return nil, err
		}
		if err := cfg.AddCatalogData("demo", demostore.Catalog); err != nil {
			return nil, err
		}
	default:
		if cfg, err = suite.ParseConfig(nil); err != nil {
			return nil, err
		}
	}

	if o.driver != "" {
		cfg.Driver.Kind = o.driver
	}
	if o.parallel > 0 {
		cfg.Parallel = o.parallel
	}
	if o.dbPath != "" {
		cfg.History.DBPath = o.dbPath
	}
	return cfg, nil
}

// startDemo serves the demo store on addr and returns its base URL.
func startDemo(logger *slog.Logger, addr string) (string, func(), error) {
	store, err := demostore.New(demostore.Options{SeedOrders: true, Logger: logger})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("demo listen: %w", err)
	}
	srv := &http.Server{Handler: store.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("storeprobe: demo store", "error", err)
		}
	}()
	baseURL := "http://" + ln.Addr().String()
	logger.Info("storeprobe: demo store listening", "url", baseURL)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return baseURL, shutdown, nil
}

func printHistory(ctx context.Context, history *runlog.Store) error {
	if history == nil {
		return errors.New("-history needs history.db_path or -db")
	}
	runs, err := history.Recent(ctx, runlog.Filter{})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func selectors(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
