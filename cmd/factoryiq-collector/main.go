package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/observability"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/adapters/spool"
	"github.com/Dmitriy6778/FactoryIQ-sub000/pkg/factoryiq"
)

const defaultConfig = "./configs/factoryiq.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stderr)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "path to collector configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := factoryiq.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	rt, err := factoryiq.NewRuntime(cfg, factoryiq.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := factoryiq.LoadConfig(*cfgPath)
				if err != nil {
					logger.Error("reload rejected", "path", *cfgPath, "error", err)
					continue
				}
				if err := rt.Reload(next); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	logger.Info("collector starting",
		"config", *cfgPath,
		"servers", len(cfg.Servers),
		"driver", cfg.Database.Driver,
		"metrics", cfg.Metrics.Addr)
	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := factoryiq.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	tags := 0
	for _, srv := range cfg.Servers {
		tags += len(srv.Tags)
	}
	fmt.Printf("config %s ok: %d servers, %d tags, store %s\n", *cfgPath, len(cfg.Servers), tags, cfg.Database.Driver)
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", defaultConfig, "configuration file naming the spool directory")
	url := fs.String("url", "", "health endpoint of a running collector, e.g. http://localhost:9108/healthz")
	interval := fs.Duration("interval", 0, "refresh interval; 0 prints once")
	if err := fs.Parse(args); err != nil {
		return err
	}

	show := func() error {
		if *url != "" {
			return printHealth(*url)
		}
		return printSpoolStats(*cfgPath)
	}
	if *interval <= 0 {
		return show()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := show(); err != nil {
			fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var h factoryiq.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	fmt.Printf("[%s] healthy=%t queue=%d spool_files=%d spool_bytes=%d\n",
		time.Now().Format(time.RFC3339), h.Healthy, h.QueueLength, h.Spool.Files, h.Spool.SizeBytes)
	for _, s := range h.Servers {
		fmt.Printf("  %-20s %-12s reconnects=%d %s\n", s.Server, s.State, s.Reconnects, s.LastError)
	}
	return nil
}

func printSpoolStats(cfgPath string) error {
	cfg, err := factoryiq.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	sp, err := spool.NewFileSpool(spool.Options{
		Dir:         cfg.Spool.Dir,
		Compression: cfg.Spool.Compression,
		Obs:         observability.NewNop(),
	})
	if err != nil {
		return err
	}
	defer sp.Close()

	st := sp.Stats()
	fmt.Printf("spool %s: files=%d bytes=%d oldest=%d latest=%d\n",
		cfg.Spool.Dir, st.Files, st.SizeBytes, st.OldestSeq, st.LatestSeq)
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `FactoryIQ OPC UA collector

Usage:
  factoryiq-collector <command> [flags]

Commands:
  run        Start the collector using the provided config
  validate   Load and validate a config file without starting the collector
  stats      Print spool statistics, or poll a running collector's /healthz

Examples:
  factoryiq-collector run -c ./configs/factoryiq.yaml
  factoryiq-collector validate -c ./configs/factoryiq.yaml
  factoryiq-collector stats --url http://localhost:9108/healthz --interval 2s
`)
}
