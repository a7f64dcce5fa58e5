package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/scenerelay/codegen"
	"github.com/guseggert/scenerelay/docsearch"
	"github.com/guseggert/scenerelay/importer"
	"github.com/guseggert/scenerelay/internal/files"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/internal/peertest"
	"github.com/guseggert/scenerelay/peer"
	"github.com/guseggert/scenerelay/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "scenerelay",
		Usage: "relays commands from web clients to a running Blender instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Logger preset to use. One of [dev,prod].",
				Value: "dev",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level.",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			fakePeerCommand,
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the relay",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP and WebSocket server to listen on.",
			Value:   "0.0.0.0:8000",
			EnvVars: []string{"SCENERELAY_LISTEN_ADDR"},
		},
		&cli.StringSliceFlag{
			Name:    "allowed-origins",
			Usage:   "Browser origins allowed to connect. \"*\" allows any.",
			Value:   cli.NewStringSlice("*"),
			EnvVars: []string{"CORS_ORIGINS"},
		},
		&cli.StringFlag{
			Name:    "peer-url",
			Usage:   "WebSocket URL of the Blender execution peer.",
			Value:   "ws://localhost:9876",
			EnvVars: []string{"BLENDER_WS_URL"},
		},
		&cli.IntFlag{
			Name:  "connect-attempts",
			Usage: "Attempts to open the peer connection before giving up.",
			Value: 3,
		},
		&cli.DurationFlag{
			Name:  "connect-backoff",
			Usage: "Delay between peer connection attempts.",
			Value: 2 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "dial-timeout",
			Usage: "Timeout for a single peer connection attempt.",
			Value: 10 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "call-timeout",
			Usage: "Timeout waiting for the peer to reply to a command. Zero waits forever.",
			Value: 30 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "broadcast-timeout",
			Usage: "Timeout for delivering a broadcast to one client.",
			Value: 5 * time.Second,
		},
		&cli.IntFlag{
			Name:  "history-limit",
			Usage: "Number of commands kept in the command history. Zero keeps all.",
			Value: 1000,
		},
		&cli.StringFlag{
			Name:    "ollama-url",
			Usage:   "Chat endpoint of the Ollama server used for code generation. Empty disables generation.",
			Value:   "http://localhost:11434/api/chat",
			EnvVars: []string{"OLLAMA_API_URL"},
		},
		&cli.StringFlag{
			Name:    "ollama-model",
			Usage:   "Model used for code generation.",
			Value:   "mistral:latest",
			EnvVars: []string{"OLLAMA_MODEL"},
		},
		&cli.StringFlag{
			Name:    "docs-file",
			Usage:   "API documentation index. Defaults to the nearest " + docsearch.DefaultFile + " above the working directory.",
			EnvVars: []string{"SCENERELAY_DOCS_FILE"},
		},
		&cli.StringFlag{
			Name:  "import-dir",
			Usage: "Directory where imported files are staged for the peer. Defaults to the system temp dir.",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := buildLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		docsFile := ctx.String("docs-file")
		if docsFile == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting working dir: %w", err)
			}
			docsFile, err = files.FindUp(docsearch.DefaultFile, wd)
			if err != nil {
				return fmt.Errorf("finding docs index: %w", err)
			}
		}
		index, err := docsearch.Load(docsFile)
		if err != nil {
			return err
		}
		logger.Infow("loaded API docs", "File", docsFile, "Documents", index.Len())

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mt := metrics.New(reg)

		manager := peer.NewManager(ctx.String("peer-url"),
			peer.WithLogger(logger),
			peer.WithMetrics(mt),
			peer.WithRetryPolicy(peer.RetryPolicy{
				MaxAttempts: ctx.Int("connect-attempts"),
				Backoff:     ctx.Duration("connect-backoff"),
			}),
			peer.WithDialTimeout(ctx.Duration("dial-timeout")),
			peer.WithCallTimeout(ctx.Duration("call-timeout")),
		)

		opts := []relay.Option{
			relay.WithLogger(logger),
			relay.WithListenAddr(ctx.String("listen-addr")),
			relay.WithAllowedOrigins(ctx.StringSlice("allowed-origins")...),
			relay.WithBroadcastTimeout(ctx.Duration("broadcast-timeout")),
			relay.WithHistoryLimit(ctx.Int("history-limit")),
			relay.WithMetrics(reg, mt),
			relay.WithDocSearcher(index),
			relay.WithFileImporter(importer.New(
				importer.WithLogger(logger),
				importer.WithTempDir(ctx.String("import-dir")),
			)),
		}
		if u := ctx.String("ollama-url"); u != "" {
			opts = append(opts, relay.WithCodeGenerator(codegen.New(u,
				codegen.WithLogger(logger),
				codegen.WithModel(ctx.String("ollama-model")),
				codegen.WithSearcher(index),
			)))
		}
		server := relay.New(manager, opts...)

		return runUntilSignal(ctx.Context, logger, server.Run, server.Stop)
	},
}

var fakePeerCommand = &cli.Command{
	Name:  "fakepeer",
	Usage: "run a stand-in execution peer with an in-memory scene, for development without Blender",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the peer to listen on.",
			Value: "localhost:9876",
		},
		&cli.DurationFlag{
			Name:  "delay",
			Usage: "Artificial delay before every reply.",
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := buildLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		l, err := net.Listen("tcp", ctx.String("listen-addr"))
		if err != nil {
			return fmt.Errorf("listening TCP: %w", err)
		}
		p := peertest.New(nil, peertest.WithLogger(logger), peertest.WithDelay(ctx.Duration("delay")))
		server := &http.Server{Handler: p}
		logger.Infow("fake peer listening", "Addr", l.Addr().String())

		return runUntilSignal(ctx.Context, logger,
			func() error {
				err := server.Serve(l)
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			},
			func() error {
				p.CloseConnections()
				return server.Close()
			},
		)
	},
}

func buildLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	switch f := ctx.String("log-format"); f {
	case "dev":
		l, err = zap.NewDevelopment()
	case "prod":
		l, err = zap.NewProduction()
	default:
		return nil, fmt.Errorf("unsupported log-format %q", f)
	}
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	return l.WithOptions(zap.IncreaseLevel(level)).Sugar(), nil
}

// runUntilSignal runs run until it returns or SIGINT/SIGTERM arrives, in which case stop is called
// and run is waited for.
func runUntilSignal(ctx context.Context, log *zap.SugaredLogger, run func() error, stop func() error) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- run() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	if err := stop(); err != nil {
		log.Warnw("error during shutdown", "Error", err)
	}
	return <-errc
}
