// Command modi-graph prints the module graph of a demo modi application, or
// serves the application over HTTP.
//
//	modi-graph --format dot | dot -Tsvg > graph.svg
//	modi-graph --serve :8080
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/junioryono/modi"
	modichi "github.com/junioryono/modi/chi"
	"github.com/junioryono/modi/config"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "modi-graph:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("modi-graph", pflag.ContinueOnError)
	format := fs.StringP("format", "f", "text", "output format: text, dot, json, yaml or adjacency")
	configPath := fs.StringP("config", "c", "", "configuration file (default: modi.yaml if present)")
	envFiles := fs.StringSlice("env-file", nil, "env files loaded before the configuration")
	dsn := fs.String("dsn", DefaultDSN, "DSN of the demo database module")
	addr := fs.String("serve", "", "serve the demo application on this address instead of printing its graph")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath, *envFiles...)
	if err != nil {
		return err
	}

	root := demoModule(*dsn)
	if *addr != "" {
		return serve(ctx, root, cfg, *addr)
	}

	dg, err := modi.BuildGraph(root,
		modi.WithDepthThreshold(cfg.Analyzer.MaxDepth),
		modi.WithProviderThreshold(cfg.Analyzer.MaxProviders),
	)
	if err != nil {
		return err
	}

	return write(stdout, dg, *format)
}

func write(w io.Writer, dg *modi.DependencyGraph, format string) error {
	switch format {
	case "text":
		return dg.WriteText(w)
	case "dot":
		_, err := io.WriteString(w, dg.ToDOT())
		return err
	case "adjacency":
		return dg.WriteAdjacencyList(w)
	case "json":
		data, err := dg.ToJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case "yaml":
		data, err := dg.ToYAML()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func serve(ctx context.Context, root *modi.Module, cfg *config.Config, addr string) error {
	app, err := modi.New(root, modi.WithConfig(cfg))
	if err != nil {
		return err
	}
	if err := app.Init(ctx); err != nil {
		return err
	}

	router, err := modichi.NewRouter(ctx, app, root)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.OnClose(srv.Shutdown)

	return app.Run(ctx, func(context.Context) error {
		app.Logger().Info("listening", zap.String("addr", addr))
		return srv.ListenAndServe()
	})
}
