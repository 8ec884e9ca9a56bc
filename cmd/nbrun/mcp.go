package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	nbmcp "github.com/weatherman3/nbrun/internal/mcp"
	"github.com/weatherman3/nbrun/internal/report"
)

func newMCPCmd(a *app) *cobra.Command {
	var (
		httpAddr     string
		instructions bool
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server",
		Long: `Serve the nb_run, nb_inspect and nb_kernels tools over MCP, on stdio by
default or over streamable HTTP with --http.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if instructions {
				fmt.Fprint(cmd.OutOrStdout(), nbmcp.Instructions)
				return nil
			}
			return a.serve(cmd.Context(), httpAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	return cmd
}

func (a *app) serve(ctx context.Context, httpAddr string) error {
	cfg := a.loaded.Config
	m := a.kernelManager(cfg)

	// nb_inspect needs every run, so a store is kept even without runs.dir.
	store := report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(a.loaded.Resolve(cfg.Runs.Dir)))
	engine := a.newEngine(cfg, m, store)

	server := nbmcp.NewServer(engine, store,
		nbmcp.WithKernelManager(m),
		nbmcp.WithLogger(a.logger),
	)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr, a.logger)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string, logger *log.Logger) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	logger.Info("listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
