package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/deixis/gitrun/internal/httpapi"
	gitmcp "github.com/deixis/gitrun/internal/mcp"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session and history over HTTP (JSON API plus MCP at /mcp)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			mgr := a.newManager(0)
			mcpServer := gitmcp.NewServer(mgr, a.store, gitmcp.WithLogger(a.logger))
			api := httpapi.New(mgr, a.store, a.logger, httpapi.WithMCPHandler(streamableHandler(mcpServer)))
			return listen(ctx, a.logger, addr, api, mgr.Stop)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func newMCPCmd(a *app) *cobra.Command {
	var (
		httpAddr     string
		instructions bool
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio, or on HTTP with --http",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if instructions {
				fmt.Fprint(cmd.OutOrStdout(), gitmcp.Instructions)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			mgr := a.newManager(0)
			server := gitmcp.NewServer(mgr, a.store, gitmcp.WithLogger(a.logger))
			if httpAddr != "" {
				return listen(ctx, a.logger, httpAddr, streamableHandler(server), mgr.Stop)
			}
			defer mgr.Stop()
			return server.Run(ctx, &mcpsdk.StdioTransport{})
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	cmd.Flags().BoolVar(&instructions, "instructions", false, "print model instructions and exit")
	return cmd
}

func streamableHandler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)
}

// listen serves handler on addr until ctx is done. A run still in flight at
// shutdown is stopped so that it is recorded.
func listen(ctx context.Context, logger *zap.Logger, addr string, handler http.Handler, stopRun func() bool) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", zap.String("addr", addr))
	err := httpServer.ListenAndServe()
	if stopRun() {
		logger.Info("stopped run in flight at shutdown")
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
