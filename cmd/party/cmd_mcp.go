package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/felixgeelhaar/linkparty/internal/mcp"
)

// cmdMCP starts the MCP server on stdio. Tools call the running daemon.
func cmdMCP() error {
	if err := requireDaemon(); err != nil {
		return err
	}

	mcpSrv := mcpserver.NewServer(mcpserver.Config{
		Party:   newClient(),
		Version: Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mcpSrv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
