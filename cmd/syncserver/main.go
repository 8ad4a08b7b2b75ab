// Command syncserver runs the in-memory storage server on a local
// port. It exists for development and manual testing only: records
// live in process memory and authentication is not verified.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"github.com/weavekit/sync15/internal/logging"
	"github.com/weavekit/sync15/internal/testserver"
)

func main() {

	addr := flag.String("a", "127.0.0.1:5001", "address and port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	server := testserver.New(logging.NewSlogLogger(logger))

	logger.Info("storage server listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, server.Handler()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

}
