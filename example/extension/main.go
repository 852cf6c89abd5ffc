// Command extension serves the everything demo extension over stdio, LSP framed stdio, SSE or
// WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path"
	"time"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/MegaGrindStone/go-cxp/servers/everything"
	"github.com/thought-machine/go-flags"
)

var opts struct {
	Transport string `long:"transport" default:"stdio" choice:"stdio" choice:"lsp" choice:"sse" choice:"websocket" description:"Transport to serve the extension over; lsp uses Content-Length framing on stdio"`
	Addr      string `long:"addr" default:"localhost:8080" description:"Address to listen on for the sse and websocket transports"`
	Verbose   bool   `short:"v" long:"verbose" description:"Log debug messages"`
}

func main() {
	parser := flags.NewNamedParser(path.Base(os.Args[0]), flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddGroup("Extension options", "", &opts); err != nil {
		panic(err)
	}
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	// Stdout carries the protocol on stdio, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch opts.Transport {
	case "stdio":
		err = serveStdIO(ctx, logger)
	case "lsp":
		err = serveLSP(ctx, logger)
	case "sse":
		err = serveSSE(ctx, logger)
	case "websocket":
		err = serveWebSocket(ctx, logger)
	}
	if err != nil {
		logger.Error("extension failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func runEverything(logger *slog.Logger) func(ctx context.Context, ext *cxp.Extension) error {
	return func(ctx context.Context, ext *cxp.Extension) error {
		return everything.NewServer(everything.WithLogger(logger)).Run(ctx, ext)
	}
}

func extensionOptions() []cxp.ExtensionOption {
	return []cxp.ExtensionOption{
		cxp.WithServerCapabilities(everything.Capabilities()),
		cxp.WithInitializeResultField("serverInfo", map[string]string{"name": "everything", "version": "1.0"}),
	}
}

func newServer(transport cxp.ServerTransport, logger *slog.Logger) cxp.Server {
	// Every session gets its own demo server.
	return cxp.NewServer(transport, runEverything(logger),
		cxp.WithExtensionOptions(extensionOptions()...),
		cxp.WithServerOnClientConnected(func(sessionID string, _ cxp.InitializeParams) {
			logger.Info("client connected", slog.String("sessionID", sessionID))
		}),
		cxp.WithServerOnClientDisconnected(func(sessionID string, err error) {
			logger.Info("client disconnected", slog.String("sessionID", sessionID), slog.Any("err", err))
		}),
		cxp.WithServerLogger(logger),
	)
}

func serveStdIO(ctx context.Context, logger *slog.Logger) error {
	srv := newServer(cxp.NewStdIO(os.Stdin, os.Stdout, cxp.WithStdIOLogger(logger)), logger)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	// The single stdio session ends when the client closes stdin.
	select {
	case <-ctx.Done():
	case <-served:
	}
	return shutdown(srv.Shutdown)
}

// stdioStream joins stdin and stdout into the single stream the LSP framing runs over.
type stdioStream struct {
	io.Reader
	io.Writer
}

func (stdioStream) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}

func serveLSP(ctx context.Context, logger *slog.Logger) error {
	conn := cxp.NewStreamConn(stdioStream{Reader: os.Stdin, Writer: os.Stdout}, cxp.WithStreamConnLogger(logger))
	options := append(extensionOptions(), cxp.WithExtensionLogger(logger))

	err := cxp.Activate(ctx, conn, runEverything(logger), options...)
	_ = conn.Close()
	if errors.Is(err, context.Canceled) || errors.Is(err, cxp.ErrConnClosed) {
		return nil
	}
	return err
}

func serveSSE(ctx context.Context, logger *slog.Logger) error {
	sse := cxp.NewSSEServer(fmt.Sprintf("http://%s/message", opts.Addr), cxp.WithSSEServerLogger(logger))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	return serveHTTP(ctx, newServer(sse, logger), mux, logger)
}

func serveWebSocket(ctx context.Context, logger *slog.Logger) error {
	ws := cxp.NewWebSocketServer(
		cxp.WithWebSocketServerLogger(logger),
		cxp.WithWebSocketCheckOrigin(func(*http.Request) bool { return true }),
	)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	return serveHTTP(ctx, newServer(ws, logger), mux, logger)
}

func serveHTTP(ctx context.Context, srv cxp.Server, handler http.Handler, logger *slog.Logger) error {
	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go srv.Serve()

	errs := make(chan error, 1)
	go func() {
		logger.Info("extension listening", slog.String("addr", opts.Addr), slog.String("transport", opts.Transport))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		return fmt.Errorf("failed to serve http: %w", err)
	}

	if err := shutdown(srv.Shutdown); err != nil {
		return err
	}
	return shutdown(httpSrv.Shutdown)
}

func shutdown(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fn(ctx)
}
