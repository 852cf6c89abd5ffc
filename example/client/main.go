// Command client hosts a CXP extension. Documents are opened and closed with commands read from
// stdin, one per line:
//
//	open file:///repo/main.go go
//	close
//
// The extension is either spawned as a subprocess speaking over stdio (newline-delimited JSON, or
// LSP framing with --lsp), or reached at --url.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path"
	"time"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/MegaGrindStone/go-cxp/host"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/go-lsp"
	"github.com/thought-machine/go-flags"
)

var opts struct {
	URL         string `long:"url" description:"URL of a running extension: http(s) connects over SSE, ws(s) over WebSocket"`
	LSP         bool   `long:"lsp" description:"Speak to a spawned extension with LSP Content-Length framing instead of newline-delimited JSON"`
	Settings    string `long:"settings" description:"JSON settings file sent to the extension and watched for changes"`
	Root        string `long:"root" description:"Root URI of the workspace"`
	MetricsAddr string `long:"metrics_addr" description:"Serve Prometheus metrics on this address"`
	Verbose     bool   `short:"v" long:"verbose" description:"Log debug messages"`
}

func main() {
	parser := flags.NewNamedParser(path.Base(os.Args[0]), flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] [-- extension command...]"
	if _, err := parser.AddGroup("Client options", "", &opts); err != nil {
		panic(err)
	}
	command, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	if (opts.URL == "") == (len(command) == 0) {
		fmt.Fprintln(os.Stderr, "exactly one of --url or an extension command is required")
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	if opts.LSP && opts.URL != "" {
		fmt.Fprintln(os.Stderr, "--lsp only applies to a spawned extension command")
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, command, logger); err != nil {
		logger.Error("client failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, command []string, logger *slog.Logger) error {
	conn, wait, err := connect(ctx, command, logger)
	if err != nil {
		return err
	}

	env := cxp.NewEnvironment()
	if opts.Settings != "" {
		// Loaded up front so the settings ride in the initialize request.
		settings, err := host.LoadSettings(opts.Settings)
		if err != nil {
			return err
		}
		env.Configuration.Set(settings)
		go func() {
			if err := host.WatchSettings(ctx, opts.Settings, env.Configuration, logger); err != nil {
				logger.Error("stopped watching settings", slog.String("err", err.Error()))
			}
		}()
	}

	registry := prometheus.NewRegistry()
	metrics, err := cxp.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if opts.MetricsAddr != "" {
		go serveMetrics(registry, logger)
	}

	clientOpts := []cxp.ClientOption{
		cxp.WithMetrics(metrics),
		cxp.WithClientLogger(logger),
	}
	if opts.Root != "" {
		clientOpts = append(clientOpts, cxp.WithRoot(lsp.DocumentURI(opts.Root)))
	}
	client := cxp.NewClient(conn, env, clientOpts...)
	client.DidOpen().OnNotificationSent(func(doc cxp.TextDocumentItem) {
		// The hook may run on the receive loop, which must stay free to read the response.
		go describe(ctx, client, doc)
	})

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start client: %w", err)
	}
	fmt.Printf("connected, capabilities: %+v\n", client.ServerCapabilities())

	commands := make(chan error, 1)
	go func() {
		commands <- host.ReadDocumentCommands(ctx, os.Stdin, env.TextDocument, logger)
	}()

	select {
	case <-ctx.Done():
	case err := <-commands:
		if err != nil {
			logger.Error("stopped reading documents", slog.String("err", err.Error()))
		}
	case <-client.Done():
		logger.Warn("extension went away")
	}

	fmt.Printf("commands: %v\n", client.Registries().Commands.Commands())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shut down cleanly", slog.String("err", err.Error()))
	}
	return wait()
}

// connect returns the connection to the extension and a function waiting for the extension
// process, if one was spawned.
func connect(ctx context.Context, command []string, logger *slog.Logger) (cxp.Connection, func() error, error) {
	noWait := func() error { return nil }
	if opts.URL != "" {
		u, err := url.Parse(opts.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid url: %w", err)
		}
		var transport cxp.ClientTransport
		switch u.Scheme {
		case "http", "https":
			transport = cxp.NewSSEClient(opts.URL, http.DefaultClient, cxp.WithSSEClientLogger(logger))
		case "ws", "wss":
			transport = cxp.NewWebSocketClient(opts.URL, cxp.WithWebSocketClientLogger(logger))
		default:
			return nil, nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
		}
		sess, err := transport.StartSession(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to start session: %w", err)
		}
		return cxp.NewConn(sess, cxp.WithConnLogger(logger)), noWait, nil
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open extension stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open extension stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start extension: %w", err)
	}
	wait := func() error {
		// Closing stdin tells the extension the session is over.
		_ = stdin.Close()
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("extension exited: %w", err)
		}
		return nil
	}

	if opts.LSP {
		return cxp.NewStreamConn(processStream{ReadCloser: stdout, WriteCloser: stdin}, cxp.WithStreamConnLogger(logger)), wait, nil
	}
	sess, err := cxp.NewStdIO(stdout, stdin, cxp.WithStdIOLogger(logger)).StartSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start session: %w", err)
	}
	return cxp.NewConn(sess, cxp.WithConnLogger(logger)), wait, nil
}

// processStream joins the pipes of a spawned extension into one stream.
type processStream struct {
	io.ReadCloser
	io.WriteCloser
}

func (s processStream) Close() error {
	return errors.Join(s.WriteCloser.Close(), s.ReadCloser.Close())
}

// describe prints what the extension contributes for a freshly opened document.
func describe(ctx context.Context, client *cxp.Client, doc cxp.TextDocumentItem) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	decorations, ok, err := client.Registries().Decoration.Provide(ctx, doc, cxp.DecorationParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	switch {
	case err != nil:
		fmt.Printf("%s: decorations failed: %s\n", doc.URI, err)
	case ok:
		fmt.Printf("%s: decorations %s\n", doc.URI, decorations)
	}

	hover, ok, err := client.Registries().Hover.Provide(ctx, doc, lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	switch {
	case err != nil:
		fmt.Printf("%s: hover failed: %s\n", doc.URI, err)
	case ok && hover != nil && len(hover.Contents) > 0:
		fmt.Printf("%s: hover %s\n", doc.URI, hover.Contents[0].Value)
	}
}

func serveMetrics(registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              opts.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	logger.Info("serving metrics", slog.String("addr", opts.MetricsAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("failed to serve metrics", slog.String("err", err.Error()))
	}
}
