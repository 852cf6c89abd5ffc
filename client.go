package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/go-lsp"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Environment holds the live signals a host supplies to a client.
type Environment struct {
	// TextDocument is the document presently relevant, or nil if there is none.
	TextDocument *Signal[*TextDocumentItem]
	// Configuration is the host's settings cascade.
	Configuration *Signal[ConfigurationCascade]
}

// NewEnvironment creates an Environment with no document and no settings.
func NewEnvironment() Environment {
	return Environment{
		TextDocument:  NewDocumentSignal(),
		Configuration: NewConfigurationSignal(),
	}
}

// Client is the host side of a session with one extension. It performs the handshake, routes the
// extension's registration directives to the feature they name, and feeds the host's live
// signals to the features the extension registered.
//
// A Client must be created using NewClient and requires Start to be called before the extension
// can register anything. It should be torn down with Shutdown.
type Client struct {
	conn                  Connection
	env                   Environment
	root                  *lsp.DocumentURI
	initializationOptions json.RawMessage
	trace                 Trace
	shutdownTimeout       time.Duration
	logger                *slog.Logger
	metrics               *Metrics

	handshake handshake

	configuration *ConfigurationFeature
	didOpen       *TextDocumentNotificationFeature
	didClose      *TextDocumentNotificationFeature
	registries    *Registries

	extraStatic  []StaticFeature
	extraDynamic []DynamicFeature

	staticFeatures  []StaticFeature
	dynamicFeatures []DynamicFeature
	featuresByKey   map[string]DynamicFeature

	mu               sync.Mutex
	initializeResult InitializeResult
	listenErr        error
	listenDone       chan struct{}
}

var defaultClientShutdownTimeout = 10 * time.Second

// WithRoot sets the workspace root sent in the initialize request.
func WithRoot(root lsp.DocumentURI) ClientOption {
	return func(c *Client) {
		c.root = &root
	}
}

// WithInitializationOptions sets the opaque payload passed to the extension in initialize.
func WithInitializationOptions(options json.RawMessage) ClientOption {
	return func(c *Client) {
		c.initializationOptions = options
	}
}

// WithTrace sets the initial trace setting.
func WithTrace(trace Trace) ClientOption {
	return func(c *Client) {
		c.trace = trace
	}
}

// WithClientShutdownTimeout bounds how long Shutdown waits for the extension to answer shutdown,
// and again how long it waits for the connection to go away.
func WithClientShutdownTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.shutdownTimeout = timeout
	}
}

// WithMetrics makes the client report registrations and notifications to m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithStaticFeature adds a static feature after the built-in ones.
func WithStaticFeature(f StaticFeature) ClientOption {
	return func(c *Client) {
		c.extraStatic = append(c.extraStatic, f)
	}
}

// WithDynamicFeature adds a dynamic feature after the built-in ones. Its message key must not be
// used by another feature.
func WithDynamicFeature(f DynamicFeature) ClientOption {
	return func(c *Client) {
		c.extraDynamic = append(c.extraDynamic, f)
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a client speaking to an extension over conn, fed by the signals of env. A nil
// signal in env is replaced with an empty one.
func NewClient(conn Connection, env Environment, options ...ClientOption) *Client {
	if env.TextDocument == nil {
		env.TextDocument = NewDocumentSignal()
	}
	if env.Configuration == nil {
		env.Configuration = NewConfigurationSignal()
	}

	c := &Client{
		conn:       conn,
		env:        env,
		logger:     slog.Default(),
		listenDone: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.shutdownTimeout == 0 {
		c.shutdownTimeout = defaultClientShutdownTimeout
	}

	c.configuration = NewConfigurationFeature(conn, env.Configuration)
	c.configuration.logger = c.logger
	c.didOpen = NewDidOpenFeature(conn, env.TextDocument)
	c.didOpen.logger = c.logger
	c.didClose = NewDidCloseFeature(conn, env.TextDocument)
	c.didClose.logger = c.logger
	c.registries = NewRegistries(conn)

	c.staticFeatures = append([]StaticFeature{c.configuration}, c.extraStatic...)
	c.dynamicFeatures = append([]DynamicFeature{c.didOpen, c.didClose}, c.registries.Features()...)
	c.dynamicFeatures = append(c.dynamicFeatures, c.extraDynamic...)

	c.featuresByKey = make(map[string]DynamicFeature, len(c.dynamicFeatures))
	for _, f := range c.dynamicFeatures {
		if _, ok := c.featuresByKey[f.Method()]; ok {
			c.logger.Warn("ignoring feature with duplicate message key", slog.String("method", f.Method()))
			continue
		}
		c.featuresByKey[f.Method()] = f
		if in, ok := f.(instrumented); ok {
			in.instrument(c.metrics)
		}
	}

	conn.SetGuard(c.handshake.activeGuard)
	conn.OnRequest(MethodRegisterCapability, c.handleRegisterCapability)
	conn.OnRequest(MethodUnregisterCapability, c.handleUnregisterCapability)

	return c
}

// Start runs the handshake: it starts listening on the connection, sends initialize with the
// merged capabilities of every feature and, once the extension accepted it, sends initialized.
//
// If the extension rejects initialize, the returned error wraps an *InitializeError carrying the
// extension's retry hint, and the connection is closed.
func (c *Client) Start(ctx context.Context) error {
	c.handshake.mu.Lock()
	if c.handshake.state != stateIdle {
		state := c.handshake.state
		c.handshake.mu.Unlock()
		return fmt.Errorf("client already started, state: %s", state)
	}
	c.handshake.state = stateAwaitingInitialize
	c.handshake.mu.Unlock()

	go func() {
		defer close(c.listenDone)
		err := c.conn.Listen(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.listenErr = err
		c.mu.Unlock()
		c.handshake.set(stateClosed)
		if err != nil {
			c.logger.Error("connection ended with error", slog.String("err", err.Error()))
		}
	}()

	params := c.initializeParams()

	var result InitializeResult
	if err := c.conn.Call(ctx, MethodInitialize, params, &result); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("failed to initialize: %w", initializeError(err))
	}

	c.mu.Lock()
	c.initializeResult = result
	c.mu.Unlock()

	// The extension may register as soon as it sees initialized, so the guard must admit it first.
	c.handshake.set(stateActive)
	if err := c.conn.Notify(ctx, MethodInitialized, struct{}{}); err != nil {
		c.handshake.set(stateClosed)
		_ = c.conn.Close()
		return fmt.Errorf("failed to send initialized: %w", err)
	}

	// Static features may notify, which the extension only accepts after initialized.
	for _, f := range c.staticFeatures {
		f.Initialize(result)
	}
	return nil
}

// Shutdown ends the session: it sends shutdown and exit, tears down every registration and
// closes the connection. It returns every error met on the way. The exchange with the extension
// and the wait for the connection to end are each bounded by the shutdown timeout.
func (c *Client) Shutdown(ctx context.Context) error {
	var errs *multierror.Error

	if c.handshake.get() == stateActive && !c.connDone() {
		exchangeCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
		if err := c.conn.Call(exchangeCtx, MethodShutdown, nil, nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to send shutdown: %w", err))
		}
		c.handshake.set(stateShutdown)
		if err := c.conn.Notify(exchangeCtx, MethodExit, nil); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to send exit: %w", err))
		}
		cancel()
	}

	for _, f := range c.dynamicFeatures {
		f.UnregisterAll()
	}
	for _, f := range c.staticFeatures {
		f.Deinitialize()
	}

	if err := c.conn.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		errs = multierror.Append(errs, fmt.Errorf("failed to wait for connection: %w", ctx.Err()))
	case <-c.conn.Done():
	}

	return errs.ErrorOrNil()
}

func (c *Client) connDone() bool {
	select {
	case <-c.conn.Done():
		return true
	default:
		return false
	}
}

// Environment returns the signals the client is fed by.
func (c *Client) Environment() Environment {
	return c.env
}

// Registries returns the provider features of the session.
func (c *Client) Registries() *Registries {
	return c.registries
}

// DidOpen returns the textDocument/didOpen feature of the session.
func (c *Client) DidOpen() *TextDocumentNotificationFeature {
	return c.didOpen
}

// DidClose returns the textDocument/didClose feature of the session.
func (c *Client) DidClose() *TextDocumentNotificationFeature {
	return c.didClose
}

// InitializeResult returns the extension's answer to initialize. It is the zero value before
// Start succeeded.
func (c *Client) InitializeResult() InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initializeResult
}

// ServerCapabilities returns the static capabilities the extension announced.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.InitializeResult().Capabilities
}

// Done is closed once the connection's receive loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.listenDone
}

// Err returns the error the connection ended with, if it has ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenErr
}

func (c *Client) initializeParams() InitializeParams {
	fillers := make([]CapabilityFiller, 0, len(c.staticFeatures)+len(c.dynamicFeatures))
	for _, f := range c.staticFeatures {
		fillers = append(fillers, f)
	}
	for _, f := range c.dynamicFeatures {
		fillers = append(fillers, f)
	}

	trace := c.trace
	if trace == "" {
		trace = TraceOff
	}
	params := InitializeParams{
		Root:                  c.root,
		Capabilities:          MergeClientCapabilities(fillers...),
		InitializationOptions: c.initializationOptions,
		Trace:                 trace,
	}
	for _, f := range c.staticFeatures {
		f.FillInitializeParams(&params)
	}
	return params
}

func (c *Client) handleRegisterCapability(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params RegistrationParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("%w: invalid registration params: %w", ErrValidation, err)
	}

	for _, reg := range params.Registrations {
		f, ok := c.featuresByKey[reg.Method]
		if !ok {
			return nil, fmt.Errorf("%w: no feature registered for %s", ErrProtocol, reg.Method)
		}
		if err := f.Register(reg.Method, reg); err != nil {
			c.logger.Info("registration rejected",
				slog.String("method", reg.Method),
				slog.String("id", reg.ID),
				slog.String("err", err.Error()))
			return nil, err
		}
		c.logger.Debug("registered", slog.String("method", reg.Method), slog.String("id", reg.ID))
	}
	return nil, nil
}

func (c *Client) handleUnregisterCapability(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params UnregistrationParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("%w: invalid unregistration params: %w", ErrValidation, err)
	}

	for _, unreg := range params.Unregisterations {
		f, ok := c.featuresByKey[unreg.Method]
		if !ok {
			return nil, fmt.Errorf("%w: no feature registered for %s", ErrProtocol, unreg.Method)
		}
		if err := f.Unregister(unreg.ID); err != nil {
			return nil, err
		}
		c.logger.Debug("unregistered", slog.String("method", unreg.Method), slog.String("id", unreg.ID))
	}
	return nil, nil
}
