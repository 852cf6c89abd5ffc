package cxp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/go-lsp"
)

// ExtensionOption represents the options for an extension session.
type ExtensionOption func(*Extension)

// Extension is the API surface handed to an extension once its session is active.
type Extension struct {
	conn         Connection
	logger       *slog.Logger
	capabilities ServerCapabilities
	resultExtra  map[string]json.RawMessage

	onInitialize func(ctx context.Context, params InitializeParams) error
	onShutdown   func(ctx context.Context) error

	handshake handshake

	mu     sync.Mutex // guards params
	params InitializeParams

	configuration *Signal[ConfigurationCascade]
	didOpen       hookList[TextDocumentItem]
	didClose      hookList[lsp.TextDocumentIdentifier]

	done      chan struct{}
	listenErr error
}

// DefaultServerCapabilities are announced when no WithServerCapabilities option is given.
func DefaultServerCapabilities() ServerCapabilities {
	return ServerCapabilities{
		TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
			Options: &lsp.TextDocumentSyncOptions{OpenClose: true},
		},
		DecorationProvider: true,
	}
}

// WithServerCapabilities sets the static capabilities returned from initialize.
func WithServerCapabilities(capabilities ServerCapabilities) ExtensionOption {
	return func(e *Extension) {
		e.capabilities = capabilities
	}
}

// WithInitializeResultField adds a custom top-level field to the initialize result.
func WithInitializeResultField(key string, value any) ExtensionOption {
	return func(e *Extension) {
		bs, err := json.Marshal(value)
		if err != nil {
			e.logger.Error("failed to marshal initialize result field",
				slog.String("key", key),
				slog.String("err", err.Error()))
			return
		}
		if e.resultExtra == nil {
			e.resultExtra = make(map[string]json.RawMessage)
		}
		e.resultExtra[key] = bs
	}
}

// WithInitializeHandler sets a hook that may reject the initialize request. Returning an
// *InitializeError sends its retry hint to the client.
func WithInitializeHandler(handler func(ctx context.Context, params InitializeParams) error) ExtensionOption {
	return func(e *Extension) {
		e.onInitialize = handler
	}
}

// WithShutdownHandler sets a hook called when the client requests shutdown.
func WithShutdownHandler(handler func(ctx context.Context) error) ExtensionOption {
	return func(e *Extension) {
		e.onShutdown = handler
	}
}

// WithExtensionLogger sets the logger for the extension session.
func WithExtensionLogger(logger *slog.Logger) ExtensionOption {
	return func(e *Extension) {
		e.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "extension"),
		)
	}
}

// Activate runs the extension side of a session on conn. It answers the initialize request with
// the static server capabilities, and once the initialized notification arrives calls run exactly
// once with the active Extension. Activate returns after run returns.
//
// Any message out of the initialize, initialized order is fatal to the connection, in which case
// Activate returns the guard's error and run is never called.
func Activate(
	ctx context.Context,
	conn Connection,
	run func(ctx context.Context, ext *Extension) error,
	options ...ExtensionOption,
) error {
	e := &Extension{
		conn:          conn,
		logger:        slog.Default(),
		capabilities:  DefaultServerCapabilities(),
		configuration: NewSignal[ConfigurationCascade](nil),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(e)
	}

	initialized := make(chan struct{})

	conn.SetGuard(e.handshake.guard)
	conn.OnRequest(MethodInitialize, e.handleInitialize)
	conn.OnNotification(MethodInitialized, func(context.Context, json.RawMessage) error {
		e.handshake.set(stateActive)
		close(initialized)
		return nil
	})
	conn.OnRequest(MethodShutdown, e.handleShutdown)
	conn.OnNotification(MethodExit, func(context.Context, json.RawMessage) error {
		e.handshake.set(stateClosed)
		return conn.Close()
	})
	conn.OnNotification(MethodTextDocumentDidOpen, e.handleDidOpen)
	conn.OnNotification(MethodTextDocumentDidClose, e.handleDidClose)
	conn.OnNotification(MethodWorkspaceDidChangeConfiguration, e.handleDidChangeConfiguration)

	e.handshake.set(stateAwaitingInitialize)
	go func() {
		defer close(e.done)
		e.listenErr = conn.Listen(ctx)
		e.handshake.set(stateClosed)
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ctx.Err()
	case <-e.done:
		if e.listenErr != nil {
			return e.listenErr
		}
		return fmt.Errorf("%w: before the session was initialized", ErrConnClosed)
	case <-initialized:
	}

	if run == nil {
		return nil
	}
	return run(ctx, e)
}

// Conn returns the connection to the client.
func (e *Extension) Conn() Connection {
	return e.conn
}

// InitializeParams returns the parameters the client initialized the session with.
func (e *Extension) InitializeParams() InitializeParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Root returns the root URI of the client's workspace, or nil if none is open.
func (e *Extension) Root() *lsp.DocumentURI {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params.Root
}

// Configuration returns the client's settings cascade. It starts with the cascade sent in
// initialize and follows every workspace/didChangeConfiguration notification.
func (e *Extension) Configuration() *Signal[ConfigurationCascade] {
	return e.configuration
}

// OnDidOpenTextDocument registers a hook for textDocument/didOpen notifications.
func (e *Extension) OnDidOpenTextDocument(fn func(ctx context.Context, doc TextDocumentItem)) Disposable {
	return e.didOpen.add(fn)
}

// OnDidCloseTextDocument registers a hook for textDocument/didClose notifications.
func (e *Extension) OnDidCloseTextDocument(fn func(ctx context.Context, doc lsp.TextDocumentIdentifier)) Disposable {
	return e.didClose.add(fn)
}

// Done is closed once the connection to the client is gone.
func (e *Extension) Done() <-chan struct{} {
	return e.done
}

// Err returns the error the connection ended with. It is only meaningful after Done is closed.
func (e *Extension) Err() error {
	<-e.done
	return e.listenErr
}

// CapabilityRegistration is a registration made by RegisterCapability.
type CapabilityRegistration struct {
	ext    *Extension
	id     string
	method string
	once   sync.Once
}

// RegisterCapability asks the client to enable the feature identified by method with options.
func (e *Extension) RegisterCapability(ctx context.Context, method string, options any) (*CapabilityRegistration, error) {
	var raw json.RawMessage
	if options != nil {
		bs, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s registration options: %w", method, err)
		}
		raw = bs
	}

	reg := &CapabilityRegistration{
		ext:    e,
		id:     uuid.New().String(),
		method: method,
	}
	params := RegistrationParams{
		Registrations: []Registration{{
			ID:              reg.id,
			Method:          method,
			RegisterOptions: raw,
		}},
	}
	if err := e.conn.Call(ctx, MethodRegisterCapability, params, nil); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", method, err)
	}
	return reg, nil
}

// ID returns the registration ID.
func (r *CapabilityRegistration) ID() string {
	return r.id
}

// Method returns the registered message key.
func (r *CapabilityRegistration) Method() string {
	return r.method
}

// Unregister asks the client to disable the registration. Only the first call sends a request.
func (r *CapabilityRegistration) Unregister(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		params := UnregistrationParams{
			Unregisterations: []Unregistration{{ID: r.id, Method: r.method}},
		}
		if cErr := r.ext.conn.Call(ctx, MethodUnregisterCapability, params, nil); cErr != nil {
			err = fmt.Errorf("failed to unregister %s: %w", r.method, cErr)
		}
	})
	return err
}

func (e *Extension) handleInitialize(ctx context.Context, rawParams json.RawMessage) (any, error) {
	var params InitializeParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, &JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("invalid initialize params: %s", err),
		}
	}
	if params.Trace == "" {
		params.Trace = TraceOff
	}

	if e.onInitialize != nil {
		if err := e.onInitialize(ctx, params); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	if params.ConfigurationCascade.Merged != nil {
		e.configuration.Set(params.ConfigurationCascade)
	}

	e.handshake.set(stateAwaitingInitialized)
	return InitializeResult{
		Capabilities: e.capabilities,
		Extra:        e.resultExtra,
	}, nil
}

func (e *Extension) handleShutdown(ctx context.Context, _ json.RawMessage) (any, error) {
	e.handshake.set(stateShutdown)
	if e.onShutdown != nil {
		if err := e.onShutdown(ctx); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (e *Extension) handleDidOpen(ctx context.Context, rawParams json.RawMessage) error {
	var params DidOpenTextDocumentParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return fmt.Errorf("invalid didOpen params: %w", err)
	}
	e.didOpen.call(ctx, params.TextDocument)
	return nil
}

func (e *Extension) handleDidClose(ctx context.Context, rawParams json.RawMessage) error {
	var params DidCloseTextDocumentParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return fmt.Errorf("invalid didClose params: %w", err)
	}
	e.didClose.call(ctx, params.TextDocument)
	return nil
}

func (e *Extension) handleDidChangeConfiguration(_ context.Context, rawParams json.RawMessage) error {
	var params DidChangeConfigurationParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return fmt.Errorf("invalid didChangeConfiguration params: %w", err)
	}
	e.configuration.Set(params.Settings)
	return nil
}

// hookList is an ordered list of callbacks that can remove themselves.
type hookList[T any] struct {
	mu    sync.Mutex
	next  int
	hooks []hookEntry[T]
}

type hookEntry[T any] struct {
	id int
	fn func(ctx context.Context, v T)
}

func (l *hookList[T]) add(fn func(ctx context.Context, v T)) Disposable {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.next
	l.next++
	l.hooks = append(l.hooks, hookEntry[T]{id: id, fn: fn})

	return DisposeFunc(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, h := range l.hooks {
			if h.id == id {
				l.hooks = append(l.hooks[:i:i], l.hooks[i+1:]...)
				return
			}
		}
	})
}

func (l *hookList[T]) call(ctx context.Context, v T) {
	l.mu.Lock()
	hooks := make([]hookEntry[T], len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	for _, h := range hooks {
		h.fn(ctx, v)
	}
}
