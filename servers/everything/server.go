package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/sourcegraph/go-lsp"
)

// Server is a demo extension that exercises every feature a CXP client offers: it tracks the
// documents the client opens and closes, contributes commands and a menu, answers hover and
// decoration requests, and follows the client's settings.
//
// Server is meant for testing clients, not for production use. A single Server serves one session
// at a time.
type Server struct {
	selector cxp.DocumentSelector
	logger   *slog.Logger
	level    *slog.LevelVar

	mu        sync.Mutex
	documents map[lsp.DocumentURI]cxp.TextDocumentItem
	settings  Settings
}

// ServerOption represents the options for the demo server.
type ServerOption func(*Server)

// WithSelector sets the document selector of every document registration. By default every
// document with a file or untitled URI is selected.
func WithSelector(selector cxp.DocumentSelector) ServerOption {
	return func(s *Server) {
		s.selector = selector
	}
}

// WithLogger sets the logger of the server. Its level follows the everything.logLevel setting.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a demo extension.
func NewServer(options ...ServerOption) *Server {
	s := &Server{
		selector: cxp.DocumentSelector{
			{Scheme: "file", Pattern: "**"},
			{Scheme: "untitled", Pattern: "**"},
		},
		level:     new(slog.LevelVar),
		documents: make(map[lsp.DocumentURI]cxp.TextDocumentItem),
	}
	for _, opt := range options {
		opt(s)
	}

	handler := slog.Default().Handler()
	if s.logger != nil {
		handler = s.logger.Handler()
	}
	s.logger = slog.New(&levelHandler{Handler: handler, level: s.level}).With(
		slog.String("package", "go-cxp"),
		slog.String("component", "everything"),
	)
	return s
}

// Capabilities returns the static capabilities the server should be activated with.
func Capabilities() cxp.ServerCapabilities {
	return cxp.ServerCapabilities{
		TextDocumentSync: &lsp.TextDocumentSyncOptionsOrKind{
			Options: &lsp.TextDocumentSyncOptions{OpenClose: true},
		},
		HoverProvider:      true,
		DecorationProvider: true,
		ExecuteCommandProvider: &lsp.ExecuteCommandOptions{
			Commands: commandNames(),
		},
	}
}

// Run serves an active session. It installs the request handlers, registers the server's
// capabilities with the client and blocks until the session ends or ctx is done. Run is meant to
// be passed to cxp.Activate, whose ctx also ends the session.
func (s *Server) Run(ctx context.Context, ext *cxp.Extension) error {
	s.reset()

	conn := ext.Conn()
	conn.OnRequest(cxp.MethodWorkspaceExecuteCommand, s.handleExecuteCommand)
	conn.OnRequest(cxp.MethodTextDocumentHover, s.handleHover)
	conn.OnRequest(cxp.MethodTextDocumentDecoration, s.handleDecoration)

	hooks := []cxp.Disposable{
		ext.OnDidOpenTextDocument(s.opened),
		ext.OnDidCloseTextDocument(s.closed),
		ext.Configuration().Subscribe(s.configure),
	}
	defer func() {
		for _, h := range hooks {
			h.Dispose()
		}
	}()

	regs, err := s.register(ctx, ext)
	if err != nil {
		return err
	}
	s.logger.Info("everything extension ready", slog.Int("registrations", len(regs)))

	select {
	case <-ext.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Documents returns the documents the client currently has open, keyed by URI.
func (s *Server) Documents() map[lsp.DocumentURI]cxp.TextDocumentItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := make(map[lsp.DocumentURI]cxp.TextDocumentItem, len(s.documents))
	for uri, doc := range s.documents {
		docs[uri] = doc
	}
	return docs
}

func (s *Server) register(ctx context.Context, ext *cxp.Extension) ([]*cxp.CapabilityRegistration, error) {
	documentOptions := cxp.TextDocumentRegistrationOptions{DocumentSelector: s.selector}
	contributed, err := json.Marshal(contributions())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contributions: %w", err)
	}

	registrations := []struct {
		method  string
		options any
	}{
		{method: cxp.MethodTextDocumentDidOpen, options: documentOptions},
		{method: cxp.MethodTextDocumentDidClose, options: documentOptions},
		{method: cxp.MethodWorkspaceExecuteCommand, options: cxp.CommandRegistrationOptions{Commands: commandNames()}},
		{method: cxp.MethodWindowContribution, options: cxp.ContributionRegistrationOptions{Contributions: contributed}},
		{method: cxp.MethodTextDocumentHover, options: documentOptions},
		{method: cxp.MethodTextDocumentDecoration, options: documentOptions},
	}

	regs := make([]*cxp.CapabilityRegistration, 0, len(registrations))
	for _, r := range registrations {
		reg, err := ext.RegisterCapability(ctx, r.method, r.options)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", r.method, err)
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (s *Server) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.documents)
	s.settings = Settings{}
}

func (s *Server) opened(_ context.Context, doc cxp.TextDocumentItem) {
	s.mu.Lock()
	s.documents[doc.URI] = doc
	s.mu.Unlock()

	s.logger.Debug("document opened", slog.String("uri", string(doc.URI)), slog.String("languageId", doc.LanguageID))
}

func (s *Server) closed(_ context.Context, doc lsp.TextDocumentIdentifier) {
	s.mu.Lock()
	delete(s.documents, doc.URI)
	s.mu.Unlock()

	s.logger.Debug("document closed", slog.String("uri", string(doc.URI)))
}
