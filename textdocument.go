package cxp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/go-lsp"
)

// Notifier sends notifications to the peer. Connection implements it.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

// TextDocumentNotificationFeature forwards a stream of document events to the extension as
// notifications, for as long as at least one registration with a document selector is live.
//
// The feature holds at most one subscription to its event source: it subscribes when the first
// selector is registered and unsubscribes when the last one goes away.
type TextDocumentNotificationFeature struct {
	method         string
	notifier       Notifier
	events         Source[TextDocumentItem]
	createParams   func(doc TextDocumentItem) any
	selectorFilter func(selectors []DocumentSelector, doc TextDocumentItem) bool
	fill           func(capabilities *ClientCapabilities)
	logger         *slog.Logger
	metrics        *Metrics

	// opMu serializes registration changes and owns subscription. It is never taken by the event
	// callback, so the source may deliver synchronously while subscribing.
	opMu         sync.Mutex
	subscription Disposable

	mu        sync.Mutex // guards selectors and sent
	selectors registrationMap[DocumentSelector]
	sent      func(doc TextDocumentItem)
}

// NewTextDocumentNotificationFeature creates a feature that sends a method notification built by
// createParams for every event. When selectorFilter is nil every event is forwarded; otherwise an
// event is forwarded only if selectorFilter accepts it against the live selectors.
func NewTextDocumentNotificationFeature(
	method string,
	notifier Notifier,
	events Source[TextDocumentItem],
	createParams func(doc TextDocumentItem) any,
	selectorFilter func(selectors []DocumentSelector, doc TextDocumentItem) bool,
) *TextDocumentNotificationFeature {
	return &TextDocumentNotificationFeature{
		method:         method,
		notifier:       notifier,
		events:         events,
		createParams:   createParams,
		selectorFilter: selectorFilter,
		logger:         slog.Default(),
	}
}

// NewDidOpenFeature creates the textDocument/didOpen feature. Every present document emitted by
// documents that matches a live selector is reported as opened.
func NewDidOpenFeature(notifier Notifier, documents Source[*TextDocumentItem]) *TextDocumentNotificationFeature {
	f := NewTextDocumentNotificationFeature(MethodTextDocumentDidOpen, notifier, openedDocuments(documents),
		func(doc TextDocumentItem) any {
			return DidOpenTextDocumentParams{TextDocument: doc}
		}, matchAny)
	f.fill = fillSynchronization
	return f
}

// NewDidCloseFeature creates the textDocument/didClose feature. A document is reported as closed
// when documents moves away from it, to another document or to none.
func NewDidCloseFeature(notifier Notifier, documents Source[*TextDocumentItem]) *TextDocumentNotificationFeature {
	f := NewTextDocumentNotificationFeature(MethodTextDocumentDidClose, notifier, closedDocuments(documents),
		func(doc TextDocumentItem) any {
			return DidCloseTextDocumentParams{TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI}}
		}, matchAny)
	f.fill = fillSynchronization
	return f
}

func fillSynchronization(capabilities *ClientCapabilities) {
	ensure(&ensure(&capabilities.TextDocument).Synchronization).DynamicRegistration = true
}

// OnNotificationSent sets a hook called after each notification was handed to the notifier. A
// registration replays the current document on the receive loop, so fn must not wait for responses
// from the extension.
func (f *TextDocumentNotificationFeature) OnNotificationSent(fn func(doc TextDocumentItem)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = fn
}

// Method implements DynamicFeature.
func (f *TextDocumentNotificationFeature) Method() string {
	return f.method
}

// FillClientCapabilities implements CapabilityFiller.
func (f *TextDocumentNotificationFeature) FillClientCapabilities(capabilities *ClientCapabilities) {
	if f.fill != nil {
		f.fill(capabilities)
	}
}

// Register implements DynamicFeature. A registration without a document selector is accepted and
// ignored.
func (f *TextDocumentNotificationFeature) Register(method string, reg Registration) error {
	stored, err := f.register(method, reg)
	if stored || err != nil {
		f.metrics.registrationResult(f.method, err)
	}
	return err
}

func (f *TextDocumentNotificationFeature) register(method string, reg Registration) (bool, error) {
	if method != f.method {
		return false, fmt.Errorf("%w: register called on wrong feature, requested %s but reached feature %s",
			ErrProtocol, method, f.method)
	}
	opts, err := decodeRegistrationOptions[TextDocumentRegistrationOptions](reg.RegisterOptions)
	if err != nil {
		return false, err
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if opts.DocumentSelector == nil {
		return false, nil
	}

	f.mu.Lock()
	err = f.selectors.add(reg.ID, opts.DocumentSelector)
	f.mu.Unlock()
	if err != nil {
		return false, err
	}

	if f.subscription == nil {
		f.subscription = f.events.Subscribe(f.dispatch)
	}
	return true, nil
}

// Unregister implements DynamicFeature.
func (f *TextDocumentNotificationFeature) Unregister(id string) error {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	_, err := f.selectors.remove(id)
	empty := f.selectors.len() == 0
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.metrics.registrationRemoved(f.method, 1)

	if empty {
		f.unsubscribe()
	}
	return nil
}

// UnregisterAll implements DynamicFeature.
func (f *TextDocumentNotificationFeature) UnregisterAll() {
	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.mu.Lock()
	removed := len(f.selectors.clear())
	f.mu.Unlock()
	f.metrics.registrationRemoved(f.method, removed)

	f.unsubscribe()
}

func (f *TextDocumentNotificationFeature) unsubscribe() {
	if f.subscription == nil {
		return
	}
	f.subscription.Dispose()
	f.subscription = nil
}

func (f *TextDocumentNotificationFeature) dispatch(doc TextDocumentItem) {
	f.mu.Lock()
	selectors := f.selectors.values()
	sent := f.sent
	f.mu.Unlock()

	if f.selectorFilter != nil && !f.selectorFilter(selectors, doc) {
		return
	}
	if err := f.notifier.Notify(context.Background(), f.method, f.createParams(doc)); err != nil {
		f.logger.Error("failed to send document notification",
			slog.String("method", f.method),
			slog.String("uri", string(doc.URI)),
			slog.String("err", err.Error()))
		return
	}
	f.metrics.notificationSent(f.method)
	if sent != nil {
		sent(doc)
	}
}

func (f *TextDocumentNotificationFeature) instrument(m *Metrics) {
	f.metrics = m
}

// subscribed reports whether the feature holds its upstream subscription.
func (f *TextDocumentNotificationFeature) subscribed() bool {
	f.opMu.Lock()
	defer f.opMu.Unlock()
	return f.subscription != nil
}

// openedDocuments yields every present document of documents.
func openedDocuments(documents Source[*TextDocumentItem]) Source[TextDocumentItem] {
	return sourceFunc[TextDocumentItem](func(fn func(TextDocumentItem)) Disposable {
		return documents.Subscribe(func(doc *TextDocumentItem) {
			if doc != nil {
				fn(*doc)
			}
		})
	})
}

// closedDocuments yields a document each time documents moves away from it. Every subscriber
// gets its own window over the values it receives.
func closedDocuments(documents Source[*TextDocumentItem]) Source[TextDocumentItem] {
	return sourceFunc[TextDocumentItem](func(fn func(TextDocumentItem)) Disposable {
		var detector closeDetector
		return documents.Subscribe(func(doc *TextDocumentItem) {
			if closed, ok := detector.next(doc); ok {
				fn(closed)
			}
		})
	})
}

// closeDetector is a two-wide window over consecutive document values. Its state is either no
// document (initially, or after an absent value) or the previous document.
type closeDetector struct {
	prev *TextDocumentItem
}

// next advances the window to curr and reports the previous document if there was one, since
// whatever curr is, the previous document is no longer active.
func (d *closeDetector) next(curr *TextDocumentItem) (TextDocumentItem, bool) {
	prev := d.prev
	d.prev = nil
	if curr != nil {
		doc := *curr
		d.prev = &doc
	}
	if prev == nil {
		return TextDocumentItem{}, false
	}
	return *prev, true
}
