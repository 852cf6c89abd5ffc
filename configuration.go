package cxp

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// NewConfigurationSignal creates the settings Signal of a host. Cascades with the same merged
// settings are the same value.
func NewConfigurationSignal() *Signal[ConfigurationCascade] {
	return NewSignal(sameCascade)
}

func sameCascade(a, b ConfigurationCascade) bool {
	return bytes.Equal(a.Merged, b.Merged)
}

// ConfigurationFeature sends the host's settings to the extension: the initial cascade rides in
// the initialize request and every later change is sent as workspace/didChangeConfiguration.
type ConfigurationFeature struct {
	notifier Notifier
	settings Source[ConfigurationCascade]
	current  func() (ConfigurationCascade, bool)
	logger   *slog.Logger

	mu           sync.Mutex
	last         ConfigurationCascade
	subscription Disposable
}

// NewConfigurationFeature creates the static configuration feature for the settings signal.
func NewConfigurationFeature(notifier Notifier, settings *Signal[ConfigurationCascade]) *ConfigurationFeature {
	return &ConfigurationFeature{
		notifier: notifier,
		settings: settings,
		current:  settings.Get,
		logger:   slog.Default(),
	}
}

// FillClientCapabilities implements CapabilityFiller.
func (f *ConfigurationFeature) FillClientCapabilities(capabilities *ClientCapabilities) {
	ensure(&ensure(&capabilities.Workspace).DidChangeConfiguration)
}

// FillInitializeParams implements StaticFeature.
func (f *ConfigurationFeature) FillInitializeParams(params *InitializeParams) {
	cascade, ok := f.current()
	if !ok {
		return
	}
	params.ConfigurationCascade = cascade

	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = cascade
}

// Initialize implements StaticFeature. The cascade already sent in initialize is not sent again.
func (f *ConfigurationFeature) Initialize(InitializeResult) {
	f.mu.Lock()
	if f.subscription != nil {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	sub := f.settings.Subscribe(f.changed)

	f.mu.Lock()
	f.subscription = sub
	f.mu.Unlock()
}

// Deinitialize implements StaticFeature.
func (f *ConfigurationFeature) Deinitialize() {
	f.mu.Lock()
	sub := f.subscription
	f.subscription = nil
	f.last = ConfigurationCascade{}
	f.mu.Unlock()

	if sub != nil {
		sub.Dispose()
	}
}

func (f *ConfigurationFeature) changed(cascade ConfigurationCascade) {
	f.mu.Lock()
	if sameCascade(f.last, cascade) {
		f.mu.Unlock()
		return
	}
	f.last = cascade
	f.mu.Unlock()

	params := DidChangeConfigurationParams{Settings: cascade}
	if err := f.notifier.Notify(context.Background(), MethodWorkspaceDidChangeConfiguration, params); err != nil {
		f.logger.Error("failed to send configuration change", slog.String("err", err.Error()))
	}
}
