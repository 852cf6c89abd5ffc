package cxp

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// StaticFeature is a client feature that is always enabled. It takes part in the handshake but
// never receives registrations.
type StaticFeature interface {
	CapabilityFiller

	// FillInitializeParams adds the feature's data to the initialize request.
	FillInitializeParams(params *InitializeParams)

	// Initialize is called once the extension accepted the initialize request. The feature may
	// start talking to the extension from here on.
	Initialize(result InitializeResult)

	// Deinitialize frees the resources acquired in Initialize.
	Deinitialize()
}

// DynamicFeature is a client feature the extension can enable, configure and disable at runtime
// through registration directives.
type DynamicFeature interface {
	CapabilityFiller

	// Method returns the message key registrations for this feature are routed by.
	Method() string

	// Register activates the feature for one registration. It fails with ErrProtocol if method is
	// not the feature's message key, ErrValidation if the options are malformed and ErrConflict if
	// the registration ID is already in use. A failed call leaves the feature unchanged.
	Register(method string, reg Registration) error

	// Unregister deactivates one registration. It fails with ErrNotFound if the ID is unknown.
	Unregister(id string) error

	// UnregisterAll deactivates every registration, leaving the feature as freshly constructed.
	UnregisterAll()
}

// RegistrationData is a registration whose options were decoded and validated.
type RegistrationData[O any] struct {
	ID              string
	RegisterOptions O
	// OverwriteExisting is kept as received. It never replaces an existing registration.
	OverwriteExisting bool
}

// registrationMap is the ID keyed bookkeeping shared by every dynamic feature. It keeps insertion
// order so bulk teardown is deterministic.
type registrationMap[V any] struct {
	ids     []string
	entries map[string]V
}

func (m *registrationMap[V]) has(id string) bool {
	_, ok := m.entries[id]
	return ok
}

func (m *registrationMap[V]) add(id string, v V) error {
	if m.has(id) {
		return fmt.Errorf("%w: registration already exists with ID %s", ErrConflict, id)
	}
	if m.entries == nil {
		m.entries = make(map[string]V)
	}
	m.entries[id] = v
	m.ids = append(m.ids, id)
	return nil
}

func (m *registrationMap[V]) remove(id string) (V, error) {
	v, ok := m.entries[id]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: no registration with ID %s", ErrNotFound, id)
	}
	delete(m.entries, id)
	m.ids = slices.DeleteFunc(m.ids, func(other string) bool { return other == id })
	return v, nil
}

// clear empties the map and returns the removed values in insertion order.
func (m *registrationMap[V]) clear() []V {
	values := m.values()
	m.ids = nil
	m.entries = nil
	return values
}

func (m *registrationMap[V]) values() []V {
	values := make([]V, 0, len(m.ids))
	for _, id := range m.ids {
		values = append(values, m.entries[id])
	}
	return values
}

func (m *registrationMap[V]) len() int {
	return len(m.entries)
}

// optionsValidator is implemented by registration options that check more than their JSON shape.
type optionsValidator interface {
	Validate() error
}

// decodeRegistrationOptions decodes raw into a fresh O and validates it. A nil or null raw
// decodes to the zero O before validation.
func decodeRegistrationOptions[O any](raw json.RawMessage) (O, error) {
	var opts O
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			var zero O
			return zero, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	if v, ok := any(&opts).(optionsValidator); ok {
		if err := v.Validate(); err != nil {
			var zero O
			return zero, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return opts, nil
}

// ProviderFunc activates a feature for one registration and returns the resource that undoes it.
type ProviderFunc[O any] func(data RegistrationData[O]) (Disposable, error)

// Feature is the generic dynamic feature: every registration is turned into a provider resource
// by its ProviderFunc and disposed when the registration goes away.
type Feature[O any] struct {
	method  string
	fill    func(capabilities *ClientCapabilities)
	provide ProviderFunc[O]
	metrics *Metrics

	mu            sync.Mutex
	registrations registrationMap[Disposable]
}

// NewFeature creates a Feature for the given message key. fill contributes the feature's
// capability fragment and may be nil.
func NewFeature[O any](method string, fill func(capabilities *ClientCapabilities), provide ProviderFunc[O]) *Feature[O] {
	return &Feature[O]{
		method:  method,
		fill:    fill,
		provide: provide,
	}
}

// Method implements DynamicFeature.
func (f *Feature[O]) Method() string {
	return f.method
}

// FillClientCapabilities implements CapabilityFiller.
func (f *Feature[O]) FillClientCapabilities(capabilities *ClientCapabilities) {
	if f.fill != nil {
		f.fill(capabilities)
	}
}

// Register implements DynamicFeature.
func (f *Feature[O]) Register(method string, reg Registration) error {
	err := f.register(method, reg)
	f.metrics.registrationResult(f.method, err)
	return err
}

func (f *Feature[O]) register(method string, reg Registration) error {
	if method != f.method {
		return fmt.Errorf("%w: register called on wrong feature, requested %s but reached feature %s",
			ErrProtocol, method, f.method)
	}
	opts, err := decodeRegistrationOptions[O](reg.RegisterOptions)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registrations.has(reg.ID) {
		return fmt.Errorf("%w: registration already exists with ID %s", ErrConflict, reg.ID)
	}
	resource, err := f.provide(RegistrationData[O]{
		ID:                reg.ID,
		RegisterOptions:   opts,
		OverwriteExisting: reg.OverwriteExisting,
	})
	if err != nil {
		return err
	}
	if resource == nil {
		resource = DisposeFunc(nil)
	}
	return f.registrations.add(reg.ID, resource)
}

// Unregister implements DynamicFeature.
func (f *Feature[O]) Unregister(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	resource, err := f.registrations.remove(id)
	if err != nil {
		return err
	}
	resource.Dispose()
	f.metrics.registrationRemoved(f.method, 1)
	return nil
}

// UnregisterAll implements DynamicFeature.
func (f *Feature[O]) UnregisterAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	resources := f.registrations.clear()
	for _, resource := range resources {
		resource.Dispose()
	}
	f.metrics.registrationRemoved(f.method, len(resources))
}

func (f *Feature[O]) instrument(m *Metrics) {
	f.metrics = m
}

// registered reports whether a registration with the ID is live.
func (f *Feature[O]) registered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registrations.has(id)
}
