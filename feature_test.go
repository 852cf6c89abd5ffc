package cxp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	provided []RegistrationData[TextDocumentRegistrationOptions]
	disposed []string
	err      error
}

func (p *countingProvider) provide(data RegistrationData[TextDocumentRegistrationOptions]) (Disposable, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.provided = append(p.provided, data)
	return DisposeFunc(func() { p.disposed = append(p.disposed, data.ID) }), nil
}

func newTestFeature(p *countingProvider) *Feature[TextDocumentRegistrationOptions] {
	return NewFeature(MethodTextDocumentHover, nil, p.provide)
}

const goSelector = `{"documentSelector":["go"]}`

func TestFeatureRegisterUnregister(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	reg := registration("1", MethodTextDocumentHover, goSelector)
	reg.OverwriteExisting = true
	require.NoError(t, f.Register(MethodTextDocumentHover, reg))
	require.Len(t, p.provided, 1)
	assert.Equal(t, "1", p.provided[0].ID)
	assert.True(t, p.provided[0].OverwriteExisting)
	assert.Equal(t, DocumentSelector{{Language: "go"}}, p.provided[0].RegisterOptions.DocumentSelector)
	assert.True(t, f.registered("1"))

	require.NoError(t, f.Unregister("1"))
	assert.Equal(t, []string{"1"}, p.disposed)
	assert.False(t, f.registered("1"))
}

func TestFeatureRejectsDuplicateID(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	require.NoError(t, f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector)))
	err := f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector))
	require.ErrorIs(t, err, ErrConflict)

	assert.Len(t, p.provided, 1, "the provider must not run for a rejected registration")
	assert.Empty(t, p.disposed)
	assert.True(t, f.registered("1"))
}

func TestFeatureUnregisterUnknownID(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	require.ErrorIs(t, f.Unregister("missing"), ErrNotFound)

	require.NoError(t, f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector)))
	require.NoError(t, f.Unregister("1"))
	require.ErrorIs(t, f.Unregister("1"), ErrNotFound)
	assert.Equal(t, []string{"1"}, p.disposed, "a resource is disposed exactly once")
}

func TestFeatureRejectsWrongMethod(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	err := f.Register(MethodTextDocumentDefinition, registration("1", MethodTextDocumentDefinition, goSelector))
	require.ErrorIs(t, err, ErrProtocol)
	assert.Empty(t, p.provided)
	assert.False(t, f.registered("1"))
}

func TestFeatureValidationLeavesStateUnchanged(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	err := f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, `{"documentSelector":42}`))
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, p.provided)
	assert.False(t, f.registered("1"))

	require.NoError(t, f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector)))
}

func TestFeatureProviderErrorIsNotStored(t *testing.T) {
	errBoom := errors.New("boom")
	p := &countingProvider{err: errBoom}
	f := newTestFeature(p)

	require.ErrorIs(t, f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector)), errBoom)
	assert.False(t, f.registered("1"))
}

func TestFeatureUnregisterAll(t *testing.T) {
	p := &countingProvider{}
	f := newTestFeature(p)

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, f.Register(MethodTextDocumentHover, registration(id, MethodTextDocumentHover, goSelector)))
	}
	f.UnregisterAll()
	assert.Equal(t, []string{"1", "2", "3"}, p.disposed)

	f.UnregisterAll()
	assert.Len(t, p.disposed, 3, "a second reset is a no-op")

	require.NoError(t, f.Register(MethodTextDocumentHover, registration("1", MethodTextDocumentHover, goSelector)),
		"an ID is free again after a reset")
}

func TestRegistrationMapKeepsInsertionOrder(t *testing.T) {
	var m registrationMap[int]
	require.NoError(t, m.add("b", 2))
	require.NoError(t, m.add("a", 1))
	require.NoError(t, m.add("c", 3))
	require.ErrorIs(t, m.add("a", 4), ErrConflict)

	assert.Equal(t, []int{2, 1, 3}, m.values())

	v, err := m.remove("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, m.values())

	assert.Equal(t, []int{2, 3}, m.clear())
	assert.Zero(t, m.len())
}
