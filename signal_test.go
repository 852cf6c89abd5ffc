package cxp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalReplaysCurrentValue(t *testing.T) {
	sig := NewSignal[int](nil)

	var before []int
	sub := sig.Subscribe(func(v int) { before = append(before, v) })
	defer sub.Dispose()
	assert.Empty(t, before, "no value was set yet")

	sig.Set(1)
	sig.Set(2)

	var late []int
	lateSub := sig.Subscribe(func(v int) { late = append(late, v) })
	defer lateSub.Dispose()

	assert.Equal(t, []int{1, 2}, before)
	assert.Equal(t, []int{2}, late)

	v, ok := sig.Get()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestSignalCollapsesEqualValues(t *testing.T) {
	sig := NewSignal(func(a, b string) bool { return a == b })

	var got []string
	sub := sig.Subscribe(func(v string) { got = append(got, v) })
	defer sub.Dispose()

	for _, v := range []string{"a", "a", "b", "b", "a"} {
		sig.Set(v)
	}
	assert.Equal(t, []string{"a", "b", "a"}, got)
}

func TestSignalDeliversInSubscriptionOrder(t *testing.T) {
	sig := NewSignal[int](nil)

	var order []string
	subA := sig.Subscribe(func(int) { order = append(order, "a") })
	subB := sig.Subscribe(func(int) { order = append(order, "b") })
	defer subA.Dispose()
	defer subB.Dispose()

	sig.Set(1)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSignalDisposeStopsDelivery(t *testing.T) {
	sig := NewSignal[int](nil)

	var got []int
	sub := sig.Subscribe(func(v int) { got = append(got, v) })
	sig.Set(1)
	sub.Dispose()
	sub.Dispose()
	sig.Set(2)

	assert.Equal(t, []int{1}, got)
	assert.Zero(t, sig.subscribers())
}

func TestDocumentSignalEquality(t *testing.T) {
	a := &TextDocumentItem{URI: "file:///a", LanguageID: "go"}
	sameAsA := &TextDocumentItem{URI: "file:///a", LanguageID: "go"}
	b := &TextDocumentItem{URI: "file:///b", LanguageID: "go"}

	assert.True(t, sameDocument(nil, nil))
	assert.True(t, sameDocument(a, sameAsA))
	assert.False(t, sameDocument(a, nil))
	assert.False(t, sameDocument(nil, b))
	assert.False(t, sameDocument(a, b))
}
