package cxp

import "encoding/json"

// ClientCapabilities define the capabilities the client supports. Every field is a namespaced
// fragment owned by exactly one feature; a nil field means the capability is absent.
type ClientCapabilities struct {
	// TextDocument holds text document specific client capabilities.
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`

	// Workspace holds workspace specific client capabilities.
	Workspace *WorkspaceClientCapabilities `json:"workspace,omitempty"`

	// Contribution is the capability of the window/contribution feature.
	Contribution *DynamicRegistrationCapability `json:"contribution,omitempty"`

	// Experimental client capabilities.
	Experimental json.RawMessage `json:"experimental,omitempty"`
}

// TextDocumentClientCapabilities are the text document specific client capabilities.
type TextDocumentClientCapabilities struct {
	Synchronization *DynamicRegistrationCapability `json:"synchronization,omitempty"`
	Hover           *DynamicRegistrationCapability `json:"hover,omitempty"`
	Definition      *DynamicRegistrationCapability `json:"definition,omitempty"`
	Implementation  *DynamicRegistrationCapability `json:"implementation,omitempty"`
	References      *DynamicRegistrationCapability `json:"references,omitempty"`
	TypeDefinition  *DynamicRegistrationCapability `json:"typeDefinition,omitempty"`
	Decoration      *DynamicRegistrationCapability `json:"decoration,omitempty"`
}

// WorkspaceClientCapabilities are the workspace specific client capabilities.
type WorkspaceClientCapabilities struct {
	ExecuteCommand         *DynamicRegistrationCapability `json:"executeCommand,omitempty"`
	DidChangeConfiguration *DynamicRegistrationCapability `json:"didChangeConfiguration,omitempty"`
}

// DynamicRegistrationCapability is the leaf capability of a feature.
type DynamicRegistrationCapability struct {
	// DynamicRegistration reports whether the feature supports dynamic registration.
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// CapabilityFiller contributes one fragment to a ClientCapabilities value. A filler only writes
// its own namespaced fields and never reads another filler's fragment.
type CapabilityFiller interface {
	FillClientCapabilities(capabilities *ClientCapabilities)
}

// MergeClientCapabilities folds every filler over an initially empty ClientCapabilities. Fillers
// write disjoint fields, so the result does not depend on their order, and applying the same
// filler twice yields the same result as once.
func MergeClientCapabilities(fillers ...CapabilityFiller) ClientCapabilities {
	var caps ClientCapabilities
	for _, f := range fillers {
		f.FillClientCapabilities(&caps)
	}
	return caps
}

// ensure returns *field, initializing it to an empty value first if it is nil. A value set by a
// sibling is never overwritten.
func ensure[T any](field **T) *T {
	if *field == nil {
		*field = new(T)
	}
	return *field
}

// capabilityFunc adapts a function to CapabilityFiller.
type capabilityFunc func(capabilities *ClientCapabilities)

func (f capabilityFunc) FillClientCapabilities(capabilities *ClientCapabilities) {
	f(capabilities)
}
