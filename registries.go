package cxp

import (
	"encoding/json"

	"github.com/sourcegraph/go-lsp"
)

// Registries is the fixed set of provider features of a client session. It holds no state of its
// own: every registration lives in the feature it was routed to.
type Registries struct {
	Commands       *CommandFeature
	Contributions  *ContributionFeature
	Definition     *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location]
	Implementation *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location]
	References     *TextDocumentProviderFeature[lsp.ReferenceParams, []lsp.Location]
	TypeDefinition *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location]
	Hover          *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, *lsp.Hover]
	Decoration     *TextDocumentProviderFeature[DecorationParams, json.RawMessage]
}

// NewRegistries creates every provider feature, routing their requests through caller.
func NewRegistries(caller Caller) *Registries {
	return &Registries{
		Commands:       NewCommandFeature(caller),
		Contributions:  NewContributionFeature(),
		Definition:     NewDefinitionFeature(caller),
		Implementation: NewImplementationFeature(caller),
		References:     NewReferencesFeature(caller),
		TypeDefinition: NewTypeDefinitionFeature(caller),
		Hover:          NewHoverFeature(caller),
		Decoration:     NewDecorationFeature(caller),
	}
}

// Features returns the provider features in a fixed order.
func (r *Registries) Features() []DynamicFeature {
	return []DynamicFeature{
		r.Commands,
		r.Contributions,
		r.Definition,
		r.Implementation,
		r.References,
		r.TypeDefinition,
		r.Hover,
		r.Decoration,
	}
}
