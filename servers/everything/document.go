package everything

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/sourcegraph/go-lsp"
)

func (s *Server) document(uri lsp.DocumentURI) (cxp.TextDocumentItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[uri]
	return doc, ok
}

// handleHover describes the hovered position of an open document. Positions in documents the
// client never opened have no hover.
func (s *Server) handleHover(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params lsp.TextDocumentPositionParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("%w: invalid hover params: %s", cxp.ErrInvalidParams, err)
	}

	doc, ok := s.document(params.TextDocument.URI)
	if !ok {
		return (*lsp.Hover)(nil), nil
	}

	pos := params.Position
	return &lsp.Hover{
		Contents: []lsp.MarkedString{{
			Language: "markdown",
			Value:    fmt.Sprintf("%s document, line %d, column %d", doc.LanguageID, pos.Line+1, pos.Character+1),
		}},
		Range: &lsp.Range{Start: pos, End: pos},
	}, nil
}

// handleDecoration labels the first line of an open document with its language.
func (s *Server) handleDecoration(_ context.Context, rawParams json.RawMessage) (any, error) {
	var params cxp.DecorationParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("%w: invalid decoration params: %s", cxp.ErrInvalidParams, err)
	}

	s.mu.Lock()
	enabled := s.settings.Decorations == nil || *s.settings.Decorations
	s.mu.Unlock()

	doc, ok := s.document(params.TextDocument.URI)
	if !ok || !enabled {
		return []Decoration{}, nil
	}
	return []Decoration{{
		After: DecorationAttachment{ContentText: fmt.Sprintf("opened as %s", doc.LanguageID)},
	}}, nil
}
