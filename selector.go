package cxp

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gobwas/glob"
)

// DocumentFilter matches documents by language, URI scheme and URI path pattern. Every field that
// is set must match; a filter with no fields set matches nothing.
//
// On the wire a filter is either an object or a bare string, the latter being a language
// identifier. The language "*" matches every language.
type DocumentFilter struct {
	Language string `json:"language,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
	Pattern  string `json:"pattern,omitempty"`

	pattern glob.Glob
}

// DocumentSelector is a list of filters. A document matches the selector if it matches any of its
// filters.
type DocumentSelector []DocumentFilter

// UnmarshalJSON accepts either a language identifier or a filter object, and rejects patterns
// that are not valid globs.
func (f *DocumentFilter) UnmarshalJSON(data []byte) error {
	var language string
	if err := json.Unmarshal(data, &language); err == nil {
		*f = DocumentFilter{Language: language}
		return nil
	}

	type filter DocumentFilter
	var raw filter
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("document filter must be a string or an object: %w", err)
	}
	decoded := DocumentFilter(raw)
	if err := decoded.compile(); err != nil {
		return err
	}
	*f = decoded
	return nil
}

func (f *DocumentFilter) compile() error {
	if f.Pattern == "" || f.pattern != nil {
		return nil
	}
	g, err := glob.Compile(f.Pattern, '/')
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", f.Pattern, err)
	}
	f.pattern = g
	return nil
}

// Match reports whether the document matches the filter.
func (f DocumentFilter) Match(doc TextDocumentItem) bool {
	if f.Language == "" && f.Scheme == "" && f.Pattern == "" {
		return false
	}
	if f.Language != "" && f.Language != "*" && f.Language != doc.LanguageID {
		return false
	}
	if f.Scheme == "" && f.Pattern == "" {
		return true
	}

	u, err := url.Parse(string(doc.URI))
	if err != nil {
		return false
	}
	if f.Scheme != "" && f.Scheme != u.Scheme {
		return false
	}
	if f.Pattern != "" {
		if err := f.compile(); err != nil {
			return false
		}
		if !f.pattern.Match(u.Path) && !f.pattern.Match(string(doc.URI)) {
			return false
		}
	}
	return true
}

// Match reports whether the document matches any filter of the selector.
func (s DocumentSelector) Match(doc TextDocumentItem) bool {
	for _, f := range s {
		if f.Match(doc) {
			return true
		}
	}
	return false
}

// matchAny reports whether the document matches any of the selectors.
func matchAny(selectors []DocumentSelector, doc TextDocumentItem) bool {
	for _, s := range selectors {
		if s.Match(doc) {
			return true
		}
	}
	return false
}
