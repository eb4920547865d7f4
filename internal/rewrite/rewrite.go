// Package rewrite turns free-text assistant input into the canonical query
// vocabulary understood by the visitor backend. Every mapping is a literal
// entry in an ordered table; there is no model involved.
package rewrite

import (
	"strings"
)

// OpenContext is the disambiguation expectation carried forward from the last
// assistant turn.
type OpenContext string

const (
	ContextNone                  OpenContext = "none"
	ContextAwaitingSearchTerm    OpenContext = "awaiting-search-term"
	ContextAwaitingHistory       OpenContext = "awaiting-history-subject"
	ContextAwaitingTypeFilter    OpenContext = "awaiting-type-filter"
	ContextAwaitingClarification OpenContext = "awaiting-clarification"
)

// HelpQuery is the canonical text sent for any help intent.
const HelpQuery = "help"

// Canonical verbs prefixed in context-conditioned rewrites.
const (
	VerbSearch  = "search"
	VerbHistory = "history"
	VerbType    = "type"
)

var helpExact = map[string]struct{}{
	"aide":      {},
	"aide-moi":  {},
	"aidez-moi": {},
	"help":      {},
	"help me":   {},
}

var helpContains = []string{
	"que puis-je",
	"que peux-tu faire",
	"what can",
}

type contextRewrite struct {
	verb     string
	keywords []string
}

var contextRewrites = map[OpenContext]contextRewrite{
	ContextAwaitingSearchTerm: {
		verb:     VerbSearch,
		keywords: []string{"search", "find", "chercher", "trouver", "rechercher"},
	},
	ContextAwaitingHistory: {
		verb:     VerbHistory,
		keywords: []string{"history", "historique"},
	},
	ContextAwaitingTypeFilter: {
		verb:     VerbType,
		keywords: []string{"type", "catégorie", "categorie", "category"},
	},
}

// Rewrite maps raw user text plus the open context to canonical query text.
func Rewrite(userText string, open OpenContext) string {
	if IsHelpIntent(userText) {
		return HelpQuery
	}
	return Normalize(ApplyContext(userText, open))
}

// IsHelpIntent reports whether text asks for help or the assistant's abilities,
// in French or English.
func IsHelpIntent(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	trimmed := strings.TrimSpace(strings.TrimRight(lower, "?!. "))
	if _, ok := helpExact[trimmed]; ok {
		return true
	}
	for _, phrase := range helpContains {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ApplyContext prefixes text with the open context's verb unless the text
// already carries a keyword of that context.
func ApplyContext(userText string, open OpenContext) string {
	cr, ok := contextRewrites[open]
	if !ok {
		return userText
	}
	lower := strings.ToLower(userText)
	for _, kw := range cr.keywords {
		if strings.Contains(lower, kw) {
			return userText
		}
	}
	if strings.TrimSpace(userText) == "" {
		return userText
	}
	return cr.verb + " " + userText
}

// Verb returns the canonical verb for a context, or "" when the context has
// none.
func Verb(open OpenContext) string {
	return contextRewrites[open].verb
}
