package assistant

import (
	"strings"

	"github.com/ent0n29/visitassist/internal/rewrite"
)

// No search-term phrase may match the backend's history prompt ("Veuillez
// spécifier un visiteur pour voir son historique (nom, prénom, ou CIN).").
var (
	searchTermPhrases = []string{
		"terme de recherche",
		"aucun visiteur trouvé",
		"search term",
		"specify a visitor",
		"no visitor found",
	}
	historySubjectPairs = [][2]string{
		{"historique", "spécifier"},
		{"historique", "visiteur"},
		{"history", "specify"},
		{"history", "visitor"},
	}
	typeFilterPhrases = []string{
		"type de visiteur",
		"catégorie",
		"visitor type",
		"category",
	}
	clarificationPhrases = []string{
		"ne comprends pas",
		"exemples de questions",
		"don't understand",
		"do not understand",
		"example questions",
	}
)

// Classify derives the open context from an assistant turn. Categories are
// checked in priority order and the first match wins.
func Classify(t Turn) rewrite.OpenContext {
	if t.Role != RoleAssistant || t.IsError {
		return rewrite.ContextNone
	}
	text := strings.ToLower(t.Text)
	switch {
	case containsAny(text, searchTermPhrases):
		return rewrite.ContextAwaitingSearchTerm
	case containsPair(text, historySubjectPairs):
		return rewrite.ContextAwaitingHistory
	case containsAny(text, typeFilterPhrases):
		return rewrite.ContextAwaitingTypeFilter
	case containsAny(text, clarificationPhrases):
		return rewrite.ContextAwaitingClarification
	default:
		return rewrite.ContextNone
	}
}

// Tracker holds the open context of the most recent assistant turn.
type Tracker struct {
	open rewrite.OpenContext
}

func NewTracker() *Tracker {
	return &Tracker{open: rewrite.ContextNone}
}

// Observe recomputes the open context from an assistant turn. User turns are
// ignored.
func (tr *Tracker) Observe(t Turn) {
	if t.Role != RoleAssistant {
		return
	}
	tr.open = Classify(t)
}

func (tr *Tracker) Current() rewrite.OpenContext {
	if tr.open == "" {
		return rewrite.ContextNone
	}
	return tr.open
}

func (tr *Tracker) Reset() {
	tr.open = rewrite.ContextNone
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func containsPair(text string, pairs [][2]string) bool {
	for _, p := range pairs {
		if strings.Contains(text, p[0]) && strings.Contains(text, p[1]) {
			return true
		}
	}
	return false
}
