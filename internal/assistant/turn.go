package assistant

import (
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/visitassist/internal/protocol"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const welcomeText = "🤖 **Assistant Visiteur**\n\nBonjour! Je suis votre assistant pour la gestion des visiteurs. Je peux vous aider avec:\n\n📊 **Statistiques:** Nombre de visiteurs, analyses\n🔍 **Recherche:** Trouver des visiteurs spécifiques\n📈 **Analyses:** Heures de pointe, durée des visites\n🟢 **État actuel:** Visiteurs présents\n\nPosez votre question en français ou en anglais!"

// ErrorText is the fixed assistant text appended when no transport replied.
const ErrorText = "❌ Désolé, j'ai rencontré une erreur. Veuillez vérifier votre connexion et réessayer."

var welcomeSuggestions = []string{
	"Combien de visiteurs aujourd'hui?",
	"Chercher un visiteur",
	"Heures de pointe",
	"Aide",
}

// Turn is one entry of the conversation log.
type Turn struct {
	ID          string
	Role        Role
	Text        string
	Timestamp   time.Time
	Suggestions []string
	Records     []protocol.Visitor
	Aggregates  map[string]any
	QueryType   string
	IsError     bool
	Superseded  bool
}

func newUserTurn(text string, now time.Time) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: now,
	}
}

func newAssistantTurn(reply protocol.Reply, now time.Time) Turn {
	return Turn{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Text:        reply.Response,
		Timestamp:   now,
		Suggestions: cloneStrings(reply.Suggestions),
		Records:     cloneVisitors(reply.Visitors),
		Aggregates:  reply.Analytics,
		QueryType:   reply.QueryType,
	}
}

func newErrorTurn(now time.Time) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Text:      ErrorText,
		Timestamp: now,
		IsError:   true,
	}
}

func newWelcomeTurn(now time.Time) Turn {
	return Turn{
		ID:          uuid.NewString(),
		Role:        RoleAssistant,
		Text:        welcomeText,
		Timestamp:   now,
		Suggestions: cloneStrings(welcomeSuggestions),
	}
}

// View converts the turn to its presentation shape.
func (t Turn) View() protocol.TurnView {
	suggestions := t.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	visitors := t.Records
	if visitors == nil {
		visitors = []protocol.Visitor{}
	}
	return protocol.TurnView{
		ID:          t.ID,
		Role:        string(t.Role),
		Text:        t.Text,
		Timestamp:   t.Timestamp,
		Suggestions: suggestions,
		Visitors:    visitors,
		Analytics:   t.Aggregates,
		IsError:     t.IsError,
		Superseded:  t.Superseded,
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneVisitors(in []protocol.Visitor) []protocol.Visitor {
	if len(in) == 0 {
		return nil
	}
	out := make([]protocol.Visitor, len(in))
	copy(out, in)
	return out
}
