package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/visitassist/internal/protocol"
)

// Query types returned by the chatbot backend.
const (
	QueryTodayVisitors  = "TODAY_VISITORS"
	QueryVisitorCount   = "VISITOR_COUNT"
	QuerySearchVisitor  = "SEARCH_VISITOR"
	QueryVisitorHistory = "VISITOR_HISTORY"
	QueryTypeAnalysis   = "VISITOR_TYPE_ANALYSIS"
	QueryEntryTime      = "ENTRY_TIME_ANALYSIS"
	QueryVisitDuration  = "VISIT_DURATION_ANALYSIS"
	QueryPeakHours      = "PEAK_HOURS"
	QueryActiveVisitors = "ACTIVE_VISITORS"
	QueryGeneralHelp    = "GENERAL_HELP"
	QueryUnknown        = protocol.QueryTypeUnknown
)

const (
	mockTimeLayout = "2006-01-02T15:04:05"

	searchPrompt  = "Veuillez spécifier un terme de recherche (nom, prénom, CIN, ou matricule fiscal)."
	historyPrompt = "Veuillez spécifier un visiteur pour voir son historique (nom, prénom, ou CIN)."
	unknownText   = "Je ne comprends pas votre demande. Voici quelques exemples de questions que je peux traiter:\n\n" +
		"• \"Combien de visiteurs aujourd'hui?\"\n" +
		"• \"Chercher le visiteur [nom]\"\n" +
		"• \"Heures de pointe\"\n" +
		"• \"Visiteurs actuellement présents\"\n\n" +
		"Tapez \"aide\" pour voir toutes mes fonctionnalités."
	helpText = "🤖 **Assistant Visiteur - Guide d'utilisation:**\n\n" +
		"📊 **Statistiques:** \"Combien de visiteurs aujourd'hui?\", \"Statistiques de la semaine\"\n" +
		"🔍 **Recherche:** \"Chercher [nom/CIN]\", \"Combien de fois [nom] est venu?\"\n" +
		"📈 **Analyses:** \"Heures de pointe\", \"Durée des visites\", \"Répartition par type\"\n" +
		"🟢 **État actuel:** \"Visiteurs actuellement présents\"\n\n" +
		"Posez votre question en français ou en anglais!"
	mockCapabilities = "🤖 **Capacités du Chatbot Visiteur:** statistiques, recherche, historique, " +
		"heures de pointe, durée des visites, visiteurs présents."
)

// Visit is one entry of the mock roster.
type Visit struct {
	Nom          string
	Prenom       string
	CIN          string
	TypeVisiteur string
	EnteredAt    time.Time
	LeftAt       time.Time
}

func (v Visit) present() bool { return v.LeftAt.IsZero() }

func (v Visit) record() protocol.Visitor {
	out := protocol.Visitor{
		Nom:          v.Nom,
		Prenom:       v.Prenom,
		CIN:          v.CIN,
		TypeVisiteur: v.TypeVisiteur,
		DateEntree:   v.EnteredAt.Format(mockTimeLayout),
	}
	if !v.LeftAt.IsZero() {
		out.DateSortie = v.LeftAt.Format(mockTimeLayout)
	}
	return out
}

// MockBackend answers canonical queries from an in-memory roster. It stands in
// for the chatbot backend offline and in tests.
type MockBackend struct {
	now func() time.Time

	mu      sync.Mutex
	roster  []Visit
	queries []protocol.Query
}

func NewMockBackend(now func() time.Time) *MockBackend {
	if now == nil {
		now = time.Now
	}
	return &MockBackend{now: now, roster: seedRoster(now())}
}

// SetRoster replaces the roster.
func (m *MockBackend) SetRoster(visits []Visit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = append([]Visit(nil), visits...)
}

// Queries returns every query received so far.
func (m *MockBackend) Queries() []protocol.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Query(nil), m.queries...)
}

func (m *MockBackend) Query(ctx context.Context, q protocol.Query) (protocol.Reply, error) {
	select {
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	default:
	}

	m.mu.Lock()
	m.queries = append(m.queries, q)
	roster := append([]Visit(nil), m.roster...)
	m.mu.Unlock()

	reply := m.answer(strings.TrimSpace(q.Message), roster, q)
	reply.SessionID = q.SessionID
	reply.DispatchID = q.DispatchID
	return reply, nil
}

func (m *MockBackend) Capabilities(ctx context.Context) (string, error) {
	return mockCapabilities, ctx.Err()
}

func (m *MockBackend) Health(ctx context.Context) (string, error) {
	return "Chatbot service is running (mock)", ctx.Err()
}

func (m *MockBackend) answer(message string, roster []Visit, q protocol.Query) protocol.Reply {
	lower := strings.ToLower(message)
	switch {
	case lower == "help" || lower == "aide":
		return protocol.Reply{Response: helpText, QueryType: QueryGeneralHelp, Confidence: protocol.Confidence{Label: "HIGH"}}
	case lower == "search" || strings.HasPrefix(lower, "search "):
		return searchReply(strings.TrimSpace(message[len("search"):]), roster)
	case lower == "history" || strings.HasPrefix(lower, "history "):
		return historyReply(strings.TrimSpace(message[len("history"):]), roster)
	case lower == "how many visitors today":
		return m.todayReply(roster)
	case strings.HasPrefix(lower, "how many visitors this "):
		return countReply(roster, q)
	case lower == "currently present visitors":
		return presentReply(roster)
	case lower == "peak hours" || lower == "entry hours":
		return hoursReply(lower, roster)
	case lower == "visit duration":
		return durationReply(roster)
	case lower == "visitor type":
		return typeReply("", roster)
	case strings.HasPrefix(lower, "type "):
		return typeReply(strings.TrimSpace(message[len("type "):]), roster)
	default:
		return protocol.Reply{
			Response:    unknownText,
			QueryType:   QueryUnknown,
			Confidence:  protocol.Confidence{Label: "LOW"},
			Suggestions: []string{"Aide", "Statistiques", "Recherche"},
		}
	}
}

func searchReply(term string, roster []Visit) protocol.Reply {
	if term == "" {
		return protocol.Reply{Response: searchPrompt, QueryType: QuerySearchVisitor, Confidence: protocol.Confidence{Label: "LOW"}}
	}
	matches := matchVisits(term, roster)
	if len(matches) == 0 {
		return protocol.Reply{
			Response:   fmt.Sprintf("Aucun visiteur trouvé pour le terme de recherche: '%s'", term),
			QueryType:  QuerySearchVisitor,
			Confidence: protocol.Confidence{Label: "MEDIUM"},
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 **Résultats de recherche pour '%s':**\n\n**%d visiteur(s) trouvé(s):**\n\n", term, len(matches))
	records := make([]protocol.Visitor, 0, len(matches))
	for _, v := range matches {
		status := "🔴 Parti"
		if v.present() {
			status = "🟢 Actif"
		}
		fmt.Fprintf(&b, "• **%s %s** (%s) - %s\n", v.Prenom, v.Nom, v.CIN, status)
		records = append(records, v.record())
	}
	return protocol.Reply{
		Response:   b.String(),
		QueryType:  QuerySearchVisitor,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Visitors:   records,
	}
}

func historyReply(term string, roster []Visit) protocol.Reply {
	if term == "" {
		return protocol.Reply{Response: historyPrompt, QueryType: QueryVisitorHistory, Confidence: protocol.Confidence{Label: "LOW"}}
	}
	matches := matchVisits(term, roster)
	if len(matches) == 0 {
		return protocol.Reply{
			Response:   fmt.Sprintf("Aucun historique trouvé pour: '%s'", term),
			QueryType:  QueryVisitorHistory,
			Confidence: protocol.Confidence{Label: "MEDIUM"},
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].EnteredAt.After(matches[j].EnteredAt) })
	first := matches[0]
	var b strings.Builder
	fmt.Fprintf(&b, "📋 **Historique de %s %s (%s):**\n\n**%d visite(s) trouvée(s):**\n\n", first.Prenom, first.Nom, first.CIN, len(matches))
	records := make([]protocol.Visitor, 0, len(matches))
	for i, v := range matches {
		left := "En cours"
		if !v.present() {
			left = v.LeftAt.Format("15:04")
		}
		fmt.Fprintf(&b, "%d. **%s** - %s\n", i+1, v.EnteredAt.Format("02/01/2006 15:04"), left)
		records = append(records, v.record())
	}
	return protocol.Reply{
		Response:   b.String(),
		QueryType:  QueryVisitorHistory,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Visitors:   records,
		Analytics:  map[string]any{"visitCount": len(matches)},
	}
}

func (m *MockBackend) todayReply(roster []Visit) protocol.Reply {
	today := m.now()
	var visits []Visit
	for _, v := range roster {
		if sameDay(v.EnteredAt, today) {
			visits = append(visits, v)
		}
	}
	active := countPresent(visits)
	return protocol.Reply{
		Response: fmt.Sprintf("📊 **Visiteurs d'aujourd'hui (%s):**\n\n• **Total des visiteurs:** %d\n• **Visiteurs actuellement présents:** %d\n• **Visiteurs partis:** %d",
			today.Format("02/01/2006"), len(visits), active, len(visits)-active),
		QueryType:   QueryTodayVisitors,
		Confidence:  protocol.Confidence{Label: "HIGH"},
		Suggestions: []string{"Voir les détails", "Analyse par type", "Heures de pointe"},
		Visitors:    records(visits),
		Analytics:   map[string]any{"totalVisitors": len(visits), "activeVisitors": active},
	}
}

func countReply(roster []Visit, q protocol.Query) protocol.Reply {
	visits := inRange(roster, q.DateFrom, q.DateTo)
	active := countPresent(visits)
	typeCounts := make(map[string]int)
	for _, v := range visits {
		typeCounts[typeLabel(v.TypeVisiteur)]++
	}
	return protocol.Reply{
		Response: fmt.Sprintf("📈 **Statistiques des visiteurs (%s - %s):**\n\n• **Total des visiteurs:** %d\n• **Visiteurs actifs:** %d\n• **Visiteurs partis:** %d",
			rangeLabel(q.DateFrom), rangeLabel(q.DateTo), len(visits), active, len(visits)-active),
		QueryType:   QueryVisitorCount,
		Confidence:  protocol.Confidence{Label: "HIGH"},
		Suggestions: []string{"Voir les détails", "Analyse temporelle", "Graphiques"},
		Visitors:    records(visits),
		Analytics:   map[string]any{"totalVisitors": len(visits), "activeVisitors": active, "typeCounts": typeCounts},
	}
}

func presentReply(roster []Visit) protocol.Reply {
	var present []Visit
	for _, v := range roster {
		if v.present() {
			present = append(present, v)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🟢 **Visiteurs actuellement présents:** %d\n\n", len(present))
	for _, v := range present {
		fmt.Fprintf(&b, "• **%s %s** (%s) - entré à %s\n", v.Prenom, v.Nom, typeLabel(v.TypeVisiteur), v.EnteredAt.Format("15:04"))
	}
	return protocol.Reply{
		Response:   b.String(),
		QueryType:  QueryActiveVisitors,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Visitors:   records(present),
		Analytics:  map[string]any{"activeVisitors": len(present)},
	}
}

func hoursReply(kind string, roster []Visit) protocol.Reply {
	byHour := make(map[int]int)
	for _, v := range roster {
		byHour[v.EnteredAt.Hour()]++
	}
	peak, peakCount := -1, 0
	hours := make([]int, 0, len(byHour))
	for h, n := range byHour {
		hours = append(hours, h)
		if n > peakCount || (n == peakCount && h < peak) {
			peak, peakCount = h, n
		}
	}
	sort.Ints(hours)

	queryType, title := QueryPeakHours, "⏰ **Heures de pointe:**"
	if kind == "entry hours" {
		queryType, title = QueryEntryTime, "⏰ **Analyse des heures d'entrée:**"
	}
	var b strings.Builder
	b.WriteString(title + "\n\n")
	if peak >= 0 {
		fmt.Fprintf(&b, "**Heure de pointe:** %02dh-%02dh (%d visiteurs)\n\n", peak, peak+1, peakCount)
	}
	distribution := make(map[string]int, len(hours))
	for _, h := range hours {
		label := fmt.Sprintf("%02dh-%02dh", h, h+1)
		distribution[label] = byHour[h]
		fmt.Fprintf(&b, "• %s: %d visiteurs\n", label, byHour[h])
	}
	return protocol.Reply{
		Response:   b.String(),
		QueryType:  queryType,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Analytics:  map[string]any{"peakHour": peak, "distribution": distribution},
	}
}

func durationReply(roster []Visit) protocol.Reply {
	var total time.Duration
	completed := 0
	for _, v := range roster {
		if v.present() {
			continue
		}
		total += v.LeftAt.Sub(v.EnteredAt)
		completed++
	}
	avg := 0
	if completed > 0 {
		avg = int((total / time.Duration(completed)).Minutes())
	}
	return protocol.Reply{
		Response:   fmt.Sprintf("⏱️ **Durée des visites:**\n\n• **Visites terminées:** %d\n• **Durée moyenne:** %d min", completed, avg),
		QueryType:  QueryVisitDuration,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Analytics:  map[string]any{"completedVisits": completed, "averageMinutes": avg},
	}
}

func typeReply(filter string, roster []Visit) protocol.Reply {
	filter = strings.ToLower(strings.TrimSpace(filter))
	counts := make(map[string]int)
	var matched []Visit
	for _, v := range roster {
		label := typeLabel(v.TypeVisiteur)
		if filter != "" && !strings.Contains(strings.ToLower(v.TypeVisiteur), filter) && !strings.Contains(strings.ToLower(label), filter) {
			continue
		}
		counts[label]++
		matched = append(matched, v)
	}
	labels := make([]string, 0, len(counts))
	for l := range counts {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	var b strings.Builder
	b.WriteString("📊 **Analyse par type de visiteur:**\n\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "• **%s:** %d visiteurs\n", l, counts[l])
	}
	if len(labels) == 0 {
		fmt.Fprintf(&b, "Aucun visiteur de la catégorie '%s'.", filter)
	}
	return protocol.Reply{
		Response:   b.String(),
		QueryType:  QueryTypeAnalysis,
		Confidence: protocol.Confidence{Label: "HIGH"},
		Visitors:   records(matched),
		Analytics:  map[string]any{"typeCounts": counts},
	}
}

// matchVisits matches term against names, CIN and both full-name orders.
func matchVisits(term string, roster []Visit) []Visit {
	term = strings.ToLower(strings.TrimSpace(term))
	var out []Visit
	for _, v := range roster {
		fields := []string{
			strings.ToLower(v.Nom),
			strings.ToLower(v.Prenom),
			v.CIN,
			strings.ToLower(v.Prenom + " " + v.Nom),
			strings.ToLower(v.Nom + " " + v.Prenom),
		}
		for _, f := range fields {
			if f != "" && strings.Contains(f, term) {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func inRange(roster []Visit, from, to *protocol.Date) []Visit {
	var out []Visit
	for _, v := range roster {
		day := protocol.NewDate(v.EnteredAt)
		if from != nil && day.Before(from.Time) {
			continue
		}
		if to != nil && day.After(to.Time) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func records(visits []Visit) []protocol.Visitor {
	if len(visits) == 0 {
		return nil
	}
	out := make([]protocol.Visitor, 0, len(visits))
	for _, v := range visits {
		out = append(out, v.record())
	}
	return out
}

func countPresent(visits []Visit) int {
	n := 0
	for _, v := range visits {
		if v.present() {
			n++
		}
	}
	return n
}

func typeLabel(t string) string {
	switch t {
	case "visiteurMalade":
		return "Visiteur malade"
	case "docteur":
		return "Docteur"
	case "fournisseur":
		return "Fournisseur"
	case "":
		return "Non spécifié"
	default:
		return t
	}
}

func rangeLabel(d *protocol.Date) string {
	if d == nil {
		return "-"
	}
	return d.Format("02/01/2006")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func seedRoster(now time.Time) []Visit {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	at := func(daysAgo, hour, minute int) time.Time {
		return day.AddDate(0, 0, -daysAgo).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	}
	return []Visit{
		{Nom: "Dupont", Prenom: "Jean", CIN: "08123456", TypeVisiteur: "visiteurMalade", EnteredAt: at(0, 9, 15), LeftAt: at(0, 10, 5)},
		{Nom: "Ben Ali", Prenom: "Ahmed", CIN: "07654321", TypeVisiteur: "docteur", EnteredAt: at(0, 9, 40)},
		{Nom: "Trabelsi", Prenom: "Fatma", CIN: "09111222", TypeVisiteur: "fournisseur", EnteredAt: at(0, 14, 20)},
		{Nom: "Martin", Prenom: "Claire", CIN: "06987654", TypeVisiteur: "visiteurMalade", EnteredAt: at(1, 9, 5), LeftAt: at(1, 9, 50)},
		{Nom: "Ben Ali", Prenom: "Ahmed", CIN: "07654321", TypeVisiteur: "docteur", EnteredAt: at(2, 8, 30), LeftAt: at(2, 12, 0)},
		{Nom: "Dupont", Prenom: "Jean", CIN: "08123456", TypeVisiteur: "visiteurMalade", EnteredAt: at(5, 15, 10), LeftAt: at(5, 16, 0)},
	}
}
