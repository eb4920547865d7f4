package rewrite

import (
	"regexp"
	"strings"
)

// Rule is one predicate->transform pair of the normalization table.
type Rule struct {
	Name      string
	Matches   func(text string) bool
	Transform func(text string) string
}

// historyLead is one "history [of]" phrase. The history patterns consume every
// leading one so the subject never starts with another.
const historyLead = `(?:history|historique)\s+(?:(?:of|for|de|du|des)\s+|d')?`

var (
	historyOfPattern   = regexp.MustCompile(`(?i)\b(?:history\s+(?:of|for)\s+|historique\s+(?:de|du|des)\s+|historique\s+d')\s*(?:` + historyLead + `\s*)*(.+)`)
	timesEnPattern     = regexp.MustCompile(`(?i)\bhow\s+many\s+times\s+(?:did\s+|has\s+)?(.+?)\s+(?:came|come|visited|visit)\b`)
	timesFrPattern     = regexp.MustCompile(`(?i)\bcombien\s+de\s+fois\s+(.+?)\s+(?:est|a)\s+(?:venue?|visité)`)
	historyBarePattern = regexp.MustCompile(`(?i)^\s*(?:` + historyLead + `\s*)+(.+)`)
	searchPattern      = regexp.MustCompile(`(?i)\b(?:search(?:\s+for)?|find|look\s+up|rechercher|chercher|trouver)\s+(.+)`)
)

var (
	statWords     = []string{"statistics", "statistique", "stats"}
	weekWords     = []string{"week", "semaine"}
	monthWords    = []string{"month", "mois"}
	dayWords      = []string{"day", "jour"}
	yearWords     = []string{"year", "année", "annee"}
	presentWords  = []string{"who is present", "qui est présent", "qui est present", "visiteurs présents", "visiteurs presents", "still here", "encore là", "encore la", "currently present"}
	peakWords     = []string{"peak hour", "heures de pointe", "heure de pointe", "pic d'affluence", "busiest", "moment le plus fréquenté"}
	durationWords = []string{"visit duration", "durée des visites", "duree des visites", "time spent", "temps passé", "temps passe", "longtemps", "how long"}
	typeWords     = []string{"visitor type", "type de visiteur", "catégorie de visiteurs", "categorie de visiteurs", "breakdown", "répartition", "repartition"}
	entryWords    = []string{"entry hour", "entry time", "heures d'entrée", "heure d'entrée", "heures d'entree", "arrival time", "moment d'arrivée", "quand arrivent"}
	todayWords    = []string{"today", "aujourd'hui", "this day", "ce jour", "journée", "journee"}
)

// Search subjects that name no one in particular. "Chercher un visiteur" asks
// for the search flow, not for a visitor called "un visiteur".
var genericSubjects = map[string]struct{}{
	"un visiteur": {},
	"visiteur":    {},
	"a visitor":   {},
	"visitor":     {},
	"quelqu'un":   {},
	"someone":     {},
}

var rules = []Rule{
	statRule("statistics-week", weekWords, "how many visitors this week"),
	statRule("statistics-month", monthWords, "how many visitors this month"),
	statRule("statistics-day", dayWords, "how many visitors today"),
	statRule("statistics-year", yearWords, "how many visitors this year"),
	captureRule("history-of", VerbHistory, historyOfPattern),
	captureRule("visit-count", VerbHistory, timesEnPattern, timesFrPattern),
	captureRule("history", VerbHistory, historyBarePattern),
	{
		Name:    "search",
		Matches: searchPattern.MatchString,
		Transform: func(text string) string {
			subject := strings.TrimSpace(searchPattern.FindStringSubmatch(text)[1])
			if _, ok := genericSubjects[strings.ToLower(strings.TrimRight(subject, "?!. "))]; ok {
				return VerbSearch
			}
			return VerbSearch + " " + subject
		},
	},
	phraseRule("present", presentWords, "currently present visitors"),
	phraseRule("peak-hours", peakWords, "peak hours"),
	phraseRule("visit-duration", durationWords, "visit duration"),
	phraseRule("visitor-type", typeWords, "visitor type"),
	phraseRule("entry-hours", entryWords, "entry hours"),
	phraseRule("today", todayWords, "how many visitors today"),
}

// Rules returns the normalization table in evaluation order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// maxNormalizePasses bounds the fixed-point loop in Normalize.
const maxNormalizePasses = 8

// Normalize applies the first matching rule until the text stops changing, or
// returns text unchanged when no rule matches. A captured subject can itself
// hold a phrase ("history of how many times Karim came"), so one pass is not enough
// for Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	for i := 0; i < maxNormalizePasses; i++ {
		next := normalizeOnce(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func normalizeOnce(text string) string {
	for _, r := range rules {
		if r.Matches(text) {
			return r.Transform(text)
		}
	}
	return text
}

// Match returns the name of the rule Normalize would apply, or "".
func Match(text string) string {
	for _, r := range rules {
		if r.Matches(text) {
			return r.Name
		}
	}
	return ""
}

func statRule(name string, period []string, canonical string) Rule {
	return Rule{
		Name: name,
		Matches: func(text string) bool {
			lower := strings.ToLower(text)
			return containsAny(lower, statWords) && containsAny(lower, period)
		},
		Transform: func(string) string { return canonical },
	}
}

func phraseRule(name string, phrases []string, canonical string) Rule {
	return Rule{
		Name: name,
		Matches: func(text string) bool {
			return containsAny(strings.ToLower(text), phrases)
		},
		Transform: func(string) string { return canonical },
	}
}

// captureRule rewrites to "<verb> <subject>" where the subject is the first
// capture group of the first matching pattern.
func captureRule(name, verb string, patterns ...*regexp.Regexp) Rule {
	return Rule{
		Name: name,
		Matches: func(text string) bool {
			for _, p := range patterns {
				if p.MatchString(text) {
					return true
				}
			}
			return false
		},
		Transform: func(text string) string {
			for _, p := range patterns {
				if m := p.FindStringSubmatch(text); m != nil {
					return verb + " " + strings.TrimSpace(m[1])
				}
			}
			return text
		},
	}
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
