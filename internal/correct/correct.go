// Package correct rewrites recognized speech for a target input context.
//
// Two contexts are supported. In the browser context, misheard technical
// terms are substituted anywhere in the text ("ghit ab" becomes "github").
// In the terminal context, spoken Italian command aliases map to shell
// commands by prefix ("vai in documenti" becomes "cd documenti").
//
// Beyond the exact dictionaries, a phonetic pass catches near-misses: tokens
// are encoded with Double Metaphone and ranked by Jaro-Winkler similarity
// against the canonical vocabulary, so "dokker" still lands on "docker".
package correct

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Correction contexts.
const (
	ContextBrowser  = "browser"
	ContextTerminal = "terminal"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minFuzzyToken keeps the phonetic pass away from short tokens, where
	// Jaro-Winkler scores are too noisy to trust.
	minFuzzyToken = 4
)

// defaultTechTerms maps common misrecognitions of technical vocabulary to
// their canonical spelling, for the browser context.
var defaultTechTerms = map[string]string{
	"ghit ab":    "github",
	"git ab":     "github",
	"git hub":    "github",
	"docher":     "docker",
	"kubernet":   "kubernetes",
	"nod jes":    "nodejs",
	"ei pi ai":   "API",
	"api":        "API",
	"rest":       "REST",
	"javascript": "javascript",
	"python":     "python",
	"react":      "react",
}

// defaultCommands maps spoken Italian command aliases to shell commands, for
// the terminal context.
var defaultCommands = map[string]string{
	"elle es":    "ls",
	"liste":      "ls",
	"lista":      "ls",
	"ci di":      "cd",
	"vai in":     "cd",
	"pi uadiblu": "pwd",
	"dove sono":  "pwd",
	"tocca":      "touch",
	"crea file":  "touch",
	"mkdir":      "mkdir",
	"copia":      "cp",
	"sposta":     "mv",
	"rimuovi":    "rm",
	"cat":        "cat",
	"mostra":     "cat",
	"git status": "git status",
	"stato git":  "git status",
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTechTerms replaces the browser-context substitution table.
func WithTechTerms(terms map[string]string) Option {
	return func(c *Corrector) {
		if len(terms) > 0 {
			c.techTerms = terms
		}
	}
}

// WithCommands replaces the terminal-context command table.
func WithCommands(commands map[string]string) Option {
	return func(c *Corrector) {
		if len(commands) > 0 {
			c.commands = commands
		}
	}
}

// WithPhoneticThreshold sets the minimum Jaro-Winkler score accepted for a
// phonetically-matched candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score accepted when no
// phonetic overlap exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector applies context-sensitive text corrections. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	techTerms map[string]string
	commands  map[string]string

	// commandKeys holds the command aliases longest-first, so multi-word
	// aliases win over their prefixes.
	commandKeys []string

	// canonical is the deduplicated target vocabulary for the phonetic pass.
	canonical []string

	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Corrector] with the built-in Italian tables, overridable
// through options.
func New(opts ...Option) *Corrector {
	c := &Corrector{
		techTerms:         defaultTechTerms,
		commands:          defaultCommands,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	c.commandKeys = make([]string, 0, len(c.commands))
	for k := range c.commands {
		c.commandKeys = append(c.commandKeys, k)
	}
	sort.Slice(c.commandKeys, func(i, j int) bool {
		if len(c.commandKeys[i]) != len(c.commandKeys[j]) {
			return len(c.commandKeys[i]) > len(c.commandKeys[j])
		}
		return c.commandKeys[i] < c.commandKeys[j]
	})

	seen := make(map[string]struct{}, len(c.techTerms))
	for _, term := range c.techTerms {
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		c.canonical = append(c.canonical, term)
	}
	sort.Strings(c.canonical)

	return c
}

// Apply corrects text for the given context. The returned text is lowercased
// except for canonical casing introduced by the tables; changed reports
// whether anything beyond case folding was rewritten.
func (c *Corrector) Apply(text, context string) (corrected string, changed bool) {
	if strings.TrimSpace(text) == "" {
		return text, false
	}

	lower := strings.ToLower(text)
	switch context {
	case ContextTerminal:
		corrected = c.correctCommand(lower)
	default:
		corrected = c.correctTerms(lower)
	}
	return corrected, corrected != lower
}

// correctTerms substitutes known mishearings anywhere in the text, then runs
// the phonetic pass over the remaining tokens.
func (c *Corrector) correctTerms(text string) string {
	for wrong, right := range c.techTerms {
		text = strings.ReplaceAll(text, wrong, right)
	}

	tokens := strings.Fields(text)
	rewritten := false
	for i, tok := range tokens {
		if len(tok) < minFuzzyToken || c.isCanonical(tok) {
			continue
		}
		if match, ok := c.phoneticMatch(tok); ok {
			tokens[i] = match
			rewritten = true
		}
	}
	if rewritten {
		return strings.Join(tokens, " ")
	}
	return text
}

// correctCommand maps a spoken command alias at the start of the text to its
// shell command, keeping any trailing arguments.
func (c *Corrector) correctCommand(text string) string {
	for _, alias := range c.commandKeys {
		if text == alias {
			return c.commands[alias]
		}
		if strings.HasPrefix(text, alias+" ") {
			remainder := strings.TrimSpace(text[len(alias):])
			return c.commands[alias] + " " + remainder
		}
	}

	// No exact alias; see if the first token is a near-miss of a single-word
	// alias.
	first, rest, _ := strings.Cut(text, " ")
	if len(first) < minFuzzyToken {
		return text
	}
	for _, alias := range c.commandKeys {
		if strings.Contains(alias, " ") {
			continue
		}
		if c.accepts(first, alias) {
			if rest == "" {
				return c.commands[alias]
			}
			return c.commands[alias] + " " + rest
		}
	}
	return text
}

func (c *Corrector) isCanonical(token string) bool {
	for _, term := range c.canonical {
		if strings.EqualFold(token, term) {
			return true
		}
	}
	return false
}

// phoneticMatch finds the best canonical term for a token, ranking phonetic
// candidates by Jaro-Winkler similarity.
func (c *Corrector) phoneticMatch(token string) (string, bool) {
	var best string
	var bestScore float64
	for _, term := range c.canonical {
		// Short targets like "API" attract too many ordinary words.
		if len(term) < minFuzzyToken {
			continue
		}
		if !c.accepts(token, term) {
			continue
		}
		if score := matchr.JaroWinkler(token, strings.ToLower(term), false); score > bestScore {
			best, bestScore = term, score
		}
	}
	return best, best != ""
}

// accepts reports whether candidate is close enough to token, using the
// phonetic threshold when their Double Metaphone codes overlap and the
// stricter fuzzy threshold otherwise.
func (c *Corrector) accepts(token, candidate string) bool {
	lower := strings.ToLower(candidate)
	score := matchr.JaroWinkler(token, lower, false)

	tp, ts := matchr.DoubleMetaphone(token)
	cp, cs := matchr.DoubleMetaphone(lower)
	overlap := codeOverlap(tp, ts, cp, cs)

	if overlap {
		return score >= c.phoneticThreshold
	}
	return score >= c.fuzzyThreshold
}

func codeOverlap(ap, as, bp, bs string) bool {
	for _, a := range []string{ap, as} {
		if a == "" {
			continue
		}
		if a == bp || a == bs {
			return true
		}
	}
	return false
}
