// Package security ripulisce i testi degli utenti prima che lascino il
// control plane verso un modello esterno.
package security

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const redacted = "[redacted]"

// Sanitizer gestisce la sanitizzazione degli input
type Sanitizer struct {
	maxInputLength int // in rune
	strictMode     bool
}

// NewSanitizer crea un nuovo sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		maxInputLength: 10000,
		strictMode:     true,
	}
}

// WithMaxLength imposta la lunghezza massima degli input
func (s *Sanitizer) WithMaxLength(length int) *Sanitizer {
	s.maxInputLength = length
	return s
}

// WithStrictMode: in strict mode i pattern di prompt injection vengono rimossi,
// altrimenti solo segnalati
func (s *Sanitizer) WithStrictMode(strict bool) *Sanitizer {
	s.strictMode = strict
	return s
}

// Pattern per prompt injection
var promptInjectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(ignore\s+(previous|above|all)\s+(instructions|prompts?))`),
	regexp.MustCompile(`(?i)(disregard\s+(previous|above|all)\s+(instructions|prompts?))`),
	regexp.MustCompile(`(?i)(system\s*:|\[system\])`),
	regexp.MustCompile(`(?i)(you\s+are\s+now|from\s+now\s+on)`),
	regexp.MustCompile(`(?i)(pretend\s+to\s+be)`),
	regexp.MustCompile(`(?i)(reveal\s+your|show\s+your)\s+(system|instructions|prompt)`),
}

// Credenziali che non devono arrivare al senior
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-(ant-)?[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.=]{16,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`),
}

var spaces = regexp.MustCompile(`[ \t]+`)

// DetectPromptInjection rileva tentativi di prompt injection
func (s *Sanitizer) DetectPromptInjection(input string) bool {
	for _, pattern := range promptInjectionPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// RedactSecrets sostituisce le credenziali riconosciute
func (s *Sanitizer) RedactSecrets(input string) string {
	for _, pattern := range secretPatterns {
		input = pattern.ReplaceAllString(input, redacted)
	}
	return input
}

// RemoveControlChars rimuove null byte e caratteri di controllo, tranne a capo e tab
func (s *Sanitizer) RemoveControlChars(input string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, input)
}

// Truncate limita l'input a maxInputLength rune
func (s *Sanitizer) Truncate(input string) string {
	if s.maxInputLength <= 0 || utf8.RuneCountInString(input) <= s.maxInputLength {
		return input
	}
	return string([]rune(input)[:s.maxInputLength])
}

// Sanitize applica tutte le pulizie e indica se l'input conteneva prompt injection
func (s *Sanitizer) Sanitize(input string) (string, bool) {
	input = s.RemoveControlChars(input)
	input = s.RedactSecrets(input)

	flagged := s.DetectPromptInjection(input)
	if flagged && s.strictMode {
		for _, pattern := range promptInjectionPatterns {
			input = pattern.ReplaceAllString(input, "")
		}
	}

	input = spaces.ReplaceAllString(input, " ")
	return strings.TrimSpace(s.Truncate(input)), flagged
}
