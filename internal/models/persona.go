package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Persona names an advisory prompt profile for a task, written as
// "<provider>/<name>" in the plan file.
type Persona struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// Providers a persona may reference. Anything else is skipped with a
// warning rather than failing the parse.
const (
	ProviderGemini = "gemini"
	ProviderCodex  = "codex"
	ProviderShared = "shared"
)

var personaNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidPersonaProvider reports whether provider is whitelisted.
func ValidPersonaProvider(provider string) bool {
	switch provider {
	case ProviderGemini, ProviderCodex, ProviderShared:
		return true
	}
	return false
}

// ValidPersonaName reports whether name matches the lowercase persona
// name pattern. Names that pass contain no path separators or dots, so
// they are safe to join into a prompt path.
func ValidPersonaName(name string) bool {
	return personaNamePattern.MatchString(name)
}

// ParsePersona parses "provider/name" into a Persona, enforcing the
// provider whitelist and the lowercase name pattern.
func ParsePersona(raw string) (*Persona, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty persona")
	}

	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("persona %q: expected <provider>/<name>", raw)
	}

	provider := strings.ToLower(strings.TrimSpace(parts[0]))
	name := strings.TrimSpace(parts[1])

	if !ValidPersonaProvider(provider) {
		return nil, fmt.Errorf("persona %q: unknown provider %q", raw, provider)
	}
	if !ValidPersonaName(name) {
		return nil, fmt.Errorf("persona %q: invalid name %q", raw, name)
	}

	return &Persona{Provider: provider, Name: name}, nil
}

// String renders the persona back to its plan-file form.
func (p *Persona) String() string {
	if p == nil {
		return ""
	}
	return p.Provider + "/" + p.Name
}
