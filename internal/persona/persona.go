// Package persona resolves and loads the prompt files that personas
// reference. A persona never blocks a task: any deviation from the
// expected layout (unknown provider, malformed name, missing or
// unreadable file) skips the persona with a warning and the worker
// starts without it.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/autodev/internal/models"
)

// WarnLogger receives skip warnings. A nil logger silences them.
type WarnLogger interface {
	LogWarn(message string)
}

func warnf(warn WarnLogger, format string, args ...interface{}) {
	if warn == nil {
		return
	}
	warn.LogWarn(fmt.Sprintf(format, args...))
}

// PromptPath returns where the prompt file for p lives under
// projectRoot. It does not check that the file exists.
func PromptPath(projectRoot string, p *models.Persona) string {
	if p == nil {
		return ""
	}
	return filepath.Join(projectRoot, ".claude", "prompts", "personas", p.Provider, p.Name+".md")
}

// LoadPrompt reads the prompt text for p from the project's persona
// tree. It returns "" when p is nil or when anything about the persona
// deviates from the layout rules; deviations are warned, a nil persona
// is not.
func LoadPrompt(projectRoot string, p *models.Persona, warn WarnLogger) string {
	if p == nil {
		return ""
	}
	if !models.ValidPersonaProvider(p.Provider) {
		warnf(warn, "persona %s: unknown provider %q, running without persona", p, p.Provider)
		return ""
	}
	if !models.ValidPersonaName(p.Name) {
		warnf(warn, "persona %s: invalid name %q, running without persona", p, p.Name)
		return ""
	}

	path := PromptPath(projectRoot, p)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			warnf(warn, "persona %s: prompt file %s not found, running without persona", p, path)
		} else {
			warnf(warn, "persona %s: failed to read %s: %v", p, path, err)
		}
		return ""
	}

	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		warnf(warn, "persona %s: prompt file %s is empty, running without persona", p, path)
		return ""
	}
	return prompt
}
