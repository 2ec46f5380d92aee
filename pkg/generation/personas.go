package generation

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Personas resolves the instruction text each helper speaks with.
// Files are read on every lookup so edits take effect without a restart.
type Personas struct {
	dir string
	log zerolog.Logger
}

// NewPersonas reads personas from <dir>/<agent>/<PERSONA FILE>.
func NewPersonas(dir string, log zerolog.Logger) *Personas {
	return &Personas{dir: dir, log: log}
}

// PersonaFile returns the persona file name for agent: a leading "the_"
// becomes "the." and the whole name is upper-cased, so "the_mediator"
// reads THE.MEDIATOR.md.
func PersonaFile(agent string) string {
	return strings.ToUpper(strings.Replace(agent, "the_", "the.", 1)) + ".md"
}

// Fallback is the persona used when an agent has no persona file.
func Fallback(agent string) string {
	return fmt.Sprintf("You are a helpful assistant named %s.", agent)
}

// Path returns where agent's persona file is expected.
func (p *Personas) Path(agent string) string {
	return filepath.Join(p.dir, agent, PersonaFile(agent))
}

// Lookup returns agent's persona, or Fallback when it cannot be read.
func (p *Personas) Lookup(agent string) string {
	if p == nil || p.dir == "" {
		return Fallback(agent)
	}
	data, err := os.ReadFile(p.Path(agent))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.log.Warn().Err(err).Str("agent", agent).Msg("read persona")
		}
		return Fallback(agent)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return Fallback(agent)
	}
	return text
}
