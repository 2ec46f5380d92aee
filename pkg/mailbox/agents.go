package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Agents returns the names of all agents that have a directory in the room.
func (m *Mailbox) Agents() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var agents []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		agents = append(agents, e.Name())
	}
	sort.Strings(agents)
	return agents, nil
}

// Exists reports whether agent has an inbox.
func (m *Mailbox) Exists(agent string) bool {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return false
	}
	info, err := os.Stat(inbox)
	return err == nil && info.IsDir()
}

// Register creates agent's inbox. It is idempotent.
func (m *Mailbox) Register(agent string) error {
	inbox, err := m.InboxPath(agent)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("register agent %s: %w", agent, err)
	}
	return nil
}

// Remove deletes agent's directory with everything in it, pending and
// archived messages included. Removing an unknown agent is not an error.
func (m *Mailbox) Remove(agent string) error {
	if err := ValidateAgent(agent); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.root, agent)); err != nil {
		return fmt.Errorf("remove agent %s: %w", agent, err)
	}
	return nil
}

// ErrAgentExists is returned by Rename when the new name is taken.
var ErrAgentExists = errors.New("agent already exists")

// Rename moves agent oldName's directory to newName. It refuses to
// overwrite an existing agent.
func (m *Mailbox) Rename(oldName, newName string) error {
	if err := ValidateAgent(oldName); err != nil {
		return err
	}
	if err := ValidateAgent(newName); err != nil {
		return err
	}
	dst := filepath.Join(m.root, newName)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("rename agent %s: %w: %s", oldName, ErrAgentExists, newName)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename agent %s: %w", oldName, err)
	}
	if err := os.Rename(filepath.Join(m.root, oldName), dst); err != nil {
		return fmt.Errorf("rename agent %s to %s: %w", oldName, newName, err)
	}
	return nil
}
