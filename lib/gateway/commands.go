package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// NewCommandRegistry creates a registry holding the given local definitions
func NewCommandRegistry(definitions []ApplicationCommand) ICommandRegistry {
	return &commandRegistry{
		definitions: definitions,
		persisted:   make(map[string]ApplicationCommand),
	}
}

// LoadCommandsFile reads a JSON array of command definitions
func LoadCommandsFile(path string) ([]ApplicationCommand, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read commands file: %w", err)
	}
	var commands []ApplicationCommand
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, fmt.Errorf("failed to parse commands file %s: %w", path, err)
	}
	for i, cmd := range commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("command %d in %s has no name", i, path)
		}
	}
	return commands, nil
}

type commandRegistry struct {
	mu          sync.RWMutex
	definitions []ApplicationCommand
	persisted   map[string]ApplicationCommand
}

// --------------------------------------------------------------------------
// Interface Methods (docu see gateway.ICommandRegistry)
// --------------------------------------------------------------------------

func (r *commandRegistry) Definitions() []ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ApplicationCommand(nil), r.definitions...)
}

func (r *commandRegistry) BulkReplace(commands []ApplicationCommand) {
	persisted := make(map[string]ApplicationCommand, len(commands))
	for _, cmd := range commands {
		persisted[cmd.Name] = cmd
	}

	r.mu.Lock()
	r.persisted = persisted
	r.mu.Unlock()

	Logger.Debugf("command registry replaced with %d commands", len(commands))
}

func (r *commandRegistry) List() []ApplicationCommand {
	r.mu.RLock()
	list := make([]ApplicationCommand, 0, len(r.persisted))
	for _, cmd := range r.persisted {
		list = append(list, cmd)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
