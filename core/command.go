package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
)

// ErrUnknownCommand is returned when a console command has no handler
var ErrUnknownCommand = errors.New("unknown command")

// CommandHandler handles a console command. args excludes the command name.
// The returned string is the reply printed back to the operator.
type CommandHandler func(args []string) (string, error)

// Command represents a console command
type Command struct {
	ID      uint16
	Name    string
	Help    string
	Handler CommandHandler
}

// CommandRegistry holds all registered console commands
type CommandRegistry struct {
	mu         sync.RWMutex
	commands   map[uint16]*Command
	nameToID   map[string]uint16
	nextID     uint16
	dictionary string // help text, one command per line
}

// NewCommandRegistry creates a new command registry
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[uint16]*Command),
		nameToID: make(map[string]uint16),
		nextID:   0,
	}
}

// Register adds a command to the registry. Registering a name twice keeps
// the first handler and returns its ID.
func (r *CommandRegistry) Register(name string, help string, handler CommandHandler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.nameToID[name]; exists {
		return id
	}

	id := r.nextID
	r.nextID++

	r.commands[id] = &Command{
		ID:      id,
		Name:    name,
		Help:    help,
		Handler: handler,
	}
	r.nameToID[name] = id

	r.rebuildDictionary()

	return id
}

// GetCommand retrieves a command by ID
func (r *CommandRegistry) GetCommand(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[id]
	return cmd, ok
}

// Lookup retrieves a command by name
func (r *CommandRegistry) Lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return nil, false
	}
	return r.commands[id], true
}

// Count returns the number of registered commands
func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch calls the handler registered under name
func (r *CommandRegistry) Dispatch(name string, args []string) (string, error) {
	cmd, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return cmd.Handler(args)
}

// Execute tokenizes a console line with shell quoting rules and dispatches it
func (r *CommandRegistry) Execute(line string) (string, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", line, err)
	}
	if len(fields) == 0 {
		return "", nil
	}
	return r.Dispatch(strings.ToLower(fields[0]), fields[1:])
}

// GetDictionary returns the help text for all commands
func (r *CommandRegistry) GetDictionary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dictionary
}

// rebuildDictionary rebuilds the help text
// Must be called with lock held
func (r *CommandRegistry) rebuildDictionary() {
	names := make([]string, 0, len(r.nameToID))
	for name := range r.nameToID {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		cmd := r.commands[r.nameToID[name]]
		b.WriteString(cmd.Name)
		if cmd.Help != "" {
			b.WriteString(" - ")
			b.WriteString(cmd.Help)
		}
		b.WriteByte('\n')
	}
	r.dictionary = b.String()
}
