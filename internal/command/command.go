// Package command implements the single-letter command surface: the
// registry of descriptors, the line parser, and the processor that
// validates sessions, enforces permissions, and dispatches to command
// handlers or the workflow engine.
package command

import (
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// Category drives the help menu grouping.
type Category string

// Command categories.
const (
	CategoryCommon   Category = "common"
	CategoryUncommon Category = "uncommon"
	CategoryUnusual  Category = "unusual"
	CategoryAide     Category = "aide"
	CategorySysop    Category = "sysop"
)

// Command is one static descriptor. A nil Run marks a declared but
// unimplemented command; help output surfaces it as such.
type Command struct {
	Code      string
	Name      string
	Category  Category
	MinLevel  bbs.PermissionLevel
	Action    bbs.Action
	ShortText string
	HelpText  string
	ArgSchema string
	Run       RunFunc
}

// Registry maps command codes to descriptors. It is built once at
// startup and passed by reference; there is no process-global table.
type Registry struct {
	byCode map[string]*Command
	order  []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byCode: make(map[string]*Command)}
}

// Register adds a descriptor. Codes are stored uppercased; a duplicate
// code replaces the earlier descriptor.
func (r *Registry) Register(cmd *Command) {
	code := strings.ToUpper(cmd.Code)
	if _, exists := r.byCode[code]; !exists {
		r.order = append(r.order, code)
	}
	r.byCode[code] = cmd
}

// Lookup resolves a code (case-insensitive).
func (r *Registry) Lookup(code string) (*Command, bool) {
	cmd, ok := r.byCode[strings.ToUpper(code)]
	return cmd, ok
}

// All returns the descriptors in registration order.
func (r *Registry) All() []*Command {
	out := make([]*Command, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.byCode[code])
	}
	return out
}

// Parse splits one input line into a command code and its argument
// remainder. Empty input and unknown codes are parse failures, surfaced
// by the processor as unknown_command.
func (r *Registry) Parse(input string) (*bbs.ParsedCommand, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, false
	}
	code, args, _ := strings.Cut(trimmed, " ")
	code = strings.ToUpper(code)
	if _, ok := r.byCode[code]; !ok {
		return nil, false
	}
	return &bbs.ParsedCommand{Code: code, Args: strings.TrimSpace(args)}, true
}
