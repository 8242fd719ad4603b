package main

import (
	"strings"

	"github.com/reflexive-dev/reflexive/pkg/types"
)

// flagCapabilities tracks the individual capability-enabling flags recognized
// by spec.md §6.1, before they're folded into a types.Capabilities value.
type flagCapabilities struct {
	write            bool
	shell            bool
	inject           bool
	eval             bool
	debug            bool
	capabilitiesList string
	skipPermissions  bool
}

// namedCapabilities maps the comma-separated names accepted by --capabilities to the
// types.Capabilities field they set, mirroring the struct's JSON tags.
var namedCapabilities = map[string]func(*types.Capabilities){
	"readFiles":   func(c *types.Capabilities) { c.ReadFiles = true },
	"writeFiles":  func(c *types.Capabilities) { c.WriteFiles = true },
	"shellAccess": func(c *types.Capabilities) { c.ShellAccess = true },
	"restart":     func(c *types.Capabilities) { c.Restart = true },
	"inject":      func(c *types.Capabilities) { c.Inject = true },
	"eval":        func(c *types.Capabilities) { c.Eval = true },
	"debug":       func(c *types.Capabilities) { c.Debug = true },
}

// buildCapabilities folds the individual flags into a types.Capabilities,
// per spec.md §6.1: --write/--shell/--inject/--eval/--debug each enable one
// capability (eval additionally implies inject); --capabilities overrides
// with an explicit list; --dangerously-skip-permissions enables everything.
func buildCapabilities(f flagCapabilities) types.Capabilities {
	if f.skipPermissions {
		return types.Capabilities{
			ReadFiles: true, WriteFiles: true, ShellAccess: true,
			Restart: true, Inject: true, Eval: true, Debug: true,
		}
	}

	caps := types.Capabilities{ReadFiles: true}
	if f.capabilitiesList != "" {
		for _, name := range strings.Split(f.capabilitiesList, ",") {
			name = strings.TrimSpace(name)
			if set, ok := namedCapabilities[name]; ok {
				set(&caps)
			}
		}
		return caps
	}

	if f.write {
		caps.WriteFiles = true
	}
	if f.shell {
		caps.ShellAccess = true
	}
	if f.inject {
		caps.Inject = true
	}
	if f.eval {
		caps.Inject = true
		caps.Eval = true
	}
	if f.debug {
		caps.Debug = true
	}
	return caps
}
