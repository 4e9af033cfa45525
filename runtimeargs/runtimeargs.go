// Package runtimeargs generates the command line of the container runtime
// binary for a create request.
package runtimeargs

import (
	"github.com/pkg/errors"
)

// Params describes a single container creation
type Params struct {
	ID         string
	BundlePath string
	PidFile    string
	Terminal   bool
}

// Generator holds the global runtime arguments
type Generator struct {
	// Root is passed as --root when set
	Root string

	// GlobalArgs are passed before the create command
	GlobalArgs []string
}

// Generate returns the runtime arguments (without argv[0]) that create the
// container and write the entrypoint pid into PidFile. The terminal is
// wired through the process stdio, so no console socket is passed.
func (g *Generator) Generate(p Params) ([]string, error) {
	if p.ID == "" {
		return nil, errors.New("runtimeargs: empty container id")
	}
	if p.BundlePath == "" {
		return nil, errors.New("runtimeargs: empty bundle path")
	}
	if p.PidFile == "" {
		return nil, errors.New("runtimeargs: empty pidfile")
	}

	args := make([]string, 0, len(g.GlobalArgs)+8)
	if g.Root != "" {
		args = append(args, "--root", g.Root)
	}
	args = append(args, g.GlobalArgs...)
	args = append(args,
		"create",
		"--bundle", p.BundlePath,
		"--pid-file", p.PidFile,
		p.ID,
	)
	return args, nil
}
