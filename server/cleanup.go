package server

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type cleanupFunc struct {
	name string
	fn   func() error
}

// cleanups are compensating actions of already committed steps of a
// request, run in reverse order when a later step fails
type cleanups []cleanupFunc

func (c *cleanups) push(name string, fn func() error) {
	*c = append(*c, cleanupFunc{name: name, fn: fn})
}

func (c cleanups) run() error {
	var result *multierror.Error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].fn(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, c[i].name))
		}
	}
	return result.ErrorOrNil()
}
