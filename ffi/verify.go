package ffi

import (
	"go.uber.org/multierr"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/layout"
)

func verifyAll(res *layout.Resolver, ids []ctype.ID, oracle layout.Oracle) error {
	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, res.Verify(id, oracle))
	}
	return errs
}
