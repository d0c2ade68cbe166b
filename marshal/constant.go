package marshal

import (
	"context"

	"github.com/wippyai/cffi-runtime/ctype"
	"github.com/wippyai/cffi-runtime/errors"
)

// Constant returns the value of the constant name declared in c. Integer
// constants declared without a value are read from the native side on
// first use and cached, unless they are members of a partial enum the
// layout oracle reports.
func (e *Engine) Constant(ctx context.Context, c *ctype.Context, name string) (any, error) {
	k, ok := c.Constant(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "constant", name)
	}
	if k.IsFloat {
		return k.Float, nil
	}
	if !k.Unknown {
		return e.typedInt(k.Type, k.Int)
	}
	if e.reg.KindOf(k.Type) == ctype.KindEnum {
		if v, err := e.enumValue(k.Type, name); err == nil {
			return e.typedInt(k.Type, v)
		}
	}
	if e.prober == nil {
		return nil, errors.OpaqueType(errors.PhaseLoad, name, "constant has no declared value and the backend cannot probe it")
	}
	v, err := e.once.DoContext(ctx, "constant:"+c.Name()+":"+name, func() (any, error) {
		return e.prober.ProbeConstant(ctx, name)
	})
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "constant "+name)
	}
	return e.typedInt(k.Type, v.(int64))
}

func (e *Engine) typedInt(id ctype.ID, v int64) (any, error) {
	switch e.reg.KindOf(id) {
	case ctype.KindPrimitive, ctype.KindEnum:
		return e.Cast(id, v)
	}
	return v, nil
}
