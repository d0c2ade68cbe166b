package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/callspec"
	"github.com/wippyai/cffi-runtime/errors"
)

// Extern is a C function that libraries import from the host.
type Extern struct {
	Name string
	Desc *callspec.Descriptor
	// Invoke runs the function for the calling library, with arguments and
	// result in the raw encoding of marshal.Backend.
	Invoke func(ctx context.Context, lib *Library, raw [][]byte) []byte
}

// DefineModule instantiates a host module exporting externs. Libraries
// loaded afterwards may import them; each call is dispatched with the
// library that made it.
func (rt *Runtime) DefineModule(ctx context.Context, module string, externs ...Extern) error {
	b := rt.r.NewHostModuleBuilder(module)
	for _, x := range externs {
		if x.Invoke == nil {
			return errors.InvalidInput(errors.PhaseLoad, []string{module, x.Name}, "extern has no implementation")
		}
		p, err := lower(x.Desc)
		if err != nil {
			return err
		}
		if p.variadic {
			return errors.New(errors.PhaseLoad, errors.KindUnsupportedCallShape).
				Path(module, x.Name).
				Detail("variadic externs are not supported").
				Build()
		}
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, caller api.Module, stack []uint64) {
				l, ok := rt.libs.Load(caller.Name())
				if !ok {
					Logger().Warn("extern called by an unknown module",
						zap.String("extern", x.Name), zap.String("module", caller.Name()))
					for i := range p.results {
						stack[i] = 0
					}
					return
				}
				l.invoke(ctx, func(ctx context.Context, raw [][]byte) []byte {
					return x.Invoke(ctx, l, raw)
				}, p, stack)
			}), p.params, p.results).
			Export(x.Name)
	}
	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate host module "+module)
	}
	Logger().Debug("host module defined", zap.String("module", module), zap.Int("externs", len(externs)))
	return nil
}
