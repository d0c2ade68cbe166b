package engine

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/cffi-runtime/errors"
)

// Export names used when a Config leaves them empty.
const (
	DefaultMalloc       = "malloc"
	DefaultFree         = "free"
	DefaultAlignedAlloc = "aligned_alloc"
	DefaultMemory       = "memory"
	DefaultTable        = "__indirect_function_table"
)

// Config holds configuration for runtime creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per library in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1 so libraries built against
	// wasi-libc can be loaded.
	WASI bool

	// Interruptible makes native calls stop when their context is done.
	Interruptible bool

	// Export names of the allocator, memory and function table. Empty
	// fields use the Default constants.
	Malloc       string
	Free         string
	AlignedAlloc string
	Memory       string
	Table        string
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	set := func(s *string, def string) {
		if *s == "" {
			*s = def
		}
	}
	set(&out.Malloc, DefaultMalloc)
	set(&out.Free, DefaultFree)
	set(&out.AlignedAlloc, DefaultAlignedAlloc)
	set(&out.Memory, DefaultMemory)
	set(&out.Table, DefaultTable)
	return out
}

// Runtime owns a wazero runtime and the libraries loaded into it.
type Runtime struct {
	r    wazero.Runtime
	cfg  Config
	seq  atomic.Uint64
	libs *xsync.MapOf[string, *Library]
}

// New creates a runtime. cfg may be nil.
func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	c := cfg.withDefaults()

	runtimeCfg := wazero.NewRuntimeConfig()
	if c.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	if c.Interruptible {
		runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if c.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			_ = r.Close(ctx)
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "instantiate WASI")
		}
	}
	return &Runtime{r: r, cfg: c, libs: xsync.NewMapOf[string, *Library]()}, nil
}

// Wazero returns the underlying runtime, for instantiating host modules
// that libraries import.
func (rt *Runtime) Wazero() wazero.Runtime { return rt.r }

// Close closes the runtime and every library loaded into it.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.r.Close(ctx)
}

// Load compiles and instantiates a library under name. Reactor libraries
// exporting _initialize have it called once. Imports must be satisfied by
// modules already in the runtime: WASI, DefineModule or earlier libraries.
func (rt *Runtime) Load(ctx context.Context, name string, wasm []byte) (*Library, error) {
	compiled, err := rt.r.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "compile library "+name)
	}
	mod, err := rt.r.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions())
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "instantiate library "+name)
	}
	l, err := newLibrary(rt, name, mod)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}
	rt.libs.Store(name, l)
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(context.WithValue(ctx, heldKey{}, l)); err != nil {
			_ = l.Close(ctx)
			return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidData, err, "initialize library "+name)
		}
	}
	Logger().Debug("library loaded",
		zap.String("name", name),
		zap.Uint32("memory", l.mem.Size()),
		zap.Int("exports", len(mod.ExportedFunctionDefinitions())))
	return l, nil
}

// Library returns the loaded library called name.
func (rt *Runtime) Library(name string) (*Library, bool) {
	return rt.libs.Load(name)
}

// name returns a fresh module name with the given prefix.
func (rt *Runtime) name(prefix string) string {
	return prefix + ":" + strconv.FormatUint(rt.seq.Add(1), 10)
}
