package plugins

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
)

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading plugin file %q", path)
	}
	return b, nil
}

// buildLinker registers this call's host-function state bag into the
// runtime's "logger" and "context" host modules, matching the WASM guest
// contract's imports: logger.{info,error,debug}(string) and
// context.get-path() -> string. Re-instantiating the host modules per call
// (rather than once at Store construction) is what keeps host state
// exclusively owned by one request: two concurrent Invoke calls never share
// a HostFunctions implementation.
func (s *Store) buildLinker(ctx context.Context, host HostFunctions) ([]api.Closer, error) {
	var closers []api.Closer

	builder := s.runtime.NewHostModuleBuilder("logger")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			host.LogInfo(readGuestString(mod, ptr, length))
		}).
		Export("info")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			host.LogError(readGuestString(mod, ptr, length))
		}).
		Export("error")
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			host.LogDebug(readGuestString(mod, ptr, length))
		}).
		Export("debug")
	loggerModule, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	closers = append(closers, loggerModule)

	ctxBuilder := s.runtime.NewHostModuleBuilder("context")
	ctxBuilder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) (ptr, length uint32) {
			return writeGuestString(ctx, mod, host.GetPath())
		}).
		Export("get-path")
	contextModule, err := ctxBuilder.Instantiate(ctx)
	if err != nil {
		return closers, err
	}
	closers = append(closers, contextModule)

	return closers, nil
}

func readGuestString(mod api.Module, ptr, length uint32) string {
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(b)
}

// writeGuestString allocates space for s in the guest's own memory via its
// exported alloc function and copies s into it, returning (ptr, len) the
// same way the host writes a request payload.
func writeGuestString(ctx context.Context, mod api.Module, s string) (uint32, uint32) {
	alloc := mod.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0
	}
	results, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, 0
	}
	ptr := uint32(results[0])
	mod.Memory().Write(ptr, []byte(s))
	return ptr, uint32(len(s))
}
