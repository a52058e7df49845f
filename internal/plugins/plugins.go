// Package plugins implements the WASM plugin store (component I): it
// fetches a compiled guest's bytes from a file path or an HTTPS URL,
// compiles the module once, and produces a fresh, exclusively-owned
// instance plus host-function state bag on every request that invokes it.
// The compiled artifact is the only thing shared across requests and
// threads; everything else here is per-call.
package plugins

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"motya/internal/configmodel"
)

const (
	maxPluginBytes  = 50 * 1024 * 1024
	fetchHTTPClient = 5 * time.Second
)

// GuestRequest is the shape handed to a plugin's `filter` export.
type GuestRequest struct {
	Path    string      `json:"path"`
	Method  string      `json:"method"`
	Headers [][2]string `json:"headers"`
}

// HostFunctions are the capabilities a guest module can import. A
// per-request implementation is bound into the instance's linker at
// Instantiate time; nothing here is shared between concurrent requests.
type HostFunctions interface {
	LogInfo(msg string)
	LogError(msg string)
	LogDebug(msg string)
	GetPath() string
}

// compiledPlugin is the artifact Store shares read-only across every
// request that invokes this plugin.
type compiledPlugin struct {
	name   string
	module wazero.CompiledModule
	digest string // blake3 hex digest of the raw bytes; its prefix tags the instance name
}

// Store holds one compiled module per plugin FQDN, built once at service
// construction from the process-wide Definitions.Plugins table.
type Store struct {
	runtime wazero.Runtime
	mu      sync.RWMutex
	plugins map[string]*compiledPlugin
	client  *http.Client
}

// NewStore builds an empty Store backed by its own wazero runtime. One
// Store is shared across every service a config defines; wazero runtimes
// are safe for concurrent use once every module is compiled.
func NewStore(ctx context.Context) *Store {
	return &Store{
		runtime: wazero.NewRuntime(ctx),
		plugins: make(map[string]*compiledPlugin),
		client: &http.Client{
			Timeout: fetchHTTPClient,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// Load fetches, verifies the size cap, and compiles def's WASM bytes,
// registering the result under def.FQDN. For a URL source, a HEAD
// preflight checks Content-Length against maxPluginBytes before any bytes
// are fetched, so an oversized plugin is rejected without downloading it.
func (s *Store) Load(ctx context.Context, def configmodel.PluginDef) error {
	raw, err := s.fetch(ctx, def)
	if err != nil {
		return errors.Wrapf(err, "loading plugin %q", def.FQDN)
	}
	if len(raw) > maxPluginBytes {
		return errors.Errorf("plugin %q: %d bytes exceeds the %d byte cap", def.FQDN, len(raw), maxPluginBytes)
	}

	module, err := s.runtime.CompileModule(ctx, raw)
	if err != nil {
		return errors.Wrapf(err, "compiling plugin %q", def.FQDN)
	}

	digest := blake3.Sum256(raw)
	cp := &compiledPlugin{name: def.FQDN, module: module, digest: fmt.Sprintf("%x", digest)}

	s.mu.Lock()
	s.plugins[def.FQDN] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) fetch(ctx context.Context, def configmodel.PluginDef) ([]byte, error) {
	if def.SourceKind == configmodel.PluginSourceFile {
		if def.Source == "" {
			return nil, errors.Errorf("plugin %q has an empty file path", def.FQDN)
		}
		return readFile(def.Source)
	}
	if def.Source == "" {
		return nil, errors.Errorf("plugin %q has neither a file path nor a URL", def.FQDN)
	}

	headCtx, cancel := context.WithTimeout(ctx, fetchHTTPClient)
	defer cancel()
	headReq, err := http.NewRequestWithContext(headCtx, http.MethodHead, def.Source, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building HEAD preflight request")
	}
	headResp, err := s.client.Do(headReq)
	if err != nil {
		return nil, errors.Wrap(err, "HEAD preflight request")
	}
	_ = headResp.Body.Close()
	if headResp.ContentLength > maxPluginBytes {
		return nil, errors.Errorf("plugin %q: advertised size %d exceeds the %d byte cap", def.FQDN, headResp.ContentLength, maxPluginBytes)
	}

	getCtx, cancelGet := context.WithTimeout(ctx, fetchHTTPClient)
	defer cancelGet()
	getReq, err := http.NewRequestWithContext(getCtx, http.MethodGet, def.Source, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building GET request")
	}
	getResp, err := s.client.Do(getReq)
	if err != nil {
		return nil, errors.Wrap(err, "fetching plugin bytes")
	}
	defer getResp.Body.Close()

	return io.ReadAll(io.LimitReader(getResp.Body, maxPluginBytes+1))
}

// Invoke runs fqdn's `filter` guest export against req, producing a fresh
// instance and host-function state bag for this call alone. handled
// mirrors the guest's boolean return: true means the plugin wants to
// short-circuit the request.
func (s *Store) Invoke(ctx context.Context, fqdn string, req GuestRequest, host HostFunctions) (handled bool, err error) {
	s.mu.RLock()
	cp, ok := s.plugins[fqdn]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("plugins: no compiled module for %q", fqdn)
	}

	hostModules, err := s.buildLinker(ctx, host)
	for _, m := range hostModules {
		defer m.Close(ctx)
	}
	if err != nil {
		return false, errors.Wrap(err, "building host import linker")
	}

	cfg := wazero.NewModuleConfig().WithName(cp.name + "-" + cp.digest[:8])
	instance, err := s.runtime.InstantiateModule(ctx, cp.module, cfg)
	if err != nil {
		return false, errors.Wrapf(err, "instantiating plugin %q", fqdn)
	}
	defer instance.Close(ctx)

	payload, err := json.Marshal(req)
	if err != nil {
		return false, errors.Wrap(err, "marshaling guest request")
	}

	ptr, length, err := writeToGuestMemory(ctx, instance, payload)
	if err != nil {
		return false, errors.Wrap(err, "writing request into guest memory")
	}

	fn := instance.ExportedFunction("filter")
	if fn == nil {
		return false, fmt.Errorf("plugin %q does not export a filter function", fqdn)
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return false, errors.Wrapf(err, "calling plugin %q filter export", fqdn)
	}
	if len(results) == 0 {
		return false, fmt.Errorf("plugin %q filter export returned no value", fqdn)
	}
	return results[0] != 0, nil
}

// writeToGuestMemory allocates space in the guest's linear memory (via its
// exported `alloc` function, the common wazero convention for handing a
// host-built buffer to a guest) and copies payload into it.
func writeToGuestMemory(ctx context.Context, instance api.Module, payload []byte) (uint32, uint32, error) {
	alloc := instance.ExportedFunction("alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("guest module does not export alloc(len) -> ptr")
	}
	results, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return 0, 0, err
	}
	ptr := uint32(results[0])
	if !instance.Memory().Write(ptr, payload) {
		return 0, 0, fmt.Errorf("guest memory write out of bounds at offset %d, length %d", ptr, len(payload))
	}
	return ptr, uint32(len(payload)), nil
}

// Close tears down the runtime and every compiled module it holds.
func (s *Store) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}
