package plugins

import (
	"context"

	"go.uber.org/zap"

	"motya/internal/filters"
)

// requestHost is the per-request HostFunctions implementation a plugin
// action builds fresh for every Apply call; it never outlives that one
// call, so no per-request guest state leaks across invocations.
type requestHost struct {
	log  *zap.SugaredLogger
	path string
}

func (h *requestHost) LogInfo(msg string)  { h.log.Infow(msg, "source", "plugin") }
func (h *requestHost) LogError(msg string) { h.log.Errorw(msg, "source", "plugin") }
func (h *requestHost) LogDebug(msg string) { h.log.Debugw(msg, "source", "plugin") }
func (h *requestHost) GetPath() string     { return h.path }

// pluginAction adapts a compiled WASM plugin into a filters.Action: its
// Apply calls the guest's filter export and maps a true return into "this
// request is handled; stop the chain", matching the WASM guest contract
// (filter(request) -> bool, true means handled).
type pluginAction struct {
	store  *Store
	fqdn   string
	logger *zap.SugaredLogger
}

// NewFilterFactory returns a filters.Factory that builds a pluginAction
// bound to store and fqdn. Registered on the filter registry under the
// plugin's declared FQDN once the store has compiled its module; the
// chain's settings are accepted but unused, since a guest receives only
// the request shape the WASM contract defines.
func NewFilterFactory(store *Store, logger *zap.SugaredLogger, fqdn string) filters.Factory {
	return func(filters.Args) (any, error) {
		return &pluginAction{store: store, fqdn: fqdn, logger: logger}, nil
	}
}

func (p *pluginAction) Apply(req *filters.Request) (*filters.Response, bool, error) {
	ctx := req.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	headers := make([][2]string, 0, len(req.Headers))
	for name, values := range req.Headers {
		for _, v := range values {
			headers = append(headers, [2]string{name, v})
		}
	}

	host := &requestHost{log: p.logger, path: req.Path}
	handled, err := p.store.Invoke(ctx, p.fqdn, GuestRequest{
		Path:    req.Path,
		Method:  req.Method,
		Headers: headers,
	}, host)
	if err != nil {
		return nil, false, err
	}
	if !handled {
		return nil, false, nil
	}
	// A plugin that handles the request but doesn't set its own response
	// still needs a terminal frame; 200 with no body is the safe default
	// since plugins rarely block (that's block-cidr-range's job) so much
	// as short-circuit to a success path of their own.
	return &filters.Response{StatusCode: 200}, true, nil
}
