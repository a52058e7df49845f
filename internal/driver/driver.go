// Package driver implements the request driver (component N): the
// per-request state machine that runs downstream-request filters, selects
// a backend, runs upstream-request filters, proxies the body, and runs
// upstream-response filters, in that strict order, with no parallelism
// within one request.
package driver

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"motya/internal/configmodel"
	"motya/internal/filters"
	"motya/internal/metrics"
)

// Driver runs requests against a single compiled ServiceRuntime.
type Driver struct {
	service  ServiceRuntime
	upstream Upstream
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

// New builds a Driver for svc, forwarding proxied requests through
// upstream and recording outcomes into m. Every request's log lines are
// additionally keyed by a fresh request id.
func New(svc ServiceRuntime, upstream Upstream, m *metrics.Metrics, logger *zap.SugaredLogger) *Driver {
	return &Driver{service: svc, upstream: upstream, metrics: m, logger: logger}
}

// Handle runs the full RECV_HEADERS -> ... -> RESPONDED state machine for
// one request. It never returns a nil response: any runtime error is
// converted to a 5xx response here rather than propagated to the caller,
// so errors never leave the request boundary.
func (d *Driver) Handle(ctx context.Context, req *filters.Request, body []byte) *filters.Response {
	reqID := uuid.NewString()
	log := d.logger.With("request_id", reqID, "service", d.service.Name, "path", req.Path)

	if req.Ctx == nil {
		req.Ctx = ctx
	}

	up, ok := d.pickUpstream(req.Path)
	if !ok {
		log.Errorw("no upstream matches the request path")
		return &filters.Response{StatusCode: 502}
	}

	for _, chain := range up.Chains {
		for _, action := range chain.Actions {
			resp, handled, err := action.Apply(req)
			d.recordFilter(action.FQDN, "downstream-request", err)
			if err != nil {
				log.Errorw("downstream filter error", "chain", chain.Name, "filter", action.FQDN, "err", err)
				return &filters.Response{StatusCode: 500}
			}
			if handled {
				log.Infow("request handled by downstream filter", "chain", chain.Name, "filter", action.FQDN, "status", resp.StatusCode)
				return resp
			}
		}
	}

	if up.Kind == configmodel.UpstreamStatic {
		return &filters.Response{StatusCode: up.StaticStatus, Body: up.StaticBody}
	}

	var keyBuf []byte
	if up.Selector != nil {
		up.Selector.Select(filters.KeyContext(req), &keyBuf)
	}
	backend, ok := up.Balancer.Select(keyBuf)
	if !ok {
		log.Errorw("no backend available")
		return &filters.Response{StatusCode: 502}
	}
	d.metrics.BalancerSelections.WithLabelValues(d.service.Name, up.Algorithm).Inc()

	for _, chain := range up.Chains {
		for _, mod := range chain.ReqMods {
			err := mod.Apply(req)
			d.recordFilter(mod.FQDN, "upstream-request", err)
			if err != nil {
				log.Errorw("upstream-request filter error", "chain", chain.Name, "filter", mod.FQDN, "err", err)
				return &filters.Response{StatusCode: 500}
			}
		}
	}

	req.Path = up.RewritePath(req.Path)

	resp, err := d.upstream.Forward(req.Ctx, backend, req, body)
	if err != nil {
		failure := classifyUpstreamError(err)
		log.Errorw("upstream request failed", "backend", backend.Address, "failure", failure.String(), "err", err)
		return &filters.Response{StatusCode: 502}
	}

	for _, chain := range up.Chains {
		for _, mod := range chain.ResMods {
			err := mod.Apply(resp)
			d.recordFilter(mod.FQDN, "upstream-response", err)
			if err != nil {
				log.Errorw("upstream-response filter error", "chain", chain.Name, "filter", mod.FQDN, "err", err)
				return &filters.Response{StatusCode: 500}
			}
		}
	}

	log.Infow("request completed", "backend", backend.Address, "status", resp.StatusCode)
	return resp
}

// pickUpstream routes a request path to the first upstream whose matcher
// accepts it, in declared order.
func (d *Driver) pickUpstream(path string) (*UpstreamRuntime, bool) {
	for i := range d.service.Upstreams {
		if d.service.Upstreams[i].Matches(path) {
			return &d.service.Upstreams[i], true
		}
	}
	return nil, false
}

func (d *Driver) recordFilter(fqdn, phase string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.FilterInvocations.WithLabelValues(filters.MetricLabel(fqdn), phase, outcome).Inc()
}
