// Package compiler turns the collected, parsed KDL source graph into a
// configmodel.Config tree through the two passes the format requires:
// first gathering every `definitions` node into one process-wide table,
// then resolving every `services` node against that completed table. A
// service may reference a chain or storage defined in a file included
// after it; that ordering independence is why the passes are split.
package compiler

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"motya/internal/collector"
	"motya/internal/configmodel"
	"motya/internal/definitions"
	"motya/internal/kdl"
	"motya/internal/kdlvalue"
	"motya/internal/keyselect"
	"motya/internal/schema"
	"motya/internal/vars"
)

// ConfigError bundles every diagnostic a compile run accumulated.
type ConfigError struct {
	Errors []error
}

func (e *ConfigError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d configuration errors, first: %v", len(e.Errors), e.Errors[0])
}

// Compiler holds the state shared across both passes of one compile run: a
// var registry is built once up front since ${var.x} resolution does not
// depend on anything the compiler itself discovers.
type Compiler struct {
	vars    *vars.Registry
	filters []string
	lossy   bool
	errors  []error
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLossy enables lossy mode: schema and reference errors are collected
// but do not stop compilation. A definition or service that fails to compile
// is dropped from the resulting tree; a node with only schema or
// cross-reference errors is kept as compiled. Used by editor tooling that
// wants the rest of a config's diagnostics even though one node is broken.
func WithLossy(lossy bool) Option {
	return func(c *Compiler) { c.lossy = lossy }
}

// WithFilterCatalog seeds the definitions table's filter FQDN set,
// typically with filters.NewRegistry().Names(). Plugin declarations extend
// the set; chain references are checked against the union.
func WithFilterCatalog(fqdns []string) Option {
	return func(c *Compiler) { c.filters = fqdns }
}

// New builds a Compiler. userVars seeds the var.* interpolation namespace.
func New(userVars map[string]string, opts ...Option) *Compiler {
	c := &Compiler{vars: vars.New(userVars)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompileLossy runs a best-effort compile and returns the partial config
// together with every accumulated diagnostic, the entry point editor
// tooling loads a broken config through.
func CompileLossy(sources []collector.Source, userVars map[string]string, opts ...Option) (*configmodel.Config, *ConfigError) {
	opts = append(opts, WithLossy(true))
	cfg, errs := New(userVars, opts...).Compile(sources)
	if len(errs) == 0 {
		return cfg, nil
	}
	return cfg, &ConfigError{Errors: errs}
}

// Compile runs both passes over sources and returns the resolved Config.
// In strict mode (the default) errors abort compilation at the next phase
// boundary; in lossy mode every recoverable error is accumulated in the
// returned slice and compilation proceeds on a best-effort basis.
func (c *Compiler) Compile(sources []collector.Source) (*configmodel.Config, []error) {
	c.errors = nil

	for _, src := range sources {
		c.interpolateDocument(src)
	}
	for _, src := range sources {
		for _, diag := range schema.ValidateDocument(src.Doc, schema.DocumentSchema) {
			if diag.Severity == protocol.DiagnosticSeverityError {
				c.fail(errors.Errorf("%s: %s", src.Path, diag.Message))
			}
		}
	}
	if !c.lossy && len(c.errors) > 0 {
		return nil, c.errors
	}

	table := definitions.New()
	for _, fqdn := range c.filters {
		table.AddFilter(fqdn)
	}
	// Leaf definitions first (storages, key profiles, plugins), then the
	// rate limits and chains that may reference them from any file.
	c.forEachDefinition(sources, func(n *kdl.Node, path string) {
		c.collectLeafDefinition(table, n, path)
	})
	c.forEachDefinition(sources, func(n *kdl.Node, path string) {
		c.collectCompositeDefinition(table, n, path)
	})
	if !c.lossy && len(c.errors) > 0 {
		return nil, c.errors
	}

	defs := table.Build()
	for _, err := range definitions.ReferenceErrors(defs) {
		c.fail(err)
	}
	if !c.lossy && len(c.errors) > 0 {
		return nil, c.errors
	}

	cfg := &configmodel.Config{Definitions: defs}

	for _, src := range sources {
		if sysNode := src.Doc.TopLevel("system"); sysNode != nil {
			cfg.System = c.parseSystem(sysNode)
			break
		}
	}

	for _, src := range sources {
		for _, svcsNode := range src.Doc.Nodes {
			if svcsNode.Name != "services" {
				continue
			}
			for _, svcNode := range svcsNode.Children {
				svc, err := c.parseService(svcNode, defs)
				if err != nil {
					c.fail(errors.Wrapf(err, "%s: service %q", src.Path, svcNode.Name))
					continue
				}
				cfg.Services = append(cfg.Services, svc)
			}
		}
	}

	if len(c.errors) > 0 {
		return cfg, c.errors
	}
	return cfg, nil
}

func (c *Compiler) fail(err error) {
	c.errors = append(c.errors, err)
}

func (c *Compiler) forEachDefinition(sources []collector.Source, visit func(n *kdl.Node, path string)) {
	for _, src := range sources {
		for _, defsNode := range src.Doc.Nodes {
			if defsNode.Name != "definitions" {
				continue
			}
			for _, n := range defsNode.Children {
				visit(n, src.Path)
			}
		}
	}
}

// --- variable interpolation ---

// interpolateDocument substitutes ${env.X} and ${var.X} placeholders in
// every string value (and node name) in place, retaining the original
// spans, so schema validation and both compile passes see resolved text.
// Key-template placeholders (${ip}, ${path}, ${header.x}, ${cookie.x})
// share the ${...} syntax but are request-time sources; the registry leaves
// them intact without a diagnostic and ParseTemplate picks them up later.
func (c *Compiler) interpolateDocument(src collector.Source) {
	var walk func(n *kdl.Node)
	walk = func(n *kdl.Node) {
		n.Name = c.interpolateString(n.Name, src.Path)
		for i := range n.Args {
			if n.Args[i].Kind == kdlvalue.KindString {
				n.Args[i].Str = c.interpolateString(n.Args[i].Str, src.Path)
			}
		}
		for i := range n.Props {
			if n.Props[i].Value.Kind == kdlvalue.KindString {
				n.Props[i].Value.Str = c.interpolateString(n.Props[i].Value.Str, src.Path)
			}
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	for _, n := range src.Doc.Nodes {
		walk(n)
	}
}

func (c *Compiler) interpolateString(s, path string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	resolved, errs := c.vars.Interpolate(s)
	for _, e := range errs {
		c.fail(errors.Wrap(e, path))
	}
	return resolved
}

// --- system ---

func (c *Compiler) parseSystem(n *kdl.Node) configmodel.SystemConfig {
	sys := configmodel.SystemConfig{}
	if t := n.Child("threads-per-service"); t != nil && len(t.Args) > 0 {
		sys.ThreadsPerService = int(t.Args[0].Int)
	}
	if d := n.Child("daemonize"); d != nil && len(d.Args) > 0 {
		sys.Daemonize = d.Args[0].Bool
	}
	if u := n.Child("upgrade-socket"); u != nil && len(u.Args) > 0 {
		sys.UpgradeSocket = u.Args[0].AsString()
	}
	if p := n.Child("pid-file"); p != nil && len(p.Args) > 0 {
		sys.PidFile = p.Args[0].AsString()
	}
	if providers := n.Child("providers"); providers != nil {
		for _, p := range providers.Children {
			sys.Providers = append(sys.Providers, c.parseProvider(p))
		}
	}
	return sys
}

func (c *Compiler) parseProvider(n *kdl.Node) configmodel.ProviderConfig {
	p := configmodel.ProviderConfig{}
	switch n.Name {
	case "s3":
		p.Kind = configmodel.ProviderS3
		p.Bucket = c.propString(n, "bucket")
		p.Key = c.propString(n, "key")
		p.Region = c.propString(n, "region")
		p.Endpoint = c.propString(n, "endpoint")
		p.Interval = c.propDuration(n, "interval", 60*time.Second)
	case "http":
		p.Kind = configmodel.ProviderHTTP
		p.Address = c.propString(n, "address")
		p.Path = c.propString(n, "path")
		p.Persist = c.propBool(n, "persist")
	default:
		p.Kind = configmodel.ProviderFiles
		p.Watch = c.propBool(n, "watch")
	}
	return p
}

// --- definitions: pass 1a (leaves) ---

func (c *Compiler) collectLeafDefinition(table *definitions.Table, n *kdl.Node, path string) {
	switch n.Name {
	case "plugin":
		def, err := c.parsePlugin(n)
		if err == nil {
			err = table.AddPlugin(def)
		}
		if err != nil {
			c.fail(errors.Wrapf(err, "%s: plugin", path))
		}
	case "storage":
		def, err := c.parseStorage(n)
		if err == nil {
			err = table.AddStorage(def)
		}
		if err != nil {
			c.fail(errors.Wrapf(err, "%s: storage", path))
		}
	case "key-profile":
		def, err := c.parseKeyProfile(n)
		if err == nil {
			err = table.AddKeyProfile(def)
		}
		if err != nil {
			c.fail(errors.Wrapf(err, "%s: key-profile", path))
		}
	}
}

// --- definitions: pass 1b (composites) ---

func (c *Compiler) collectCompositeDefinition(table *definitions.Table, n *kdl.Node, path string) {
	defs := table.Build()
	switch n.Name {
	case "rate-limit":
		def, err := c.parseRateLimit(n, defs, true)
		if err == nil {
			err = table.AddRateLimit(def)
		}
		if err != nil {
			c.fail(errors.Wrapf(err, "%s: rate-limit", path))
		}
	case "chain":
		def, err := c.parseChain(n, defs)
		if err == nil {
			err = table.AddChain(def)
		}
		if err != nil {
			c.fail(errors.Wrapf(err, "%s: chain", path))
		}
	}
}

func (c *Compiler) parsePlugin(n *kdl.Node) (configmodel.PluginDef, error) {
	if len(n.Args) == 0 {
		return configmodel.PluginDef{}, fmt.Errorf("plugin declaration is missing its filter name")
	}
	def := configmodel.PluginDef{FQDN: n.Args[0].AsString()}
	file, hasFile := n.Prop("file")
	u, hasURL := n.Prop("url")
	switch {
	case hasFile && hasURL:
		return def, fmt.Errorf("plugin %q declares both file and url", def.FQDN)
	case hasFile:
		def.SourceKind = configmodel.PluginSourceFile
		def.Source = file.AsString()
	case hasURL:
		def.SourceKind = configmodel.PluginSourceURL
		def.Source = u.AsString()
	default:
		return def, fmt.Errorf("plugin %q declares neither file nor url", def.FQDN)
	}
	return def, nil
}

func (c *Compiler) parseStorage(n *kdl.Node) (configmodel.StorageDef, error) {
	if len(n.Args) < 2 {
		return configmodel.StorageDef{}, fmt.Errorf("storage needs a name and a variant")
	}
	def := configmodel.StorageDef{Name: n.Args[0].AsString()}
	variant := n.Args[1].AsString()
	idx, diags := schema.MatchVariant(n, variant, schema.StorageVariants)
	if len(diags) > 0 {
		return def, fmt.Errorf("storage %q: %s (%s)", def.Name, diags[0].Message, diags[0].Help)
	}
	switch schema.StorageVariants[idx].Name {
	case "redis":
		def.Kind = configmodel.StorageRedis
		for _, addr := range strings.Split(c.propString(n, "addrs"), ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				def.Addrs = append(def.Addrs, addr)
			}
		}
		def.Password = c.propString(n, "password")
		def.Timeout = c.propDuration(n, "timeout", 5*time.Second)
		if len(def.Addrs) == 0 {
			return def, fmt.Errorf("redis storage %q has no addrs", def.Name)
		}
	default:
		def.Kind = configmodel.StorageMemory
		def.MaxKeys = int(c.propInt(n, "max-keys"))
		def.Cleanup = c.propDuration(n, "cleanup", 10*time.Minute)
	}
	return def, nil
}

func (c *Compiler) parseKeyProfile(n *kdl.Node) (configmodel.KeyProfileDef, error) {
	if len(n.Args) == 0 {
		return configmodel.KeyProfileDef{}, fmt.Errorf("key-profile is missing its name")
	}
	def := configmodel.KeyProfileDef{Name: n.Args[0].AsString()}
	key := n.Child("key")
	if key == nil {
		return def, fmt.Errorf("key-profile %q has no key node", def.Name)
	}
	templates, err := c.parseKeyTemplates(key)
	if err != nil {
		return def, fmt.Errorf("key-profile %q: %w", def.Name, err)
	}
	def.Templates = templates
	if to := n.Child("transforms-order"); to != nil {
		def.Transforms = parseTransforms(to)
	}
	return def, nil
}

// parseKeyTemplates reads a `key` node: the first argument is the primary
// template, extra arguments and the fallback property are fallbacks, tried
// in that order.
func (c *Compiler) parseKeyTemplates(n *kdl.Node) ([]configmodel.KeyTemplate, error) {
	if len(n.Args) == 0 {
		return nil, fmt.Errorf("key node has no template")
	}
	var out []configmodel.KeyTemplate
	for _, arg := range n.Args {
		tmpl, err := keyselect.ParseTemplate(arg.AsString())
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	if fb, ok := n.Prop("fallback"); ok {
		tmpl, err := keyselect.ParseTemplate(fb.AsString())
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, nil
}

func parseTransforms(n *kdl.Node) []configmodel.Transform {
	var out []configmodel.Transform
	for _, child := range n.Children {
		switch child.Name {
		case "lowercase":
			out = append(out, configmodel.Transform{Kind: configmodel.TransformLowercase})
		case "truncate":
			length, _ := child.Prop("length")
			out = append(out, configmodel.Transform{Kind: configmodel.TransformTruncate, Length: int(length.Int)})
		case "remove-query-params":
			out = append(out, configmodel.Transform{Kind: configmodel.TransformRemoveQueryParams})
		case "strip-trailing-slash":
			out = append(out, configmodel.Transform{Kind: configmodel.TransformStripTrailingSlash})
		}
	}
	return out
}

// parseRateLimit reads a rate-limit node, named (a definition) or anonymous
// (inline in a chain). Key templates come from a `key` node or a referenced
// key-profile; declaring both is rejected rather than merged.
func (c *Compiler) parseRateLimit(n *kdl.Node, defs configmodel.Definitions, named bool) (configmodel.RateLimitPolicyDef, error) {
	def := configmodel.RateLimitPolicyDef{Algorithm: "token-bucket", Burst: 1}
	if named {
		if len(n.Args) == 0 {
			return def, fmt.Errorf("rate-limit definition is missing its name")
		}
		def.Name = n.Args[0].AsString()
	}

	if a := n.Child("algorithm"); a != nil && len(a.Args) > 0 {
		def.Algorithm = a.Args[0].AsString()
	}
	if def.Algorithm != "token-bucket" {
		return def, fmt.Errorf("rate-limit %q: unsupported algorithm %q", def.Name, def.Algorithm)
	}
	if s := n.Child("storage"); s != nil && len(s.Args) > 0 {
		def.StorageName = s.Args[0].AsString()
	}

	key := n.Child("key")
	profileNode := n.Child("key-profile")
	switch {
	case key != nil && profileNode != nil:
		return def, fmt.Errorf("rate-limit %q declares both key and key-profile", def.Name)
	case key != nil:
		templates, err := c.parseKeyTemplates(key)
		if err != nil {
			return def, fmt.Errorf("rate-limit %q: %w", def.Name, err)
		}
		def.Templates = templates
		if to := n.Child("transforms-order"); to != nil {
			def.Transforms = parseTransforms(to)
		}
	case profileNode != nil && len(profileNode.Args) > 0:
		profileName := profileNode.Args[0].AsString()
		profile, ok := defs.KeyProfiles[profileName]
		if !ok {
			return def, fmt.Errorf("rate-limit %q references unknown key-profile %q", def.Name, profileName)
		}
		def.Templates = profile.Templates
		def.Transforms = profile.Transforms
	}

	if b := n.Child("burst"); b != nil && len(b.Args) > 0 {
		def.Burst = b.Args[0].Int
	}
	if r := n.Child("rate"); r != nil && len(r.Args) > 0 {
		switch r.Args[0].Kind {
		case kdlvalue.KindInteger:
			def.Rate = float64(r.Args[0].Int)
		default:
			def.Rate = r.Args[0].Float
		}
	}
	if def.Rate <= 0 {
		return def, fmt.Errorf("rate-limit %q: rate must be positive, got %g", def.Name, def.Rate)
	}
	if def.Burst < 1 {
		return def, fmt.Errorf("rate-limit %q: burst must be at least 1, got %d", def.Name, def.Burst)
	}
	return def, nil
}

func (c *Compiler) parseChain(n *kdl.Node, defs configmodel.Definitions) (configmodel.ChainDef, error) {
	if len(n.Args) == 0 {
		return configmodel.ChainDef{}, fmt.Errorf("chain definition is missing its name")
	}
	def := configmodel.ChainDef{Name: n.Args[0].AsString()}
	for _, item := range n.Children {
		switch item.Name {
		case "filter":
			if len(item.Args) == 0 {
				return def, fmt.Errorf("chain %q has a filter item with no name", def.Name)
			}
			inv := &configmodel.FilterInvocation{
				FQDN: item.Args[0].AsString(),
				Args: make(map[string]string, len(item.Props)),
			}
			for _, p := range item.Props {
				inv.Args[p.Key] = p.Value.AsString()
			}
			def.Items = append(def.Items, configmodel.ChainItem{Filter: inv})
		case "rate-limit":
			ref, err := c.parseRateLimitRef(item, defs)
			if err != nil {
				return def, fmt.Errorf("chain %q: %w", def.Name, err)
			}
			def.Items = append(def.Items, configmodel.ChainItem{RateLimit: ref})
		default:
			return def, fmt.Errorf("chain %q has an unknown item %q", def.Name, item.Name)
		}
	}
	return def, nil
}

// parseRateLimitRef reads a chain's rate-limit item: `rate-limit "name"`
// references a definition, `rate-limit { ... }` embeds an anonymous policy.
func (c *Compiler) parseRateLimitRef(n *kdl.Node, defs configmodel.Definitions) (*configmodel.RateLimitRef, error) {
	if len(n.Args) > 0 {
		return &configmodel.RateLimitRef{Name: n.Args[0].AsString()}, nil
	}
	inline, err := c.parseRateLimit(n, defs, false)
	if err != nil {
		return nil, err
	}
	return &configmodel.RateLimitRef{Inline: &inline}, nil
}

// --- services ---

func (c *Compiler) parseService(n *kdl.Node, defs configmodel.Definitions) (configmodel.ServiceConfig, error) {
	svc := configmodel.ServiceConfig{Name: n.Name}

	listeners := n.Child("listeners")
	if listeners == nil {
		return svc, fmt.Errorf("no listeners block")
	}
	for _, l := range listeners.Children {
		lc, err := parseListener(l)
		if err != nil {
			return svc, err
		}
		svc.Listeners = append(svc.Listeners, lc)
	}

	connectors := n.Child("connectors")
	fileServer := n.Child("file-server")
	switch {
	case connectors != nil && fileServer != nil:
		return svc, fmt.Errorf("declares both connectors and file-server")
	case fileServer != nil:
		svc.FileServer = &configmodel.FileServerConfig{Root: c.propString(fileServer, "root")}
	case connectors != nil:
		cc := &configmodel.ConnectorsConfig{}
		for _, up := range connectors.ChildrenNamed("upstream") {
			ctx, err := c.parseUpstream(up, defs)
			if err != nil {
				return svc, err
			}
			cc.Upstreams = append(cc.Upstreams, ctx)
		}
		if len(cc.Upstreams) == 0 {
			return svc, fmt.Errorf("connectors block has no upstreams")
		}
		svc.Connectors = cc
	default:
		return svc, fmt.Errorf("has neither connectors nor file-server")
	}
	return svc, nil
}

func parseListener(n *kdl.Node) (configmodel.ListenerConfig, error) {
	lc := configmodel.ListenerConfig{Addr: n.Name}
	if path, ok := strings.CutPrefix(n.Name, "unix:"); ok {
		lc.Kind = configmodel.ListenerUDS
		lc.Addr = path
	}
	if v, ok := n.Prop("cert-path"); ok {
		lc.CertPath = v.AsString()
	}
	if v, ok := n.Prop("key-path"); ok {
		lc.KeyPath = v.AsString()
	}
	if v, ok := n.Prop("offer-h2"); ok {
		lc.OfferH2 = v.Bool
	}
	if lc.OfferH2 && (lc.CertPath == "" || lc.KeyPath == "") {
		return lc, fmt.Errorf("listener %q offers h2 without TLS cert and key paths", n.Name)
	}
	return lc, nil
}

func (c *Compiler) parseUpstream(n *kdl.Node, defs configmodel.Definitions) (configmodel.UpstreamContext, error) {
	ctx := configmodel.UpstreamContext{}

	target := ""
	if len(n.Args) > 0 {
		target = n.Args[0].AsString()
	}
	servers := n.ChildrenNamed("server")
	switch {
	case target == "static":
		ctx.Kind = configmodel.UpstreamStatic
		ctx.StaticStatus = 200
		if v, ok := n.Prop("status"); ok {
			ctx.StaticStatus = int(v.Int)
		}
		ctx.StaticBody = c.propString(n, "body")
	case target != "":
		ctx.Kind = configmodel.UpstreamService
		addr, err := upstreamAddr(target)
		if err != nil {
			return ctx, err
		}
		ctx.Servers = []configmodel.UpstreamEntry{{Addr: addr, Weight: 1}}
	case len(servers) > 0:
		ctx.Kind = configmodel.UpstreamMultiServer
		for _, s := range servers {
			if len(s.Args) == 0 {
				return ctx, fmt.Errorf("upstream has a server entry with no address")
			}
			entry := configmodel.UpstreamEntry{Addr: s.Args[0].AsString(), Weight: 1}
			if w, ok := s.Prop("weight"); ok {
				entry.Weight = int(w.Int)
			}
			if entry.Weight < 1 {
				return ctx, fmt.Errorf("server %q has weight %d, want at least 1", entry.Addr, entry.Weight)
			}
			ctx.Servers = append(ctx.Servers, entry)
		}
	default:
		return ctx, fmt.Errorf("upstream declares neither a target nor server entries")
	}

	ctx.TLSSNI = c.propString(n, "tls-sni")
	ctx.ALPN = c.propString(n, "alpn")
	ctx.PrefixPath = c.propString(n, "prefix-path")
	ctx.TargetPath = c.propString(n, "target-path")
	if c.propString(n, "match") == "exact" {
		ctx.Matcher = configmodel.MatchExact
	}

	lbc, err := c.parseLB(n, defs)
	if err != nil {
		return ctx, err
	}
	ctx.LB = lbc

	for _, uc := range n.ChildrenNamed("use-chain") {
		if len(uc.Args) == 0 {
			continue
		}
		name := uc.Args[0].AsString()
		if _, ok := defs.Chains[name]; !ok {
			return ctx, fmt.Errorf("upstream references unknown chain %q", name)
		}
		ctx.Chains = append(ctx.Chains, name)
	}
	return ctx, nil
}

func (c *Compiler) parseLB(n *kdl.Node, defs configmodel.Definitions) (configmodel.LBConfig, error) {
	lbc := configmodel.LBConfig{}
	switch c.propString(n, "lb") {
	case "random":
		lbc.Kind = configmodel.BalancerRandom
	case "fnv":
		lbc.Kind = configmodel.BalancerFNV
		lbc.Hash = configmodel.HashFNV
	case "ketama":
		lbc.Kind = configmodel.BalancerKetama
		lbc.Hash = configmodel.HashKetama
	case "", "round-robin":
		lbc.Kind = configmodel.BalancerRoundRobin
	default:
		return lbc, fmt.Errorf("unknown lb algorithm %q", c.propString(n, "lb"))
	}
	switch c.propString(n, "hash") {
	case "xxhash":
		lbc.Hash = configmodel.HashXxHash64
	case "fnv":
		lbc.Hash = configmodel.HashFNV
	case "ketama":
		lbc.Hash = configmodel.HashKetama
	case "":
	default:
		return lbc, fmt.Errorf("unknown hash %q", c.propString(n, "hash"))
	}
	lbc.Seed = uint64(c.propInt(n, "seed"))

	if key := n.Child("key"); key != nil {
		templates, err := c.parseKeyTemplates(key)
		if err != nil {
			return lbc, err
		}
		lbc.Templates = templates
	} else if profileName := c.propString(n, "key-profile"); profileName != "" {
		profile, ok := defs.KeyProfiles[profileName]
		if !ok {
			return lbc, fmt.Errorf("upstream references unknown key-profile %q", profileName)
		}
		lbc.Templates = profile.Templates
		lbc.Transforms = profile.Transforms
	}
	return lbc, nil
}

// upstreamAddr extracts the host:port from an upstream target, which may be
// a bare address or an http(s) URL.
func upstreamAddr(target string) (string, error) {
	if !strings.Contains(target, "://") {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid upstream target %q: %w", target, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("upstream target %q has no host", target)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return host, nil
}

// --- prop helpers ---

func (c *Compiler) propString(n *kdl.Node, key string) string {
	v, ok := n.Prop(key)
	if !ok {
		return ""
	}
	return v.AsString()
}

func (c *Compiler) propInt(n *kdl.Node, key string) int64 {
	v, ok := n.Prop(key)
	if !ok {
		return 0
	}
	return v.Int
}

func (c *Compiler) propBool(n *kdl.Node, key string) bool {
	v, ok := n.Prop(key)
	return ok && v.Bool
}

func (c *Compiler) propDuration(n *kdl.Node, key string, fallback time.Duration) time.Duration {
	v, ok := n.Prop(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v.AsString())
	if err != nil {
		c.fail(fmt.Errorf("property %q on %q: invalid duration %q", key, n.Name, v.AsString()))
		return fallback
	}
	return d
}
