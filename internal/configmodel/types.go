// Package configmodel holds the fully-resolved, typed configuration tree
// that the compiler produces: the shape every other package (filters,
// balancer, rate limiter, driver) consumes, with every ${...} placeholder
// already interpolated and every name-reference already validated to exist.
package configmodel

import "time"

// ProviderKind identifies where a config source can additionally be
// fetched from besides the local filesystem.
type ProviderKind int

const (
	ProviderFiles ProviderKind = iota
	ProviderS3
	ProviderHTTP
)

// ProviderConfig is one entry in `system { providers { ... } }`.
type ProviderConfig struct {
	Kind ProviderKind

	Watch bool // files

	Bucket   string        // s3
	Key      string        // s3
	Region   string        // s3
	Interval time.Duration // s3
	Endpoint string        // s3

	Address string // http, "ip:port"
	Path    string // http
	Persist bool   // http
}

// SystemConfig holds process-wide settings read from the `system` node.
// Daemonize, UpgradeSocket and PidFile are validated and surfaced here but
// their process-level effect belongs to the daemonization collaborator
// outside this core.
type SystemConfig struct {
	ThreadsPerService int
	Daemonize         bool
	UpgradeSocket     string
	PidFile           string
	Providers         []ProviderConfig
}

// ListenerKind distinguishes a TCP listener from a Unix domain socket.
type ListenerKind int

const (
	ListenerTCP ListenerKind = iota
	ListenerUDS
)

// ListenerConfig is one entry under `listeners { ... }`. For TCP, Addr is a
// host:port socket address; for UDS it is the socket path. OfferH2 requires
// TLS: the compiler rejects offer-h2=#true without cert-path/key-path.
type ListenerConfig struct {
	Kind     ListenerKind
	Addr     string
	CertPath string
	KeyPath  string
	OfferH2  bool
}

// SegmentSource identifies where a key-template segment's value is read
// from at request time.
type SegmentSource int

const (
	SegmentLiteral SegmentSource = iota
	SegmentHeader
	SegmentCookie
	SegmentEnv
	SegmentVar
	SegmentIP
	SegmentPath
)

// KeySegment is one piece of a KeyTemplate: literal text, or a value read
// from the request or environment. For non-literal sources, Text names the
// header, cookie or variable being read; for SegmentIP and SegmentPath it
// is unused.
type KeySegment struct {
	Source SegmentSource
	Text   string
}

// KeyTemplate builds one candidate key out of an ordered list of segments,
// concatenated together. Parsed from template strings such as
// "u:${header.x-user-id}"; immutable after parse.
type KeyTemplate struct {
	Segments []KeySegment
}

// TransformKind is one of the key transform operations.
type TransformKind int

const (
	TransformTruncate TransformKind = iota
	TransformLowercase
	TransformRemoveQueryParams
	TransformStripTrailingSlash
)

// Transform is one entry of a `transforms-order` block, applied to the
// assembled key in declared order.
type Transform struct {
	Kind   TransformKind
	Length int // TransformTruncate
}

// KeyProfileDef is one `key-profile` definition: an ordered list of
// templates (primary first, then fallbacks) plus a transform pipeline,
// reusable by rate limits and upstream load balancing.
type KeyProfileDef struct {
	Name       string
	Templates  []KeyTemplate
	Transforms []Transform
}

// StorageKind identifies a rate-limit storage backend.
type StorageKind int

const (
	StorageMemory StorageKind = iota
	StorageRedis
)

// StorageDef is one `storage` definition. Memory carries max-keys and a
// cleanup interval; Redis carries its connection shape and is recognized
// but not implemented at runtime.
type StorageDef struct {
	Name string
	Kind StorageKind

	MaxKeys int           // memory
	Cleanup time.Duration // memory

	Addrs    []string      // redis
	Password string        // redis
	Timeout  time.Duration // redis
}

// RateLimitPolicyDef is one `rate-limit` definition (or an inline policy
// embedded in a chain): a token bucket keyed by Templates, refilled at Rate
// tokens per second up to Burst. Invariant: Rate > 0 and Burst >= 1.
type RateLimitPolicyDef struct {
	Name        string
	Algorithm   string
	StorageName string
	Templates   []KeyTemplate
	Transforms  []Transform
	Rate        float64
	Burst       int64
}

// FilterInvocation is one `filter` chain item: a fully-qualified filter
// name plus the settings passed to its factory.
type FilterInvocation struct {
	FQDN string
	Args map[string]string
}

// RateLimitRef is one `rate-limit` chain item: either a reference to a
// named policy, or an inline anonymous policy.
type RateLimitRef struct {
	Name   string
	Inline *RateLimitPolicyDef
}

// ChainItem is one step of a chain: exactly one of Filter or RateLimit is
// set.
type ChainItem struct {
	Filter    *FilterInvocation
	RateLimit *RateLimitRef
}

// ChainDef is one `chain` definition: an ordered sequence of filter
// invocations and rate-limit checks.
type ChainDef struct {
	Name  string
	Items []ChainItem
}

// PluginSourceKind says where a plugin's WASM bytes come from.
type PluginSourceKind int

const (
	PluginSourceFile PluginSourceKind = iota
	PluginSourceURL
)

// PluginDef is one `plugin` declaration: a filter FQDN backed by a WASM
// module fetched from a local path or an HTTPS URL.
type PluginDef struct {
	FQDN       string
	SourceKind PluginSourceKind
	Source     string
}

// Definitions is the fully-resolved, process-wide registry built from every
// `definitions` node across the include graph. Filters is the set of
// registrable filter FQDNs: the built-in catalog plus every declared
// plugin.
type Definitions struct {
	Filters     map[string]struct{}
	Chains      map[string]ChainDef
	RateLimits  map[string]RateLimitPolicyDef
	Storages    map[string]StorageDef
	KeyProfiles map[string]KeyProfileDef
	Plugins     map[string]PluginDef
}

// BalancerKind identifies which load-balancing algorithm an upstream pool
// uses.
type BalancerKind int

const (
	BalancerRoundRobin BalancerKind = iota
	BalancerRandom
	BalancerFNV
	BalancerKetama
)

// HashKind identifies the hash applied to the selector key before it is
// handed to the balancing algorithm.
type HashKind int

const (
	HashXxHash64 HashKind = iota
	HashFNV
	HashKetama
)

// LBConfig is an upstream's load-balancing shape: the selection algorithm,
// the key hash, and the key templates the selector evaluates (empty means a
// zero key; Round-Robin and Random ignore it either way).
type LBConfig struct {
	Kind       BalancerKind
	Hash       HashKind
	Seed       uint64
	Templates  []KeyTemplate
	Transforms []Transform
}

// UpstreamEntry is one server of a multi-server upstream.
// Invariant: Weight >= 1.
type UpstreamEntry struct {
	Addr   string
	Weight int
}

// PathMatcher decides how an upstream's prefix-path is compared against a
// request path.
type PathMatcher int

const (
	MatchPrefix PathMatcher = iota
	MatchExact
)

// UpstreamKind distinguishes the three upstream variants: a single proxied
// peer, a static canned response, and a multi-server balanced pool.
type UpstreamKind int

const (
	UpstreamService UpstreamKind = iota
	UpstreamStatic
	UpstreamMultiServer
)

// UpstreamContext is one `upstream` node inside `connectors`: the upstream
// itself, the chains attached to it, and its load-balancing options.
type UpstreamContext struct {
	Kind UpstreamKind

	Servers []UpstreamEntry

	StaticStatus int    // UpstreamStatic
	StaticBody   string // UpstreamStatic

	TLSSNI     string
	ALPN       string
	PrefixPath string
	TargetPath string
	Matcher    PathMatcher

	LB     LBConfig
	Chains []string // ChainDef references, run in declared order
}

// ConnectorsConfig is a service's `connectors` block.
type ConnectorsConfig struct {
	Upstreams []UpstreamContext
}

// FileServerConfig is one `file-server` node: a static file root served
// instead of proxying. Validated by the schema; the proxy hot path does not
// serve it in this build.
type FileServerConfig struct {
	Root string
}

// ServiceConfig is one named service: the listeners it binds and either a
// connectors block or a file-server root.
type ServiceConfig struct {
	Name       string
	Listeners  []ListenerConfig
	Connectors *ConnectorsConfig
	FileServer *FileServerConfig
}

// Config is the fully-compiled configuration tree, ready to be handed to
// the request driver.
type Config struct {
	System      SystemConfig
	Definitions Definitions
	Services    []ServiceConfig
}
