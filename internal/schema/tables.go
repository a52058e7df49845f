package schema

import "motya/internal/kdlvalue"

// The schemas below describe every node shape a motya config document can
// contain, as data tables walked by the generic Validate function.

var stringArg = ArgSchema{Name: "value", Kind: kdlvalue.KindString}
var intArg = ArgSchema{Name: "value", Kind: kdlvalue.KindInteger}
var boolArg = ArgSchema{Name: "value", Kind: kdlvalue.KindBool}

// --- system ---

var providersSchema = &NodeSchema{
	Name: "providers",
	Children: map[string]ChildSchema{
		"files": {Max: 1, Schema: &NodeSchema{
			Name:  "files",
			Props: map[string]PropSchema{"watch": {Kind: kdlvalue.KindBool}},
		}},
		"s3": {Max: 1, Schema: &NodeSchema{
			Name: "s3",
			Props: map[string]PropSchema{
				"bucket":   {Kind: kdlvalue.KindString, Required: true},
				"key":      {Kind: kdlvalue.KindString, Required: true},
				"region":   {Kind: kdlvalue.KindString, Required: true},
				"interval": {Kind: kdlvalue.KindString},
				"endpoint": {Kind: kdlvalue.KindString},
			},
		}},
		"http": {Max: 1, Schema: &NodeSchema{
			Name: "http",
			Props: map[string]PropSchema{
				"address": {Kind: kdlvalue.KindString, Required: true},
				"path":    {Kind: kdlvalue.KindString, Required: true},
				"persist": {Kind: kdlvalue.KindBool},
			},
		}},
	},
}

var SystemSchema = &NodeSchema{
	Name: "system",
	Children: map[string]ChildSchema{
		"threads-per-service": {Max: 1, Schema: &NodeSchema{Name: "threads-per-service", Args: []ArgSchema{intArg}}},
		"daemonize":           {Max: 1, Schema: &NodeSchema{Name: "daemonize", Args: []ArgSchema{boolArg}}},
		"upgrade-socket":      {Max: 1, Schema: &NodeSchema{Name: "upgrade-socket", Args: []ArgSchema{stringArg}}},
		"pid-file":            {Max: 1, Schema: &NodeSchema{Name: "pid-file", Args: []ArgSchema{stringArg}}},
		"providers":           {Max: 1, Schema: providersSchema},
	},
}

// --- includes ---

// Each child of an includes block is a node whose name is the include path
// itself, with no args, props or children of its own.
var IncludesSchema = &NodeSchema{
	Name:     "includes",
	Wildcard: &ChildSchema{Schema: &NodeSchema{Name: "include-path"}},
}

// --- definitions: plugin ---

var pluginSchema = &NodeSchema{
	Name: "plugin",
	Args: []ArgSchema{{Name: "fqdn", Kind: kdlvalue.KindString}},
	Props: map[string]PropSchema{
		"file": {Kind: kdlvalue.KindString},
		"url":  {Kind: kdlvalue.KindString},
	},
}

// --- definitions: storage ---

// StorageVariants are the scored candidates for a storage node's second
// argument; see MatchVariant.
var StorageVariants = []Variant{
	{Name: "memory", Props: map[string]PropSchema{
		"max-keys": {Kind: kdlvalue.KindInteger},
		"cleanup":  {Kind: kdlvalue.KindString},
	}},
	{Name: "redis", Props: map[string]PropSchema{
		"addrs":    {Kind: kdlvalue.KindString},
		"password": {Kind: kdlvalue.KindString},
		"timeout":  {Kind: kdlvalue.KindString},
	}},
}

var storageSchema = &NodeSchema{
	Name: "storage",
	Args: []ArgSchema{
		{Name: "name", Kind: kdlvalue.KindString},
		{Name: "variant", Kind: kdlvalue.KindString},
	},
	AllowUnknownProps: true, // per-variant props, checked by MatchVariant
}

// --- key templates and transforms ---

var transformsOrderSchema = &NodeSchema{
	Name: "transforms-order",
	Children: map[string]ChildSchema{
		"lowercase":            {Max: 1, Schema: &NodeSchema{Name: "lowercase"}},
		"remove-query-params":  {Max: 1, Schema: &NodeSchema{Name: "remove-query-params"}},
		"strip-trailing-slash": {Max: 1, Schema: &NodeSchema{Name: "strip-trailing-slash"}},
		"truncate": {Max: 1, Schema: &NodeSchema{
			Name:  "truncate",
			Props: map[string]PropSchema{"length": {Kind: kdlvalue.KindInteger, Required: true}},
		}},
	},
}

var keySchema = &NodeSchema{
	Name:        "key",
	Args:        []ArgSchema{{Name: "template", Kind: kdlvalue.KindString}},
	VariadicArg: &ArgSchema{Name: "fallback", Kind: kdlvalue.KindString},
	Props: map[string]PropSchema{
		"fallback": {Kind: kdlvalue.KindString},
	},
}

// --- definitions: key-profile ---

var keyProfileSchema = &NodeSchema{
	Name: "key-profile",
	Args: []ArgSchema{{Name: "name", Kind: kdlvalue.KindString}},
	Children: map[string]ChildSchema{
		"key":              {Min: 1, Max: 1, Schema: keySchema},
		"transforms-order": {Max: 1, Schema: transformsOrderSchema},
	},
}

// --- definitions: rate-limit ---

var rateLimitSchema = &NodeSchema{
	Name: "rate-limit",
	Args: []ArgSchema{{Name: "name", Kind: kdlvalue.KindString}},
	Children: map[string]ChildSchema{
		"algorithm":        {Max: 1, Schema: &NodeSchema{Name: "algorithm", Args: []ArgSchema{stringArg}}},
		"storage":          {Max: 1, Schema: &NodeSchema{Name: "storage", Args: []ArgSchema{stringArg}}},
		"key":              {Max: 1, Schema: keySchema},
		"key-profile":      {Max: 1, Schema: &NodeSchema{Name: "key-profile", Args: []ArgSchema{stringArg}}},
		"transforms-order": {Max: 1, Schema: transformsOrderSchema},
		"burst":            {Max: 1, Schema: &NodeSchema{Name: "burst", Args: []ArgSchema{intArg}}},
		"rate":             {Max: 1, Schema: &NodeSchema{Name: "rate", Args: []ArgSchema{{Name: "value", Kind: kdlvalue.KindFloat}}}},
	},
}

// inlineRateLimitSchema is the anonymous form embedded in a chain: same
// children, but a name argument would be meaningless.
var inlineRateLimitSchema = &NodeSchema{
	Name:     "rate-limit",
	Args:     []ArgSchema{{Name: "name", Kind: kdlvalue.KindString, Optional: true}},
	Children: rateLimitSchema.Children,
}

// --- definitions: chain ---

var chainFilterSchema = &NodeSchema{
	Name:              "filter",
	Args:              []ArgSchema{{Name: "fqdn", Kind: kdlvalue.KindString}},
	AllowUnknownProps: true, // settings are the filter factory's to check
}

var chainSchema = &NodeSchema{
	Name: "chain",
	Args: []ArgSchema{{Name: "name", Kind: kdlvalue.KindString}},
	Children: map[string]ChildSchema{
		"filter":     {Schema: chainFilterSchema},
		"rate-limit": {Schema: inlineRateLimitSchema},
	},
}

// --- definitions (container) ---

var DefinitionsSchema = &NodeSchema{
	Name: "definitions",
	Children: map[string]ChildSchema{
		"plugin":      {Schema: pluginSchema},
		"storage":     {Schema: storageSchema},
		"rate-limit":  {Schema: rateLimitSchema},
		"chain":       {Schema: chainSchema},
		"key-profile": {Schema: keyProfileSchema},
	},
}

// --- services ---

// Each child of a listeners block is named by the address it binds:
// "0.0.0.0:8080" or "unix:/run/motya.sock".
var listenerSchema = &NodeSchema{
	Name:     "listener",
	NameKind: NameSocketAddr,
	Props: map[string]PropSchema{
		"cert-path": {Kind: kdlvalue.KindString},
		"key-path":  {Kind: kdlvalue.KindString},
		"offer-h2":  {Kind: kdlvalue.KindBool},
	},
}

var listenersSchema = &NodeSchema{
	Name:     "listeners",
	Wildcard: &ChildSchema{Schema: listenerSchema},
}

var upstreamSchema = &NodeSchema{
	Name: "upstream",
	Args: []ArgSchema{{Name: "target", Kind: kdlvalue.KindString, Optional: true}},
	Props: map[string]PropSchema{
		"lb":          {Kind: kdlvalue.KindString},
		"hash":        {Kind: kdlvalue.KindString},
		"seed":        {Kind: kdlvalue.KindInteger},
		"key-profile": {Kind: kdlvalue.KindString},
		"tls-sni":     {Kind: kdlvalue.KindString},
		"alpn":        {Kind: kdlvalue.KindString},
		"prefix-path": {Kind: kdlvalue.KindString},
		"target-path": {Kind: kdlvalue.KindString},
		"match":       {Kind: kdlvalue.KindString},
		"status":      {Kind: kdlvalue.KindInteger},
		"body":        {Kind: kdlvalue.KindString},
	},
	Children: map[string]ChildSchema{
		"use-chain": {Schema: &NodeSchema{Name: "use-chain", Args: []ArgSchema{stringArg}}},
		"server": {Schema: &NodeSchema{
			Name:  "server",
			Args:  []ArgSchema{{Name: "address", Kind: kdlvalue.KindString}},
			Props: map[string]PropSchema{"weight": {Kind: kdlvalue.KindInteger}},
		}},
		"key": {Max: 1, Schema: keySchema},
	},
}

var connectorsSchema = &NodeSchema{
	Name: "connectors",
	Children: map[string]ChildSchema{
		"upstream": {Min: 1, Schema: upstreamSchema},
	},
}

var fileServerSchema = &NodeSchema{
	Name: "file-server",
	Props: map[string]PropSchema{
		"root": {Kind: kdlvalue.KindString, Required: true},
	},
}

// ServiceSchema validates one service block; the node's name is the
// service's name.
var ServiceSchema = &NodeSchema{
	Name: "service",
	Children: map[string]ChildSchema{
		"listeners":   {Min: 1, Max: 1, Schema: listenersSchema},
		"connectors":  {Max: 1, Schema: connectorsSchema},
		"file-server": {Max: 1, Schema: fileServerSchema},
	},
}

var ServicesSchema = &NodeSchema{
	Name:     "services",
	Wildcard: &ChildSchema{Schema: ServiceSchema},
}

// DocumentSchema describes a single source file: any mix of system,
// includes, definitions and services nodes at the top level.
var DocumentSchema = &NodeSchema{
	Name: "document",
	Children: map[string]ChildSchema{
		"system":      {Max: 1, Schema: SystemSchema},
		"includes":    {Schema: IncludesSchema},
		"definitions": {Schema: DefinitionsSchema},
		"services":    {Schema: ServicesSchema},
	},
}
