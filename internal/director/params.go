package director

import "time"

// KeyKind selects how a shard director derives its per-call key (§4.5
// "Key derivation").
type KeyKind int

const (
	KeyHash KeyKind = iota // first 4 bytes of the request digest
	KeyURL                 // sha256(URL)[0:4]
	KeyInt                 // caller-supplied 32-bit integer
	KeyBlob                // first 4 bytes of a caller-supplied blob
)

// ShardParams is the effective, fully-resolved parameter set a pick
// uses, after merging all layers.
type ShardParams struct {
	HashBy         KeyKind
	IgnoreHealth   bool
	RampupEnabled  bool
	Alt            int
	Warmup         float64 // -1 disables warmup bias
	Replicas       int
	RampupDuration time.Duration
}

// DefaultShardParams is the vmod-static default layer (§4.5 "Parameters
// and scope"): hash-by digest, chosen-health, rampup on, alt 0, warmup
// disabled.
func DefaultShardParams() ShardParams {
	return ShardParams{
		HashBy:         KeyHash,
		IgnoreHealth:   false,
		RampupEnabled:  true,
		Alt:            0,
		Warmup:         -1,
		Replicas:       128,
		RampupDuration: 10 * time.Second,
	}
}

// ParamOverride is one scoping layer (VCL-scope, task-scope, or
// call-site arguments): unset fields are nil and fall through to the
// next layer down, per spec §4.5's lazy-merge rule.
type ParamOverride struct {
	HashBy         *KeyKind
	IgnoreHealth   *bool
	RampupEnabled  *bool
	Alt            *int
	Warmup         *float64
	Replicas       *int
	RampupDuration *time.Duration
}

// mergeParams applies layers in priority order, highest priority first:
// call-site args, then task-scope, then VCL-scope, on top of defaults.
// The first layer to set a field wins.
func mergeParams(defaults ShardParams, layers ...*ParamOverride) ShardParams {
	p := defaults
	// Apply in reverse (lowest priority first) so later (higher
	// priority) layers overwrite earlier ones.
	for i := len(layers) - 1; i >= 0; i-- {
		o := layers[i]
		if o == nil {
			continue
		}
		if o.HashBy != nil {
			p.HashBy = *o.HashBy
		}
		if o.IgnoreHealth != nil {
			p.IgnoreHealth = *o.IgnoreHealth
		}
		if o.RampupEnabled != nil {
			p.RampupEnabled = *o.RampupEnabled
		}
		if o.Alt != nil {
			p.Alt = *o.Alt
		}
		if o.Warmup != nil {
			p.Warmup = *o.Warmup
		}
		if o.Replicas != nil {
			p.Replicas = *o.Replicas
		}
		if o.RampupDuration != nil {
			p.RampupDuration = *o.RampupDuration
		}
	}
	return p
}
