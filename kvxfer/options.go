package kvxfer

import "github.com/kvxfer/engine/internal/config"

// Options is the validated option set Initialize builds from a caller's raw
// map[string]string (spec §6). See internal/config for the full field set
// and validation rules; this package only re-exports the type so callers
// never need to import internal/config directly.
type Options = config.Options

// Role is the cluster's advertised role in a link.
type Role = config.Role

const (
	RolePrompt  = config.RolePrompt
	RoleDecoder = config.RoleDecoder
	RoleMix     = config.RoleMix
)

// ParseOptions validates raw against spec §6's recognized keys. Initialize
// calls this itself; it is exported separately so a caller can validate
// configuration ahead of time (e.g. at process startup, before any fabric
// or runtime handle exists).
func ParseOptions(raw map[string]string) (*Options, error) {
	return config.Parse(raw)
}
