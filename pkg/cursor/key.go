package cursor

import (
	"sort"
	"strings"
)

// DefaultNamespace prefixes every cursor key.
const DefaultNamespace = "trailpoll"

// Key identifies a stored cursor.
type Key struct {
	// Namespace prefixes the key (default "trailpoll").
	Namespace string

	// Name is the engine name the cursor belongs to.
	Name string

	// Scope narrows the key, e.g. {"region": "us-east-1"} for a CloudTrail source.
	Scope map[string]string
}

// String generates a deterministic key string.
// Format: namespace:cursor:name:scope1=val1:scope2=val2
//
// Example:
//
//	trailpoll:cursor:cloudtrail:region=us-east-1
func (k Key) String() string {
	ns := strings.Trim(k.Namespace, ":")
	if ns == "" {
		ns = DefaultNamespace
	}
	parts := []string{ns, "cursor"}

	name := strings.Trim(k.Name, ":")
	if name == "" {
		name = "default"
	}
	parts = append(parts, name)

	if len(k.Scope) > 0 {
		keys := make([]string, 0, len(k.Scope))
		for key := range k.Scope {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, key+"="+k.Scope[key])
		}
	}

	return strings.Join(parts, ":")
}
