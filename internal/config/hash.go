package config

import (
	"encoding/json"
	"hash/fnv"
)

// hashConfig returns a stable hash of the marshaled config (0 for nil).
// Watch uses it to skip editor writes that did not change content.
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
