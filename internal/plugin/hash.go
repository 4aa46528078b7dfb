package plugin

import (
	"encoding/binary"
	"encoding/json"
	"hash/fnv"
	"sort"
)

func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// canonicalHashJSON hashes JSON after canonicalizing it, so whitespace
// and key-order changes do not count as config changes. Invalid JSON
// falls back to hashing the raw bytes.
func canonicalHashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return hashBytes(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return hashBytes(raw)
	}
	return hashBytes(b)
}

// effectivePluginHash folds the config blob and the allowlist
// (order-insensitive) into one change-detection hash.
func effectivePluginHash(raw PluginConfigRaw) uint64 {
	ch := canonicalHashJSON(raw.Config)

	allow := append([]string(nil), raw.Allow...)
	sort.Strings(allow)
	ab, _ := json.Marshal(allow)
	ah := hashBytes(ab)

	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], ch)
	binary.LittleEndian.PutUint64(buf[8:16], ah)
	return hashBytes(buf[:])
}
