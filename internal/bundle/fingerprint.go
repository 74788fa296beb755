package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
)

// fingerprintLen is the number of hex characters kept from the digest.
// 64 bits of the hash is plenty for a per-publisher cache key.
const fingerprintLen = 16

// Fingerprint derives the cache key for a resolved build configuration.
// The module list is sorted and de-duplicated before hashing, so any
// permutation of the same set yields the same fingerprint. Toolchain version
// and output target are part of the key because they affect the produced
// bundle even when the module set is unchanged.
func Fingerprint(modules []string, toolchainVersion, outputTarget string) string {
	canonical := slices.Clone(modules)
	slices.Sort(canonical)
	canonical = slices.Compact(canonical)

	h := sha256.New()
	for _, m := range canonical {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	h.Write([]byte(toolchainVersion))
	h.Write([]byte{0})
	h.Write([]byte(outputTarget))

	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}
