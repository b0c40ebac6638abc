package hashutil

import "hash/fnv"

// HashKey computes the 32-bit FNV-1a digest of the masked prefix bytes
// followed by the prefix-length byte, used for hash-table bucket
// selection throughout the hash backend.
func HashKey(maskedPrefix []byte, length int) uint32 {
	h := fnv.New32a()
	h.Write(maskedPrefix)
	h.Write([]byte{byte(length)})
	return h.Sum32()
}
