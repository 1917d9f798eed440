package tupl

import (
	"encoding/binary"

	"github.com/tuplgo/tupl/internal/page"
)

// registryEntry is the value stored in the registry tree (index id 0)
// under an index's name: its index id and current root page.
type registryEntry struct {
	indexID uint64
	root    page.ID
}

func encodeRegistryEntry(e registryEntry) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], e.indexID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.root))
	return buf
}

func decodeRegistryEntry(buf []byte) registryEntry {
	return registryEntry{
		indexID: binary.BigEndian.Uint64(buf[0:8]),
		root:    page.ID(binary.BigEndian.Uint64(buf[8:16])),
	}
}
