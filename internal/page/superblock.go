package page

import "encoding/binary"

// Magic identifies a Tupl database file.
const Magic uint32 = 0x5475706c // "Tupl"

// FormatVersion is bumped whenever the on-disk layout changes
// incompatibly.
const FormatVersion uint32 = 1

// Superblock is the durable root of the database: it is double-buffered
// across pages 0 and 1 so a torn write during commit never destroys both
// copies. At open, a copy that fails its checksum is ignored, and of two
// valid copies the one with the higher CommitNumber wins.
type Superblock struct {
	Magic         uint32
	FormatVersion uint32
	PageSize      uint32
	PageCount     uint64
	FreeListHead  ID
	RegistryRoot  ID // root of the index-id 0 registry tree
	RedoPosition  uint64
	LastTxID      uint64
	CommitNumber  uint64
	Encrypted     bool
	ExtraData     [256]byte
}

// Size is the marshaled byte size of a Superblock, not counting the page
// header/CRC that wraps it.
const Size = 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 1 + 256

// Marshal encodes sb into buf, which must be at least Size bytes.
func Marshal(sb Superblock, buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], sb.Magic)
	binary.BigEndian.PutUint32(buf[4:8], sb.FormatVersion)
	binary.BigEndian.PutUint32(buf[8:12], sb.PageSize)
	binary.BigEndian.PutUint64(buf[12:20], sb.PageCount)
	binary.BigEndian.PutUint64(buf[20:28], uint64(sb.FreeListHead))
	binary.BigEndian.PutUint64(buf[28:36], uint64(sb.RegistryRoot))
	binary.BigEndian.PutUint64(buf[36:44], sb.RedoPosition)
	binary.BigEndian.PutUint64(buf[44:52], sb.LastTxID)
	binary.BigEndian.PutUint64(buf[52:60], sb.CommitNumber)
	if sb.Encrypted {
		buf[60] = 1
	} else {
		buf[60] = 0
	}
	copy(buf[61:61+256], sb.ExtraData[:])
}

// Unmarshal decodes a Superblock from buf.
func Unmarshal(buf []byte) Superblock {
	var sb Superblock
	sb.Magic = binary.BigEndian.Uint32(buf[0:4])
	sb.FormatVersion = binary.BigEndian.Uint32(buf[4:8])
	sb.PageSize = binary.BigEndian.Uint32(buf[8:12])
	sb.PageCount = binary.BigEndian.Uint64(buf[12:20])
	sb.FreeListHead = ID(binary.BigEndian.Uint64(buf[20:28]))
	sb.RegistryRoot = ID(binary.BigEndian.Uint64(buf[28:36]))
	sb.RedoPosition = binary.BigEndian.Uint64(buf[36:44])
	sb.LastTxID = binary.BigEndian.Uint64(buf[44:52])
	sb.CommitNumber = binary.BigEndian.Uint64(buf[52:60])
	sb.Encrypted = buf[60] != 0
	copy(sb.ExtraData[:], buf[61:61+256])
	return sb
}

// New returns a freshly-initialized Superblock for a new database.
func New(pageSize uint32) Superblock {
	return Superblock{
		Magic:         Magic,
		FormatVersion: FormatVersion,
		PageSize:      pageSize,
		PageCount:     2, // superblock copies occupy pages 0 and 1
		FreeListHead:  Invalid,
		RegistryRoot:  Invalid,
	}
}
