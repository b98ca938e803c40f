package storage

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
)

// CompressBlob and DecompressBlob are optional helpers a type's Write/Read
// callback can reach for when one of its fields is a large blob (e.g. an
// embedded image or document) that benefits from compression before it is
// framed as length-prefixed bytes. They do not touch the main file or WAL
// wire formats themselves — spec.md §6 fixes those byte-for-byte — only
// the payload a caller's own callback chooses to write through WriteBytes.
// Grounded in the reference implementation's Pager.compressRecord/
// DecompressRecord (storage/pager.go), which snappy-compresses whole
// record bodies above a size threshold; here the caller decides per field
// instead of the engine deciding per record, since this format has no
// record-level compression flag bit to spend.
func CompressBlob(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

// DecompressBlob reverses CompressBlob. It returns ErrCorrupt, not the
// underlying snappy error, so callers can use the same error taxonomy as
// every other read failure in this package.
func DecompressBlob(compressed []byte) ([]byte, error) {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy decode: %v", ErrCorrupt, err)
	}
	return raw, nil
}
