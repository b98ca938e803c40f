package storage

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
)

// OpCode identifies a WAL entry's logical operation, matching spec.md §3.
type OpCode uint8

const (
	OpAdd    OpCode = 1
	OpUpdate OpCode = 2
	OpDelete OpCode = 3
)

// walEntryHeaderSize is the size of everything in an entry after its CRC:
// op_code(1) + type_index(1) + id(4) + data_len(4).
const walEntryHeaderSize = 1 + 1 + 4 + 4
const walEntryCRCSize = 4

// WALEntry is one staged mutation, parsed from or about to be appended to
// the log.
type WALEntry struct {
	Op        OpCode
	TypeIndex uint8
	ID        uint32
	Payload   []byte // empty for OpDelete
}

func (e *WALEntry) fieldBytes() []byte {
	buf := make([]byte, walEntryHeaderSize+len(e.Payload))
	buf[0] = byte(e.Op)
	buf[1] = e.TypeIndex
	binary.LittleEndian.PutUint32(buf[2:6], e.ID)
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(e.Payload)))
	copy(buf[10:], e.Payload)
	return buf
}

// WAL is the write-ahead log described in spec.md §4.2: an append-only
// journal of staged mutations, read-through for the overlay, and folded
// into the main file by checkpoint. Modeled on storage/wal.go's WAL type
// in the reference implementation (same open/append/truncate/fsync shape),
// adapted from whole-page before/after images to typed ADD/UPDATE/DELETE
// entries.
type WAL struct {
	file             *os.File
	path             string
	entries          []WALEntry
	witnessedMainCRC uint32
	maxEntries       uint32
	maxSize          int64
	fileSize         int64
	log              *slog.Logger
}

// OpenWAL opens or creates the WAL file at path. If the file is new or its
// header is structurally invalid, it is (re)created with a fresh header —
// spec.md §4.2: "if magic/version invalid, discard and recreate." A valid
// header's entries are NOT parsed into payload records here: doing so
// would require the registered types' Read callbacks, which are not yet
// available this early in Open (spec.md §3 Lifecycle). Instead the raw,
// CRC-validated entries are loaded eagerly (parsing needs no Read callback,
// only the wire framing), and it is the Store's job to decide, once types
// are registered, whether to fold them via checkpoint.
func OpenWAL(path string, maxEntries uint32, maxSize int64, mainCRC uint32, log *slog.Logger) (*WAL, error) {
	if log == nil {
		log = discardLogger()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal %s: %v", ErrIO, path, err)
	}

	w := &WAL{
		file:             f,
		path:             path,
		witnessedMainCRC: mainCRC,
		maxEntries:       maxEntries,
		maxSize:          maxSize,
		log:              log,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat wal %s: %v", ErrIO, path, err)
	}

	if info.Size() == 0 {
		if err := w.writeHeader(0); err != nil {
			f.Close()
			return nil, err
		}
		return w, nil
	}

	if err := w.loadExisting(); err != nil {
		log.Warn("wal header invalid, recreating", "path", path, "error", err)
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: reset wal %s: %v", ErrIO, path, err)
		}
		w.entries = nil
		w.fileSize = 0
		if err := w.writeHeader(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *WAL) writeHeader(entryCount uint32) error {
	var buf [WALHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], WALMagic)
	binary.LittleEndian.PutUint16(buf[4:6], WALVersion)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], w.witnessedMainCRC)
	binary.LittleEndian.PutUint32(buf[12:16], entryCount)
	if _, err := w.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: write wal header: %v", ErrIO, err)
	}
	if w.fileSize < WALHeaderSize {
		w.fileSize = WALHeaderSize
	}
	return w.file.Sync()
}

// loadExisting validates the header and scans every entry, stopping at the
// first structurally-invalid or CRC-mismatched entry: spec.md §4.2's
// failure semantics treat everything from that point on as a corrupt tail,
// to be truncated on the next append. Unlike the source bug flagged in
// spec.md §9 ("the WAL find function reads entry CRCs but does not verify
// them"), every entry's CRC is verified here before it is trusted.
func (w *WAL) loadExisting() error {
	hdr := make([]byte, WALHeaderSize)
	if _, err := w.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("short wal header: %w", err)
	}
	magic := binary.LittleEndian.Uint32(hdr[0:4])
	version := binary.LittleEndian.Uint16(hdr[4:6])
	if magic != WALMagic || version > WALVersion {
		return fmt.Errorf("bad wal magic/version")
	}
	w.witnessedMainCRC = binary.LittleEndian.Uint32(hdr[8:12])

	offset := int64(WALHeaderSize)
	w.entries = nil
	for {
		crcBuf := make([]byte, walEntryCRCSize)
		n, err := w.file.ReadAt(crcBuf, offset)
		if n < walEntryCRCSize || err != nil {
			break
		}
		storedCRC := binary.LittleEndian.Uint32(crcBuf)

		fieldsHdr := make([]byte, walEntryHeaderSize)
		n, err = w.file.ReadAt(fieldsHdr, offset+walEntryCRCSize)
		if n < walEntryHeaderSize || err != nil {
			break
		}
		dataLen := binary.LittleEndian.Uint32(fieldsHdr[6:10])
		payload := make([]byte, dataLen)
		if dataLen > 0 {
			n, err = w.file.ReadAt(payload, offset+walEntryCRCSize+walEntryHeaderSize)
			if n < int(dataLen) || err != nil {
				break
			}
		}

		entry := WALEntry{
			Op:        OpCode(fieldsHdr[0]),
			TypeIndex: fieldsHdr[1],
			ID:        binary.LittleEndian.Uint32(fieldsHdr[2:6]),
			Payload:   payload,
		}
		fields := entry.fieldBytes()
		if crcOf(fields) != storedCRC {
			w.log.Warn("wal entry CRC mismatch, truncating tail", "path", w.path, "offset", offset)
			break
		}
		w.entries = append(w.entries, entry)
		offset += walEntryCRCSize + int64(len(fields))
	}
	w.fileSize = offset
	return nil
}

// Append stages one logical operation, fsyncing the entry count in the
// header so a subsequent crash recovers exactly the entries written so
// far. On a partial write it truncates the file back to the previous end,
// per spec.md §4.2's append failure semantics.
func (w *WAL) Append(op OpCode, typeIndex uint8, id uint32, payload []byte) error {
	entry := WALEntry{Op: op, TypeIndex: typeIndex, ID: id, Payload: payload}
	fields := entry.fieldBytes()
	crc := crcOf(fields)

	buf := make([]byte, walEntryCRCSize+len(fields))
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	copy(buf[4:], fields)

	prevEnd := w.fileSize
	if _, err := w.file.WriteAt(buf, prevEnd); err != nil {
		_ = w.file.Truncate(prevEnd)
		return fmt.Errorf("%w: append wal entry: %v", ErrIO, err)
	}
	w.fileSize = prevEnd + int64(len(buf))
	w.entries = append(w.entries, entry)

	if err := w.writeHeader(uint32(len(w.entries))); err != nil {
		// Roll back the in-memory append so the WAL's view stays
		// consistent with what is durably on disk.
		w.entries = w.entries[:len(w.entries)-1]
		w.fileSize = prevEnd
		_ = w.file.Truncate(prevEnd)
		return err
	}
	w.log.Debug("wal append", "op", op, "type_index", typeIndex, "id", id, "entries", len(w.entries))
	return nil
}

// Entries returns the validated entries loaded from disk, oldest first.
func (w *WAL) Entries() []WALEntry { return w.entries }

// EntryCount returns the number of staged entries.
func (w *WAL) EntryCount() int { return len(w.entries) }

// ShouldCheckpoint reports whether either configured threshold has been
// crossed (spec.md §4.2).
func (w *WAL) ShouldCheckpoint() bool {
	if w.maxEntries > 0 && uint32(len(w.entries)) >= w.maxEntries {
		return true
	}
	if w.maxSize > 0 && w.fileSize >= w.maxSize {
		return true
	}
	return false
}

// Reset rewrites the WAL as empty with a freshly witnessed main-file CRC,
// the final step of a successful checkpoint (spec.md §4.2 step 4).
func (w *WAL) Reset(newMainCRC uint32) error {
	if err := w.file.Truncate(WALHeaderSize); err != nil {
		return fmt.Errorf("%w: truncate wal: %v", ErrIO, err)
	}
	w.witnessedMainCRC = newMainCRC
	w.entries = nil
	w.fileSize = WALHeaderSize
	return w.writeHeader(0)
}

// Close releases the WAL's file handle.
func (w *WAL) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("%w: sync wal: %v", ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: close wal: %v", ErrIO, err)
	}
	return nil
}
