// Package redo implements the append-only, length-framed redo log described
// in spec.md §4.1: a chain is one logical log split across numbered files
// <name>.<index>, each opening with a magic header, holding length-prefixed
// event frames. Grounded on the teacher's fileStore (file_store.go): POSIX
// O_APPEND files, syscall.Flock for cross-process mutual exclusion, explicit
// Sync (flush+fsync) vs Flush (flush only), and bufio-based sequential
// replay that stops at the first short read (truncation recovery).
package redo

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/coredb/trustlog/event"
	"github.com/coredb/trustlog/meta"
	"github.com/coredb/trustlog/xcrypto"
)

// Magic identifies the redo log file format version, per spec.md §6.
var Magic = [4]byte{'V', '1', 0, 0}

// maxFileSize bounds a single numbered segment before rotation to the next
// index, keeping individual files seekable and compaction-replaceable
// without rewriting the whole chain.
const maxFileSize = 64 << 20 // 64 MiB

// Lookup addresses one record by its file index and byte offset, the
// `LogLookup{index, offset}` of spec.md §4.1. Defined in event so index and
// chain can reference it without importing redo.
type Lookup = event.Lookup

// Log is the append-only redo log for one chain, split across numbered
// files.
type Log struct {
	dir  string
	name string

	mu       sync.Mutex
	cur      *os.File
	curIndex uint32
	writer   *bufio.Writer
	offset   int64 // offset of the writer's cursor within cur

	rootKey  [32]byte // genesis key of the forward-secure integrity MAC chain
	macKey   [32]byte // current evolved key
	tag      [32]byte // current running aggregate tag
	tagsFile *os.File
}

// Open opens (creating if absent) the redo log for `name` under dir,
// positioning the writer at the end of the highest-numbered existing file
// (or creating file 0 with a fresh magic header).
func Open(dir, name string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create redo log directory: %w", err)
	}
	l := &Log{dir: dir, name: name}
	idx, err := l.highestIndex()
	if err != nil {
		return nil, err
	}
	if err := l.openFile(idx); err != nil {
		return nil, err
	}
	if err := l.initIntegrity(); err != nil {
		return nil, fmt.Errorf("init integrity chain: %w", err)
	}
	return l, nil
}

// Dir returns the directory this log's segments live in, so callers (e.g.
// chain.Chain.Load) can replay it directly via Visit.
func (l *Log) Dir() string { return l.dir }

func (l *Log) segmentPath(idx uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s.%d", l.name, idx))
}

func (l *Log) highestIndex() (uint32, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("list redo log directory: %w", err)
	}
	prefix := l.name + "."
	var found bool
	var max uint32
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		var idx uint32
		if _, err := fmt.Sscanf(e.Name()[len(prefix):], "%d", &idx); err != nil {
			continue
		}
		if !found || idx > max {
			max, found = idx, true
		}
	}
	return max, nil
}

func (l *Log) openFile(idx uint32) error {
	path := l.segmentPath(idx)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open redo segment %d: %w", idx, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat redo segment %d: %w", idx, err)
	}
	if info.Size() == 0 {
		if _, err := f.Write(Magic[:]); err != nil {
			_ = f.Close()
			return fmt.Errorf("write magic header: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync new segment: %w", err)
		}
	}
	l.cur = f
	l.curIndex = idx
	l.writer = bufio.NewWriter(f)
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek to end of segment %d: %w", idx, err)
	}
	l.offset = off
	return nil
}

// rotateLocked starts a fresh numbered segment once the current one exceeds
// maxFileSize. Caller must hold l.mu.
func (l *Log) rotateLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.cur.Close(); err != nil {
		return fmt.Errorf("close rotated segment: %w", err)
	}
	return l.openFile(l.curIndex + 1)
}

// Append writes evt at the end of the log, returning its address. Durability
// is only guaranteed after a subsequent Sync, per spec.md §4.1.
func (l *Log) Append(evt event.Data) (Lookup, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.offset >= maxFileSize {
		if err := l.rotateLocked(); err != nil {
			return Lookup{}, err
		}
	}

	if err := syscall.Flock(int(l.cur.Fd()), syscall.LOCK_EX); err != nil {
		return Lookup{}, fmt.Errorf("lock redo segment: %w", err)
	}
	defer syscall.Flock(int(l.cur.Fd()), syscall.LOCK_UN)

	lookup := Lookup{FileIndex: l.curIndex, Offset: l.offset}

	frame := encodeFrame(evt)
	n, err := l.writer.Write(frame)
	if err != nil {
		return Lookup{}, fmt.Errorf("write frame: %w", err)
	}
	l.offset += int64(n)

	tag := advanceIntegrity(&l.macKey, &l.tag, frame)
	if err := l.recordTagLocked(tag); err != nil {
		return Lookup{}, err
	}

	return lookup, nil
}

// encodeFrame builds [u32 meta_len][u32 data_len][u8 format][meta_bytes][data_bytes?]
// per spec.md §4.1.
func encodeFrame(evt event.Data) []byte {
	dataLen := 0
	hasData := evt.Payload != nil
	if hasData {
		dataLen = len(evt.Payload)
	}
	buf := make([]byte, 4+4+1+len(evt.MetaBytes)+dataLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(evt.MetaBytes)))
	if hasData {
		binary.LittleEndian.PutUint32(buf[4:8], uint32(dataLen))
	} else {
		binary.LittleEndian.PutUint32(buf[4:8], 0xFFFFFFFF) // sentinel: absent payload
	}
	buf[8] = byte(evt.Format)
	copy(buf[9:], evt.MetaBytes)
	if hasData {
		copy(buf[9+len(evt.MetaBytes):], evt.Payload)
	}
	return buf
}

// Flush flushes buffered writes without fsync, per spec.md §4.1.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush redo log: %w", err)
	}
	return nil
}

// Sync flushes buffered writes and fsyncs, per spec.md §4.1.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.cur.Sync(); err != nil {
		return fmt.Errorf("fsync redo log: %w", err)
	}
	if err := l.tagsFile.Sync(); err != nil {
		return fmt.Errorf("fsync integrity tags: %w", err)
	}
	return nil
}

// Len returns the number of segments currently making up the log.
func (l *Log) Len() (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curIndex + 1, nil
}

// Offset returns the write cursor's offset within the current segment, for
// capacity accounting.
func (l *Log) Offset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offset
}

// Rewrite atomically replaces the named log's segments with a single fresh
// segment containing exactly events, in order, per spec.md §3/§4.5
// "Compaction rewrites the log... producing a new file and atomically
// replacing the old". The caller must hold whatever exclusivity guarantees
// no concurrent Append races the rewrite (chain.Chain.Compact takes the
// single() lease). Old segments and their integrity side-files are removed;
// the returned Log starts a fresh integrity chain over the compacted
// content, since the MAC chain binds to content that compaction has, by
// design, changed.
func Rewrite(dir, name string, events []event.Data) (*Log, error) {
	oldIdx, err := (&Log{dir: dir, name: name}).highestIndex()
	if err != nil {
		return nil, err
	}

	tmpName := name + ".compact-tmp"
	tmp := &Log{dir: dir, name: tmpName}
	if err := tmp.openFile(0); err != nil {
		return nil, fmt.Errorf("open compaction tmp segment: %w", err)
	}
	if err := tmp.initIntegrity(); err != nil {
		return nil, fmt.Errorf("init compaction tmp integrity: %w", err)
	}
	for _, evt := range events {
		if _, err := tmp.Append(evt); err != nil {
			_ = tmp.Close()
			return nil, fmt.Errorf("append during compaction: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("sync compaction tmp segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close compaction tmp segment: %w", err)
	}

	for i := uint32(0); i <= oldIdx; i++ {
		_ = os.Remove(filepath.Join(dir, fmt.Sprintf("%s.%d", name, i)))
	}
	removeIntegritySideFiles(dir, name)

	if err := os.Rename(tmp.segmentPath(0), filepath.Join(dir, fmt.Sprintf("%s.0", name))); err != nil {
		return nil, fmt.Errorf("promote compacted segment: %w", err)
	}
	renameIntegritySideFiles(dir, tmpName, name)

	return Open(dir, name)
}

func removeIntegritySideFiles(dir, name string) {
	_ = os.Remove(rootKeyPath(dir, name))
	_ = os.Remove(tagsPath(dir, name))
}

func renameIntegritySideFiles(dir, oldName, newName string) {
	_ = os.Rename(rootKeyPath(dir, oldName), rootKeyPath(dir, newName))
	_ = os.Rename(tagsPath(dir, oldName), tagsPath(dir, newName))
}

// Close flushes and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.tagsFile.Close(); err != nil {
		return fmt.Errorf("close integrity tags: %w", err)
	}
	return l.cur.Close()
}

// ErrTruncated is returned by replay helpers when a segment ends with a
// partial frame; callers treat this as the end of valid history, not a hard
// error (truncation recovery, spec.md §4.1).
var ErrTruncated = errors.New("redo: truncated frame at end of segment")

// Visit replays every complete frame across every segment in order, calling
// fn with the event and its Lookup. It stops at the first partial frame
// (ErrTruncated is swallowed, not propagated) matching the "partial frames
// encountered during replay terminate replay at the last valid record" rule.
func Visit(dir, name string, fn func(Lookup, event.Data) error) error {
	idx, err := (&Log{dir: dir, name: name}).highestIndex()
	if err != nil {
		return err
	}
	for i := uint32(0); i <= idx; i++ {
		if err := visitSegment(dir, name, i, fn); err != nil {
			return err
		}
	}
	return nil
}

func visitSegment(dir, name string, idx uint32, fn func(Lookup, event.Data) error) error {
	path := filepath.Join(dir, fmt.Sprintf("%s.%d", name, idx))
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open segment %d for replay: %w", idx, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	offset, err := readMagic(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("segment %d: %w", idx, err)
	}

	for {
		startOffset := offset
		evt, frameLen, err := decodeFrame(r)
		if err != nil {
			if errors.Is(err, ErrTruncated) {
				return nil
			}
			return fmt.Errorf("decode frame at offset %d: %w", startOffset, err)
		}
		offset += frameLen

		if err := fn(Lookup{FileIndex: idx, Offset: startOffset}, evt); err != nil {
			return err
		}
	}
}

// readMagic reads and checks a segment's magic header, returning the
// offset immediately following it.
func readMagic(r *bufio.Reader) (int64, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return 0, err
	}
	if magic != Magic {
		return 0, errors.New("bad magic header")
	}
	return int64(len(Magic)), nil
}

// decodeFrame reads exactly one [u32 meta_len][u32 data_len][u8
// format][meta_bytes][data_bytes?] frame from r, returning the decoded
// event and the frame's on-disk length. Returns ErrTruncated (not
// propagated as a hard failure by callers that tolerate a partial tail) on
// a short read at any point.
func decodeFrame(r *bufio.Reader) (event.Data, int64, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return event.Data{}, 0, ErrTruncated
	}
	metaLen := binary.LittleEndian.Uint32(lenBuf[0:4])
	dataLenRaw := binary.LittleEndian.Uint32(lenBuf[4:8])

	var formatByte [1]byte
	if _, err := io.ReadFull(r, formatByte[:]); err != nil {
		return event.Data{}, 0, ErrTruncated
	}

	metaBytes := make([]byte, metaLen)
	if _, err := io.ReadFull(r, metaBytes); err != nil {
		return event.Data{}, 0, ErrTruncated
	}

	hasData := dataLenRaw != 0xFFFFFFFF
	var payload []byte
	if hasData {
		payload = make([]byte, dataLenRaw)
		if _, err := io.ReadFull(r, payload); err != nil {
			return event.Data{}, 0, ErrTruncated
		}
	}

	frameLen := int64(9 + len(metaBytes))
	if hasData {
		frameLen += int64(len(payload))
	}

	if _, err := meta.Decode(metaBytes); err != nil {
		return event.Data{}, 0, fmt.Errorf("decode meta: %w", err)
	}
	metaHash := xcrypto.Sum(metaBytes)

	var dataHash *xcrypto.Hash
	var dataHashBytes []byte
	if hasData {
		dh := xcrypto.Sum(payload)
		dataHash = &dh
		dataHashBytes = dh[:]
	}

	evt := event.Data{
		HeaderRaw: event.HeaderRaw{
			MetaHash:  metaHash,
			DataHash:  dataHash,
			MetaBytes: metaBytes,
			Format:    event.Format(formatByte[0]),
			EventHash: xcrypto.Sum(metaHash[:], dataHashBytes),
		},
		Payload: payload,
	}
	return evt, frameLen, nil
}

// ErrNotFound is returned by ReadAt when lookup no longer addresses a valid
// frame (e.g. a stale Lookup surviving a compaction rewrite).
var ErrNotFound = errors.New("redo: lookup does not address a valid frame")

// ReadAt seeks directly to lookup's (file index, offset) and decodes exactly
// one frame, the offset-addressed seek(offset) operation of spec.md §4.1.
// Callers should fall back to Visit on ErrNotFound, since a Lookup recorded
// before a compaction rewrite no longer addresses valid data afterward.
func ReadAt(dir, name string, lookup Lookup) (event.Data, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s.%d", name, lookup.FileIndex))
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return event.Data{}, ErrNotFound
		}
		return event.Data{}, fmt.Errorf("open segment %d for read: %w", lookup.FileIndex, err)
	}
	defer f.Close()

	if _, err := f.Seek(lookup.Offset, io.SeekStart); err != nil {
		return event.Data{}, fmt.Errorf("seek to offset %d: %w", lookup.Offset, err)
	}
	evt, _, err := decodeFrame(bufio.NewReader(f))
	if err != nil {
		if errors.Is(err, ErrTruncated) {
			return event.Data{}, ErrNotFound
		}
		return event.Data{}, err
	}
	return evt, nil
}
