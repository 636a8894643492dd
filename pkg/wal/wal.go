package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"tabletraft/pkg/consensus"
	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
	"tabletraft/pkg/worker"
)

type recordKind uint8

const (
	kindEntry recordKind = iota + 1
	kindCompressedEntry
	kindCommit
)

// Every record is framed as [len u32][crc32 u32][kind u8][payload]. The
// checksum covers kind and payload.
const headerSize = 9

// maxAppendBatch bounds how many queued appends one writer pass takes.
const maxAppendBatch = 64

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Options struct {
	Dir  string
	File string
	// Compression is "none" or "zstd".
	Compression string
	SyncWrites  bool
	QueueSize   int
	Logger      *slog.Logger
}

type appendTask struct {
	entries   []*consensus.ReplicateMsg
	committed types.OpID
	done      func(error)
}

// WAL is an append-only replicated log file. Appends are written by a single
// goroutine in submission order.
type WAL struct {
	drainer  *worker.Drainer[appendTask]
	inputCh  chan appendTask
	log      *slog.Logger
	sync     bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
	size     int64
	// offsets[i] is the frame offset of the entry with index i+1.
	offsets   []int64
	last      types.OpID
	committed types.OpID
	// durableCh is closed and replaced whenever last moves.
	durableCh chan struct{}
}

// Open opens or creates the log and replays it.
func Open(opts Options) (*WAL, *consensus.BootstrapInfo, error) {
	if opts.Dir == "" {
		return nil, nil, fmt.Errorf("empty WAL dir")
	}
	if opts.File == "" {
		opts.File = "raft.wal"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dir := filepath.Clean(opts.Dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, opts.File)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	w := &WAL{
		log:       opts.Logger.With("component", "wal", "path", filePath),
		sync:      opts.SyncWrites,
		dec:       dec,
		file:      file,
		filePath:  filePath,
		inputCh:   make(chan appendTask, opts.QueueSize),
		durableCh: make(chan struct{}),
	}
	if opts.Compression == "zstd" {
		if w.enc, err = zstd.NewWriter(nil); err != nil {
			dec.Close()
			_ = file.Close()
			return nil, nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	info, err := w.replay()
	if err != nil {
		w.closeFiles()
		return nil, nil, err
	}

	if _, err := file.Seek(w.size, io.SeekStart); err != nil {
		w.closeFiles()
		return nil, nil, fmt.Errorf("failed to seek WAL end: %w", err)
	}
	w.writer = bufio.NewWriter(file)

	w.drainer = worker.NewDrainer(w.inputCh, worker.DrainerOptions[appendTask]{
		Name:     "wal",
		MaxBatch: maxAppendBatch,
		Handle:   w.writeBatch,
		OnStop:   w.failPending,
	})
	w.drainer.Start(context.Background())

	return w, info, nil
}

// Append queues entries for writing and returns once they are queued. done
// runs on the writer goroutine after the entries are durable.
func (w *WAL) Append(entries []*consensus.ReplicateMsg, committed types.OpID, done func(error)) error {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return fmt.Errorf("%w: wal", rafterrors.ErrClosed)
	}
	w.inputCh <- appendTask{entries: entries, committed: committed, done: done}
	return nil
}

// writeBatch runs on the writer goroutine. Tasks are written in order, each
// durable on its own; done callbacks run after the lock is released.
func (w *WAL) writeBatch(tasks []appendTask) error {
	errs := make([]error, len(tasks))
	w.mu.Lock()
	for i, task := range tasks {
		if errs[i] = w.writeLocked(task); errs[i] != nil {
			w.discardUnflushedLocked()
		}
	}
	w.mu.Unlock()

	for i, task := range tasks {
		if task.done != nil {
			task.done(errs[i])
		}
	}
	return errors.Join(errs...)
}

// discardUnflushedLocked drops whatever a failed batch left past the last
// durable frame.
func (w *WAL) discardUnflushedLocked() {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(w.size); err != nil {
		w.log.Error("failed to discard partial WAL batch", "error", err)
	}
	if _, err := w.file.Seek(w.size, io.SeekStart); err != nil {
		w.log.Error("failed to seek WAL end", "error", err)
	}
}

func (w *WAL) writeLocked(task appendTask) error {
	if len(task.entries) > 0 {
		first := task.entries[0].ID.Index
		switch next := types.LogIndex(len(w.offsets)) + 1; {
		case first < 1 || first > next:
			return fmt.Errorf("%w: append of index %d with last index %d", rafterrors.ErrCorruption, first, next-1)
		case first < next:
			if err := w.truncateLocked(first); err != nil {
				return err
			}
		}
	}

	offsets := make([]int64, 0, len(task.entries))
	offset := w.size
	for _, msg := range task.entries {
		n, err := w.writeEntry(msg)
		if err != nil {
			return fmt.Errorf("failed to write WAL entry %s: %w", msg.ID, err)
		}
		offsets = append(offsets, offset)
		offset += n
	}

	var commitMarker bool
	if task.committed.Index > w.committed.Index {
		n, err := w.writeCommit(task.committed)
		if err != nil {
			return fmt.Errorf("failed to write WAL commit marker: %w", err)
		}
		offset += n
		commitMarker = true
	}

	if len(offsets) == 0 && !commitMarker {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	w.size = offset
	w.offsets = append(w.offsets, offsets...)
	if commitMarker {
		w.committed = task.committed
	}
	if n := len(task.entries); n > 0 {
		w.last = task.entries[n-1].ID
		close(w.durableCh)
		w.durableCh = make(chan struct{})
	}
	return nil
}

// truncateLocked drops the entry at index and everything after it.
func (w *WAL) truncateLocked(index types.LogIndex) error {
	offset := w.offsets[index-1]
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before truncation: %w", err)
	}
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAL: %w", err)
	}
	w.writer.Reset(w.file)
	w.size = offset
	w.offsets = w.offsets[:index-1]

	w.last = types.OpID{}
	if index > 1 {
		prev, err := w.readEntryAt(w.offsets[index-2])
		if err != nil {
			return err
		}
		w.last = prev.ID
	}
	if w.committed.Index >= index {
		w.log.Error("truncating committed entries", "index", index, "committed", w.committed.String())
		w.committed = w.last
	}
	w.log.Info("truncated log suffix", "from_index", index, "last", w.last.String())
	return nil
}

func (w *WAL) writeEntry(msg *consensus.ReplicateMsg) (int64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	kind := kindEntry
	if w.enc != nil {
		data = w.enc.EncodeAll(data, nil)
		kind = kindCompressedEntry
	}

	entry := raftpb.Entry{
		Term:  uint64(msg.ID.Term),
		Index: uint64(msg.ID.Index),
		Type:  raftpb.EntryNormal,
		Data:  data,
	}
	if msg.OpType == consensus.OpChangeConfig {
		entry.Type = raftpb.EntryConfChange
	}
	payload, err := entry.Marshal()
	if err != nil {
		return 0, err
	}
	return w.writeFrame(kind, payload)
}

func (w *WAL) writeCommit(committed types.OpID) (int64, error) {
	hs := raftpb.HardState{Term: uint64(committed.Term), Commit: uint64(committed.Index)}
	payload, err := hs.Marshal()
	if err != nil {
		return 0, err
	}
	return w.writeFrame(kindCommit, payload)
}

func (w *WAL) writeFrame(kind recordKind, payload []byte) (int64, error) {
	if len(payload) > math.MaxUint32 {
		return 0, fmt.Errorf("record too large: %d", len(payload))
	}
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], frameChecksum(kind, payload))
	header[8] = byte(kind)

	if _, err := w.writer.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return 0, err
	}
	return int64(headerSize + len(payload)), nil
}

func frameChecksum(kind recordKind, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, []byte{byte(kind)})
	return crc32.Update(crc, crcTable, payload)
}

var errTornFrame = errors.New("torn frame")

// readFrame reads one frame. A partial or corrupt frame is errTornFrame.
func readFrame(r io.Reader) (recordKind, []byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, errTornFrame
		}
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	sum := binary.LittleEndian.Uint32(header[4:8])
	kind := recordKind(header[8])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, errTornFrame
		}
		return 0, nil, err
	}
	if frameChecksum(kind, payload) != sum {
		return 0, nil, errTornFrame
	}
	return kind, payload, nil
}

func (w *WAL) decodeEntry(kind recordKind, payload []byte) (*consensus.ReplicateMsg, error) {
	var entry raftpb.Entry
	if err := entry.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("%w: decode entry: %v", rafterrors.ErrCorruption, err)
	}
	data := entry.Data
	if kind == kindCompressedEntry {
		var err error
		if data, err = w.dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("%w: decompress entry %d: %v", rafterrors.ErrCorruption, entry.Index, err)
		}
	}
	msg := &consensus.ReplicateMsg{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decode entry %d: %v", rafterrors.ErrCorruption, entry.Index, err)
	}
	if uint64(msg.ID.Index) != entry.Index || uint64(msg.ID.Term) != entry.Term {
		return nil, fmt.Errorf("%w: entry envelope %d.%d does not match %s",
			rafterrors.ErrCorruption, entry.Term, entry.Index, msg.ID)
	}
	return msg, nil
}

func (w *WAL) readEntryAt(offset int64) (*consensus.ReplicateMsg, error) {
	kind, payload, err := readFrame(io.NewSectionReader(w.file, offset, math.MaxInt64-offset))
	if err != nil {
		return nil, fmt.Errorf("%w: read entry at offset %d: %v", rafterrors.ErrCorruption, offset, err)
	}
	if kind != kindEntry && kind != kindCompressedEntry {
		return nil, fmt.Errorf("%w: record at offset %d is not an entry", rafterrors.ErrCorruption, offset)
	}
	return w.decodeEntry(kind, payload)
}

// replay rebuilds the offset index. A torn tail left by a crash is cut off.
func (w *WAL) replay() (*consensus.BootstrapInfo, error) {
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek WAL start: %w", err)
	}
	reader := bufio.NewReader(w.file)

	var offset int64
	for {
		kind, payload, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTornFrame) {
			w.log.Warn("cutting torn WAL tail", "offset", offset)
			if err := w.file.Truncate(offset); err != nil {
				return nil, fmt.Errorf("failed to cut torn WAL tail: %w", err)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read WAL record: %w", err)
		}

		switch kind {
		case kindEntry, kindCompressedEntry:
			msg, err := w.decodeEntry(kind, payload)
			if err != nil {
				return nil, err
			}
			if want := types.LogIndex(len(w.offsets)) + 1; msg.ID.Index != want {
				return nil, fmt.Errorf("%w: found entry %s where index %d was expected",
					rafterrors.ErrCorruption, msg.ID, want)
			}
			w.offsets = append(w.offsets, offset)
			w.last = msg.ID
			if msg.CommittedOpID.Index > w.committed.Index {
				w.committed = msg.CommittedOpID
			}
		case kindCommit:
			var hs raftpb.HardState
			if err := hs.Unmarshal(payload); err != nil {
				return nil, fmt.Errorf("%w: decode commit marker: %v", rafterrors.ErrCorruption, err)
			}
			if types.LogIndex(hs.Commit) > w.committed.Index {
				w.committed = types.NewOpID(types.Term(hs.Term), types.LogIndex(hs.Commit))
			}
		default:
			return nil, fmt.Errorf("%w: unknown record kind %d at offset %d", rafterrors.ErrCorruption, kind, offset)
		}
		offset += int64(headerSize + len(payload))
	}
	w.size = offset

	if w.committed.Index > w.last.Index {
		w.log.Warn("commit marker past the last entry", "committed", w.committed.String(), "last", w.last.String())
		w.committed = w.last
	}

	orphaned, err := w.readOpsLocked(w.committed.Index, math.MaxInt)
	if err != nil {
		return nil, err
	}
	w.log.Info("replayed log", "entries", len(w.offsets), "last", w.last.String(),
		"committed", w.committed.String(), "orphaned", len(orphaned))

	return &consensus.BootstrapInfo{
		LastID:             w.last,
		LastCommitted:      w.committed,
		OrphanedReplicates: orphaned,
	}, nil
}

// LatestEntryOpID is the last durable entry.
func (w *WAL) LatestEntryOpID() types.OpID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// CommittedOpID is the last commit marker written.
func (w *WAL) CommittedOpID() types.OpID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

func (w *WAL) WaitForSafeOpIDToApply(min types.OpID, timeout time.Duration) (types.OpID, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		w.mu.Lock()
		last, ch := w.last, w.durableCh
		w.mu.Unlock()
		if last.Index >= min.Index {
			return last, nil
		}

		w.closeMu.RLock()
		closed := w.closed
		w.closeMu.RUnlock()
		if closed {
			return last, fmt.Errorf("%w: wal", rafterrors.ErrClosed)
		}

		select {
		case <-ch:
		case <-deadline:
			return last, fmt.Errorf("%w: waiting for %s to be durable, last durable %s",
				rafterrors.ErrTimedOut, min, last)
		}
	}
}

func (w *WAL) ReadOps(after types.LogIndex, maxBytes int) ([]*consensus.ReplicateMsg, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readOpsLocked(after, maxBytes)
}

func (w *WAL) readOpsLocked(after types.LogIndex, maxBytes int) ([]*consensus.ReplicateMsg, error) {
	if after < 0 {
		after = 0
	}
	var (
		msgs []*consensus.ReplicateMsg
		size int
	)
	for i := int(after); i < len(w.offsets); i++ {
		msg, err := w.readEntryAt(w.offsets[i])
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 && size+msg.Size() > maxBytes {
			break
		}
		msgs = append(msgs, msg)
		size += msg.Size()
	}
	return msgs, nil
}

// failPending fails the appends still queued when the writer stopped.
func (w *WAL) failPending(rest []appendTask) {
	for _, task := range rest {
		if task.done != nil {
			task.done(fmt.Errorf("%w: wal", rafterrors.ErrClosed))
		}
	}
}

// Close stops the writer, fails queued appends and closes the file.
func (w *WAL) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.closeMu.Unlock()

	w.drainer.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.durableCh)
	w.durableCh = make(chan struct{})

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush WAL on close: %w", err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL file: %w", err))
	}
	if w.enc != nil {
		if err := w.enc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.dec.Close()
	return errors.Join(errs...)
}

func (w *WAL) closeFiles() {
	if err := w.file.Close(); err != nil {
		w.log.Warn("failed to close WAL file", "error", err)
	}
	if w.enc != nil {
		_ = w.enc.Close()
	}
	w.dec.Close()
}
