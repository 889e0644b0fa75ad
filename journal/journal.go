// Package journal persists registry changes in an append-only, segmented
// log on local disk. Each record is framed as
//
//	[length uint32][crc32c uint32][offset uint64][json change]
//
// and the registry state is rebuilt by replaying every record in order.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

const (
	headerSize         = 16
	writerBufferSize   = 64 * 1024
	defaultSegmentSize = 64 * 1024 * 1024
	maxRecordBytes     = 64 * 1024 * 1024
)

var (
	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("journal closed")
	// ErrLocked is returned by Open when another process holds the directory.
	ErrLocked = errors.New("journal directory locked by another process")

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// Config controls where and how the journal writes.
type Config struct {
	Dir          string
	SegmentBytes int64
	// SyncEvery fsyncs after this many appends. Values below 2 sync every append.
	SyncEvery int
	Logger    *log.Logger
}

type segment struct {
	baseOffset uint64
	lastOffset uint64
	file       *os.File
	writer     *bufio.Writer
	size       int64
	path       string
}

type record struct {
	Offset uint64        `json:"offset"`
	Change domain.Change `json:"change"`
}

// Journal is a durable domain.Journal backed by segment files.
type Journal struct {
	cfg Config

	mu          sync.Mutex
	segments    []*segment
	nextOffset  uint64
	pendingSync int
	closed      bool
	loaded      domain.Snapshot
	lock        *os.File
	syncFile    func(*os.File) error
}

// Open scans cfg.Dir, truncates any torn or corrupt tail and replays the
// existing records.
func Open(cfg Config) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.New("journal dir required")
	}
	if cfg.SegmentBytes <= 0 {
		cfg.SegmentBytes = defaultSegmentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}
	j := &Journal{cfg: cfg, nextOffset: 1, lock: lock, syncFile: (*os.File).Sync}
	paths, err := filepath.Glob(filepath.Join(cfg.Dir, "segment-*.wal"))
	if err != nil {
		j.closeFiles()
		return nil, err
	}
	sort.Strings(paths)

	replay := domain.NewReplayer()
	records := 0
	for _, path := range paths {
		seg, recs, err := j.loadSegment(path)
		if err != nil {
			j.closeFiles()
			return nil, err
		}
		j.segments = append(j.segments, seg)
		for _, rec := range recs {
			if rec.Offset != j.nextOffset {
				j.closeFiles()
				return nil, fmt.Errorf("journal offset gap: expected %d, found %d in %s", j.nextOffset, rec.Offset, path)
			}
			if err := replay.Apply(rec.Change); err != nil {
				j.closeFiles()
				return nil, fmt.Errorf("replay offset %d: %w", rec.Offset, err)
			}
			j.nextOffset++
			records++
		}
	}

	if len(j.segments) == 0 {
		if err := j.openSegmentLocked(); err != nil {
			j.closeFiles()
			return nil, err
		}
	} else {
		last := j.segments[len(j.segments)-1]
		if _, err := last.file.Seek(last.size, io.SeekStart); err != nil {
			j.closeFiles()
			return nil, err
		}
		last.writer = bufio.NewWriterSize(last.file, writerBufferSize)
	}

	j.loaded = replay.Snapshot()
	cfg.Logger.WithFields(log.Fields{
		"dir":      cfg.Dir,
		"segments": len(j.segments),
		"records":  records,
		"total":    j.loaded.TotalCreated,
		"live":     len(j.loaded.Tasks),
	}).Info("journal opened")
	return j, nil
}

// Load returns the state replayed when the journal was opened.
func (j *Journal) Load(ctx context.Context) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := domain.Snapshot{TotalCreated: j.loaded.TotalCreated, Tasks: append([]domain.Task(nil), j.loaded.Tasks...)}
	return snap, nil
}

// Append writes ch as the next record. A record that cannot be fully
// written or synced is cut from the segment so the log never carries an
// entry the caller was told failed.
func (j *Journal) Append(ctx context.Context, ch domain.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.rollIfFullLocked(); err != nil {
		return err
	}

	rec := record{Offset: j.nextOffset, Change: ch}
	payload, err := sonic.ConfigStd.Marshal(rec)
	if err != nil {
		return err
	}
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], rec.Offset)

	current := j.segments[len(j.segments)-1]
	prevSize, prevLast := current.size, current.lastOffset
	if err := writeFrame(current.writer, header, payload); err != nil {
		j.rollbackLocked(current, prevSize, prevLast)
		return err
	}
	current.size += int64(len(header) + len(payload))
	current.lastOffset = rec.Offset
	j.nextOffset++
	j.pendingSync++

	if j.cfg.SyncEvery <= 1 || j.pendingSync >= j.cfg.SyncEvery {
		if err := j.syncLocked(); err != nil {
			j.nextOffset--
			j.pendingSync--
			j.rollbackLocked(current, prevSize, prevLast)
			return err
		}
	}
	return nil
}

// rollbackLocked cuts seg back to size. When that fails the journal closes,
// since the next append would otherwise follow a record the caller saw fail.
func (j *Journal) rollbackLocked(seg *segment, size int64, lastOffset uint64) {
	if err := j.truncateLocked(seg, size); err != nil {
		j.cfg.Logger.WithError(err).WithField("segment", seg.path).Error("journal rollback failed, closing journal")
		j.closed = true
		j.closeFiles()
		return
	}
	seg.size = size
	seg.lastOffset = lastOffset
}

// Sync flushes buffered records to stable storage.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.syncLocked()
}

// Close syncs and releases every segment file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	err := j.syncLocked()
	j.closed = true
	j.closeFiles()
	return err
}

func writeFrame(w *bufio.Writer, header, payload []byte) error {
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func (j *Journal) loadSegment(path string) (*segment, []record, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	seg := &segment{path: path, file: f}
	reader := bufio.NewReaderSize(f, writerBufferSize)
	var records []record
	var pos int64
	for {
		start := pos
		hdr := make([]byte, headerSize)
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			j.cfg.Logger.WithField("segment", path).Warn("truncating partial journal header")
			pos = start
			if err := f.Truncate(start); err != nil {
				f.Close()
				return nil, nil, err
			}
			break
		}
		if err != nil {
			f.Close()
			return nil, nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		offset := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 || length > maxRecordBytes {
			j.cfg.Logger.WithFields(log.Fields{"segment": path, "offset": offset, "length": length}).Warn("truncating invalid journal frame")
			pos = start
			if err := f.Truncate(start); err != nil {
				f.Close()
				return nil, nil, err
			}
			break
		}
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			f.Close()
			return nil, nil, err
		}
		if err != nil || crc32.Checksum(buf, crcTable) != crc {
			j.cfg.Logger.WithFields(log.Fields{"segment": path, "offset": offset}).Warn("truncating torn journal record")
			pos = start
			if err := f.Truncate(start); err != nil {
				f.Close()
				return nil, nil, err
			}
			break
		}

		var rec record
		if err := sonic.ConfigStd.Unmarshal(buf, &rec); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("decode journal record at %s:%d: %w", path, start, err)
		}
		if rec.Offset != offset {
			f.Close()
			return nil, nil, fmt.Errorf("journal offset mismatch: header=%d payload=%d", offset, rec.Offset)
		}
		if seg.baseOffset == 0 {
			seg.baseOffset = rec.Offset
		}
		seg.lastOffset = rec.Offset
		records = append(records, rec)
	}
	seg.size = pos
	return seg, records, nil
}

func (j *Journal) rollIfFullLocked() error {
	current := j.segments[len(j.segments)-1]
	if current.size < j.cfg.SegmentBytes {
		return nil
	}
	if err := j.syncLocked(); err != nil {
		return err
	}
	current.writer = nil
	if err := current.file.Close(); err != nil {
		return err
	}
	current.file = nil
	return j.openSegmentLocked()
}

func (j *Journal) openSegmentLocked() error {
	path := filepath.Join(j.cfg.Dir, fmt.Sprintf("segment-%020d.wal", j.nextOffset))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	j.segments = append(j.segments, &segment{
		baseOffset: j.nextOffset,
		lastOffset: j.nextOffset - 1,
		file:       f,
		writer:     bufio.NewWriterSize(f, writerBufferSize),
		path:       path,
	})
	return syncDir(j.cfg.Dir)
}

func (j *Journal) truncateLocked(seg *segment, size int64) error {
	if err := seg.file.Truncate(size); err != nil {
		return err
	}
	if _, err := seg.file.Seek(size, io.SeekStart); err != nil {
		return err
	}
	seg.writer = bufio.NewWriterSize(seg.file, writerBufferSize)
	return nil
}

func (j *Journal) syncLocked() error {
	if len(j.segments) == 0 {
		return nil
	}
	current := j.segments[len(j.segments)-1]
	if current.writer != nil {
		if err := current.writer.Flush(); err != nil {
			return err
		}
	}
	if current.file == nil {
		return nil
	}
	if err := j.syncFile(current.file); err != nil {
		return err
	}
	j.pendingSync = 0
	return nil
}

func (j *Journal) closeFiles() {
	for _, seg := range j.segments {
		if seg.file == nil {
			continue
		}
		if seg.writer != nil {
			_ = seg.writer.Flush()
		}
		_ = seg.file.Close()
		seg.file = nil
	}
	if j.lock != nil {
		_ = j.lock.Close()
		j.lock = nil
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
