package journal

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func openTestJournal(t *testing.T, dir string, segmentBytes int64) *Journal {
	t.Helper()
	j, err := Open(Config{Dir: dir, SegmentBytes: segmentBytes, SyncEvery: 1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return j
}

func TestJournalReplaysRegistryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j := openTestJournal(t, dir, 0)
	reg := domain.NewRegistry(domain.WithJournal(j))
	a, _ := reg.Create(ctx, "Buy milk")
	b, _ := reg.Create(ctx, "Walk dog")
	if _, err := reg.Complete(ctx, a); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := reg.Delete(ctx, b); err != nil {
		t.Fatalf("delete: %v", err)
	}
	want := reg.Snapshot()
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestJournal(t, dir, 0)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed snapshot mismatch:\n got %#v\nwant %#v", got, want)
	}

	restored := domain.NewRegistry(domain.WithJournal(reopened))
	if err := restored.Restore(got); err != nil {
		t.Fatalf("restore: %v", err)
	}
	id, err := restored.Create(ctx, "Feed cat")
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if id != 3 {
		t.Fatalf("expected id 3 after reopen, got %d", id)
	}
}

func TestJournalRollsSegments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := openTestJournal(t, dir, 128)
	for i := uint64(1); i <= 10; i++ {
		if err := j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: i, Text: "a fairly long todo text"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	segments, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %v", segments)
	}

	reopened := openTestJournal(t, dir, 128)
	t.Cleanup(func() { _ = reopened.Close() })
	snap, _ := reopened.Load(ctx)
	if snap.TotalCreated != 10 || len(snap.Tasks) != 10 {
		t.Fatalf("unexpected snapshot after roll: %#v", snap)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := openTestJournal(t, dir, 0)
	for i := uint64(1); i <= 3; i++ {
		if err := j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: i, Text: "t"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "segment-00000000000000000001.wal")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	reopened := openTestJournal(t, dir, 0)
	snap, _ := reopened.Load(ctx)
	if snap.TotalCreated != 2 {
		t.Fatalf("expected torn third record to be dropped, got %#v", snap)
	}
	if err := reopened.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 3, Text: "again"}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	final := openTestJournal(t, dir, 0)
	t.Cleanup(func() { _ = final.Close() })
	snap, _ = final.Load(ctx)
	if snap.TotalCreated != 3 || snap.Tasks[2].Text != "again" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestJournalDropsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := openTestJournal(t, dir, 0)
	_ = j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 1, Text: "ok"})
	_ = j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 2, Text: "flipped"})
	_ = j.Close()

	path := filepath.Join(dir, "segment-00000000000000000001.wal")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-3] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reopened := openTestJournal(t, dir, 0)
	t.Cleanup(func() { _ = reopened.Close() })
	snap, _ := reopened.Load(ctx)
	if snap.TotalCreated != 1 || len(snap.Tasks) != 1 || snap.Tasks[0].Text != "ok" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestJournalRejectsImpossibleHistory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := openTestJournal(t, dir, 0)
	_ = j.Append(ctx, domain.Change{Op: domain.OpDelete, ID: 9})
	_ = j.Close()

	if _, err := Open(Config{Dir: dir, Logger: quietLogger()}); err == nil {
		t.Fatalf("expected replay error")
	}
}

func TestJournalAppendAfterClose(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), 0)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := j.Append(context.Background(), domain.Change{Op: domain.OpCreate, ID: 1})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestJournalAppendHonoursCancelledContext(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), 0)
	t.Cleanup(func() { _ = j.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func TestJournalFailedSyncLeavesNoRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	j := openTestJournal(t, dir, 0)
	reg := domain.NewRegistry(domain.WithJournal(j))
	if _, err := reg.Create(ctx, "a"); err != nil {
		t.Fatalf("create a: %v", err)
	}

	errDisk := errors.New("disk gone")
	j.syncFile = func(*os.File) error { return errDisk }
	if _, err := reg.Create(ctx, "b"); !errors.Is(err, errDisk) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if reg.Total() != 1 {
		t.Fatalf("expected failed create to leave total at 1, got %d", reg.Total())
	}

	j.syncFile = (*os.File).Sync
	id, err := reg.Create(ctx, "c")
	if err != nil {
		t.Fatalf("create c: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected id 2 for c, got %d", id)
	}
	want := reg.Snapshot()
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestJournal(t, dir, 0)
	t.Cleanup(func() { _ = reopened.Close() })
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replayed snapshot mismatch:\n got %#v\nwant %#v", got, want)
	}
}

func TestJournalClosesWhenRollbackFails(t *testing.T) {
	j := openTestJournal(t, t.TempDir(), 0)
	ctx := context.Background()
	if err := j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 1, Text: "a"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A pipe accepts writes but can neither sync nor truncate.
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	go func() { _, _ = io.Copy(io.Discard, r) }()
	seg := j.segments[len(j.segments)-1]
	seg.file.Close()
	seg.file = w
	seg.writer.Reset(w)

	if err := j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 2, Text: "b"}); err == nil {
		t.Fatalf("expected append to fail")
	}
	err = j.Append(ctx, domain.Change{Op: domain.OpCreate, ID: 2, Text: "c"})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected journal to close after failed rollback, got %v", err)
	}
}
