package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"auditchain/internal/event"
	"auditchain/internal/store"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("bad record line: %v", err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan export: %v", err)
	}
	return out
}

func exportedFiles(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk export dir: %v", err)
	}
	return out
}

func TestExportWritesSealedRange(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 3)

	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)
	end := evs[2].ReceivedAt
	marker, err := s.Seal(context.Background(), "p1", "e1", end)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	dir := t.TempDir()
	x := NewExporter(mem, dir, true, nil)
	count, err := x.Export(context.Background(), "p1", "e1", evs[0].ReceivedAt, end)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 exported events, got %d", count)
	}

	files := exportedFiles(t, dir)
	if len(files) != 1 {
		t.Fatalf("expected one export file, got %v", files)
	}
	records := readRecords(t, files[0])
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Event.ID != evs[i].ID {
			t.Fatalf("record %d out of chain order", i)
		}
		if rec.Seal == nil || rec.Seal.ID != marker.ID || rec.Seal.Receipt == "" {
			t.Fatalf("record %d missing seal reference", i)
		}
	}
}

func TestExportIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 2)

	r := NewReceipts(testCrypto(t), "auditchain")
	s := NewSealer(mem, r, nil)
	end := evs[1].ReceivedAt
	if _, err := s.Seal(context.Background(), "p1", "e1", end); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	dir := t.TempDir()
	x := NewExporter(mem, dir, true, nil)
	if _, err := x.Export(context.Background(), "p1", "e1", time.Time{}, end); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	first := exportedFiles(t, dir)

	if _, err := x.Export(context.Background(), "p1", "e1", time.Time{}, end); err != nil {
		t.Fatalf("re-export failed: %v", err)
	}
	second := exportedFiles(t, dir)
	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("re-export must overwrite the same deterministic path: %v vs %v", first, second)
	}
	if len(readRecords(t, second[0])) != 2 {
		t.Fatalf("re-exported file content differs")
	}
}

func TestExportRequiresSealCoverage(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 2)

	dir := t.TempDir()
	x := NewExporter(mem, dir, true, nil)
	_, err := x.Export(context.Background(), "p1", "e1", time.Time{}, evs[1].ReceivedAt)
	if !errors.Is(err, event.ErrValidation) {
		t.Fatalf("unsealed range must be rejected, got %v", err)
	}
	if files := exportedFiles(t, dir); len(files) != 0 {
		t.Fatalf("rejected export left files behind: %v", files)
	}
}

func TestExportWithoutSealWhenNotRequired(t *testing.T) {
	mem := store.NewMemory()
	evs := seedChain(t, mem, 2)

	dir := t.TempDir()
	x := NewExporter(mem, dir, false, nil)
	count, err := x.Export(context.Background(), "p1", "e1", time.Time{}, evs[1].ReceivedAt)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 exported events, got %d", count)
	}
	records := readRecords(t, exportedFiles(t, dir)[0])
	for i, rec := range records {
		if rec.Seal != nil {
			t.Fatalf("record %d should have no seal reference", i)
		}
	}
}

func TestExportRequiresConfiguredPath(t *testing.T) {
	x := NewExporter(store.NewMemory(), "", true, nil)
	_, err := x.Export(context.Background(), "p1", "e1", time.Time{}, time.Now().UTC())
	if !errors.Is(err, event.ErrInvalidConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
