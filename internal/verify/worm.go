package verify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"auditchain/internal/canonical"
	"auditchain/internal/event"
	"auditchain/internal/store"
)

// Exporter writes event ranges to an append-only filesystem sink as a
// tamper-evident off-database copy. The primary row remains the source of
// truth; exports are a mirror, never a substitute.
type Exporter struct {
	store store.Store
	dir   string
	// requireSeal refuses to export ranges not covered by a seal marker, so
	// every exported record can reference the seal it was exported under.
	requireSeal bool
	log         *slog.Logger
}

func NewExporter(st store.Store, dir string, requireSeal bool, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{store: st, dir: dir, requireSeal: requireSeal, log: log}
}

// Record is one exported line: the full event plus the seal marker it was
// exported under.
type Record struct {
	Event event.Event `json:"event"`
	Seal  *SealRef    `json:"seal,omitempty"`
}

type SealRef struct {
	ID      int64  `json:"id"`
	UpTo    string `json:"up_to"`
	TipHash string `json:"tip_hash,omitempty"`
	Receipt string `json:"receipt,omitempty"`
}

// fileStamp renders a UTC timestamp without path-hostile characters.
func fileStamp(t time.Time) string {
	return t.UTC().Format("20060102T150405.000Z")
}

// Export streams [start, end] in chain order to one JSONL file. The file
// name is a pure function of (stream, range) and the write goes through a
// temp file plus rename, so re-export is idempotent: it deterministically
// overwrites the same path with the same content.
func (x *Exporter) Export(ctx context.Context, projectID, environmentID string, start, end time.Time) (int, error) {
	if x.dir == "" {
		return 0, fmt.Errorf("%w: worm storage path not configured", event.ErrInvalidConfiguration)
	}
	if projectID == "" || environmentID == "" {
		return 0, event.ErrContextMissing
	}

	seal, sealed, err := x.store.LatestSealMarker(ctx, projectID, environmentID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	var ref *SealRef
	switch {
	case sealed && !seal.UpTo.Before(end):
		ref = &SealRef{
			ID:      seal.ID,
			UpTo:    canonical.FormatTime(seal.UpTo),
			TipHash: seal.TipHash,
			Receipt: seal.Receipt,
		}
	case x.requireSeal:
		return 0, fmt.Errorf("%w: range end %s is not covered by a seal marker", event.ErrValidation, canonical.FormatTime(end))
	}

	dir := filepath.Join(x.dir, url.PathEscape(projectID), url.PathEscape(environmentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	final := filepath.Join(dir, fmt.Sprintf("%s--%s.jsonl", fileStamp(start), fileStamp(end)))

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	count := 0
	err = x.store.StreamRange(ctx, projectID, environmentID, start, end, func(e event.Event) error {
		if err := enc.Encode(Record{Event: e, Seal: ref}); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return 0, fmt.Errorf("%w: %v", event.ErrStorage, err)
	}

	x.log.Info("worm export complete",
		"project_id", projectID, "environment_id", environmentID,
		"path", final, "events", count)
	return count, nil
}
