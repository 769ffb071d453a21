package verify

import (
	"context"
	"log/slog"
	"time"

	"auditchain/internal/event"
	"auditchain/internal/store"
)

// Sealer marks chain prefixes immutable. A seal is a marker plus a signed
// receipt; it never rewrites an event row. Sealed ranges stay readable.
type Sealer struct {
	store    store.Store
	receipts *Receipts
	log      *slog.Logger
	clock    func() time.Time
}

func NewSealer(st store.Store, receipts *Receipts, log *slog.Logger) *Sealer {
	if log == nil {
		log = slog.Default()
	}
	return &Sealer{store: st, receipts: receipts, log: log, clock: time.Now}
}

// Seal freezes the stream up to upTo. Under the stream lock the store
// counts events with received_at <= upTo and captures the tip hash at that
// boundary; the receipt is issued over exactly those values. Sealing an
// empty range is valid (count 0, empty tip).
func (s *Sealer) Seal(ctx context.Context, projectID, environmentID string, upTo time.Time) (store.SealMarker, error) {
	if projectID == "" || environmentID == "" {
		return store.SealMarker{}, event.ErrContextMissing
	}
	upTo = upTo.UTC()

	marker, err := s.store.Seal(ctx, projectID, environmentID, upTo,
		func(upTo time.Time, count int64, tipHash string) (string, error) {
			return s.receipts.Issue(s.clock().UTC(), store.SealMarker{
				ProjectID:     projectID,
				EnvironmentID: environmentID,
				UpTo:          upTo,
				EventCount:    count,
				TipHash:       tipHash,
			})
		})
	if err != nil {
		return store.SealMarker{}, err
	}

	s.log.Info("stream sealed",
		"project_id", projectID, "environment_id", environmentID,
		"up_to", marker.UpTo, "event_count", marker.EventCount)
	return marker, nil
}
