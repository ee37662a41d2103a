package activitypub

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// ReplayGuard rejects re-delivery of already-processed activities.
// The check is a single atomic insert against a unique column, so two
// concurrent deliveries of the same activity cannot both pass.
type ReplayGuard struct {
	store     Store
	retention time.Duration
}

func NewReplayGuard(store Store, retentionDays int) *ReplayGuard {
	return &ReplayGuard{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// CheckAndRecord records the activity as received. Returns seen=true
// when the activity was already processed; callers treat that as a
// success no-op to keep remote retry semantics correct.
func (g *ReplayGuard) CheckAndRecord(activityURI string, body []byte) (bool, error) {
	key := activityURI
	if key == "" {
		key = Fingerprint(body)
	}

	err := g.store.InsertReceivedActivity(&domain.ReceivedActivity{
		Id:          uuid.New(),
		ActivityURI: key,
		ReceivedAt:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

// Fingerprint derives a synthetic replay key for activities that carry
// no id.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Prune deletes records past the retention window.
func (g *ReplayGuard) Prune() error {
	cutoff := time.Now().Add(-g.retention)
	deleted, err := g.store.DeleteReceivedBefore(cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Infof("ReplayGuard: pruned %d received-activity records", deleted)
	}
	return nil
}

// StartRetentionWorker prunes on a periodic timer, independent of
// request handling. Delete-by-cutoff is safe under concurrent inserts.
func (g *ReplayGuard) StartRetentionWorker(interval time.Duration) {
	log.Infof("Starting replay retention worker (window %s)...", g.retention)

	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if err := g.Prune(); err != nil {
				log.Warnf("ReplayGuard: prune failed: %v", err)
			}
		}
	}()
}
