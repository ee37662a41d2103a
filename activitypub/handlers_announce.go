package activitypub

import (
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// announceHandler records boosts. A boost is stored as a content-less
// note whose ObjectURI is the Announce activity id and whose RenoteId
// points at the boosted row; the activity id doubles as the dedup key.
type announceHandler struct {
	env *Env
}

func (h *announceHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve boosting actor", err)
	}

	if activity.ID == "" {
		return failure("announce missing id", fmt.Errorf("announce without id cannot be recorded"))
	}

	// Re-delivery of the same Announce.
	if err, existing := h.env.Store.ReadNoteByURI(activity.ID); err == nil && existing != nil {
		return success("boost already recorded")
	}

	targetURI := activity.Object().URI
	if targetURI == "" {
		return failure("announce missing object", fmt.Errorf("no object on announce %s", activity.ID))
	}

	target, result := h.resolveTarget(activity, targetURI)
	if target == nil {
		return result
	}
	if target.Deleted {
		return success("boosted note is deleted")
	}

	boost := &domain.Note{
		Id:        uuid.New(),
		UserId:    actor.Id,
		Message:   nil,
		ObjectURI: activity.ID,
		RenoteId:  &target.Id,
		CreatedAt: time.Now(),
	}
	if err := h.env.Store.CreateNote(boost); err != nil {
		// Lost a race with a concurrent re-delivery.
		if err, existing := h.env.Store.ReadNoteByURI(activity.ID); err == nil && existing != nil {
			return success("boost already recorded")
		}
		return failure("failed to store boost", err)
	}

	if err := h.env.Store.IncrementRenoteCount(target.Id); err != nil {
		return failure("failed to count boost", err)
	}

	res := success("boost recorded")
	if err, owner := h.env.Store.ReadAccById(target.UserId); err == nil && owner != nil {
		if nerr := h.env.Notifier.Notify(owner.Id, fmt.Sprintf("%s boosted your post", actor.Handle())); nerr != nil {
			res = res.withWarning(fmt.Sprintf("boost notification failed: %v", nerr))
		}
	}
	return res
}

// resolveTarget finds the boosted note, ingesting it from the remote
// side when it is unknown. Returns (nil, result) when no note can be
// materialized; the result then carries the final outcome.
func (h *announceHandler) resolveTarget(activity *Activity, targetURI string) (*domain.Note, Result) {
	if err, note := h.env.Store.ReadNoteByURI(targetURI); err == nil && note != nil {
		return note, Result{}
	}

	// A local URI that did not match any row refers to nothing we have.
	if h.env.Conf.IsLocalURI(targetURI) {
		log.Debugf("Inbox: Announce of unknown local object %s", targetURI)
		return nil, success("boosted object not known")
	}

	raw := activity.Object().Embedded
	if raw == nil {
		fetched, err := h.env.Resolver.FetchObject(targetURI)
		if err != nil {
			if errors.Is(err, ErrObjectGone) {
				return nil, success("boosted object gone")
			}
			return nil, failure("failed to fetch boosted object", err)
		}
		raw = fetched
	}

	note, err := h.env.Resolver.ProcessNote(raw)
	if err != nil {
		return nil, failure("failed to ingest boosted note", err)
	}
	return note, Result{}
}
