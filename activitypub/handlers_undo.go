package activitypub

import (
	"encoding/json"
	"fmt"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
)

// undoHandler reverses a previously delivered Follow, Like or
// Announce. The undone activity is usually embedded; a bare URI is
// matched against stored follow and boost rows.
type undoHandler struct {
	env *Env
}

func (h *undoHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve undoing actor", err)
	}

	ref := activity.Object()
	if ref.IsZero() {
		return failure("undo missing object", fmt.Errorf("no object on undo %s", activity.ID))
	}

	switch ref.EmbeddedType() {
	case "Follow":
		return h.undoFollow(ref, actor)
	case "Like":
		return h.undoLike(ref, actor)
	case "Announce":
		return h.undoAnnounce(ref, actor)
	case "":
		// Bare URI: try the stores that key on activity URIs.
		if err, follow := h.env.Store.ReadFollowByURI(ref.URI); err == nil && follow != nil {
			return h.removeFollow(follow, actor)
		}
		if err, boost := h.env.Store.ReadNoteByURI(ref.URI); err == nil && boost != nil && boost.IsRenote() {
			return h.removeBoost(boost, actor)
		}
		log.Debugf("Inbox: Undo of unknown activity %s", ref.URI)
		return success("undone activity not known")
	}

	log.Debugf("Inbox: ignoring Undo of unsupported type %s", ref.EmbeddedType())
	return success("unsupported undo type")
}

func (h *undoHandler) undoFollow(ref ObjectRef, actor *domain.RemoteAccount) Result {
	if ref.URI != "" {
		if err, follow := h.env.Store.ReadFollowByURI(ref.URI); err == nil && follow != nil {
			return h.removeFollow(follow, actor)
		}
	}

	// Older servers embed a Follow without a usable id; fall back to
	// the (follower, followee) pair.
	var embedded struct {
		Object json.RawMessage `json:"object"`
	}
	if ref.Embedded != nil {
		json.Unmarshal(ref.Embedded, &embedded)
	}
	targetURI := Ref(embedded.Object).URI
	if targetURI == "" {
		log.Debugf("Inbox: Undo-Follow with no matchable follow")
		return success("follow not known")
	}

	target, err := h.env.localAccountForURI(targetURI)
	if err != nil {
		return success("follow not known")
	}
	if err, follow := h.env.Store.ReadFollowByPair(actor.Id, target.Id); err == nil && follow != nil {
		return h.removeFollow(follow, actor)
	}
	return success("follow not known")
}

func (h *undoHandler) removeFollow(follow *domain.Follow, actor *domain.RemoteAccount) Result {
	if follow.AccountId != actor.Id {
		return failure("undo-follow actor mismatch", fmt.Errorf("%s tried to undo a follow it does not own", actor.ActorURI))
	}
	if err := h.env.Store.DeleteFollowByPair(follow.AccountId, follow.TargetAccountId); err != nil {
		return failure("failed to remove follow", err)
	}
	return success("follow removed")
}

func (h *undoHandler) undoLike(ref ObjectRef, actor *domain.RemoteAccount) Result {
	var embedded struct {
		Object          json.RawMessage `json:"object"`
		MisskeyReaction string          `json:"_misskey_reaction"`
		Content         string          `json:"content"`
	}
	if ref.Embedded != nil {
		if err := json.Unmarshal(ref.Embedded, &embedded); err != nil {
			return failure("failed to parse undone like", err)
		}
	}

	noteURI := Ref(embedded.Object).URI
	if noteURI == "" {
		log.Debugf("Inbox: Undo-Like with no note reference")
		return success("liked note not known")
	}

	err, note := h.env.Store.ReadNoteByURI(noteURI)
	if err != nil || note == nil {
		return success("liked note not known")
	}

	// When the undone Like names its emoji, remove exactly that
	// reaction; otherwise drop whatever the actor left on the note.
	reaction := embedded.MisskeyReaction
	if reaction == "" {
		reaction = embedded.Content
	}
	if reaction != "" {
		if err, existing := h.env.Store.ReadReaction(actor.Id, note.Id, reaction); err != nil || existing == nil {
			return success("reaction not recorded")
		}
		if err := h.env.Store.DeleteReaction(actor.Id, note.Id, reaction); err != nil {
			return failure("failed to remove reaction", err)
		}
		return success("reaction removed")
	}
	if err := h.env.Store.DeleteReactionByNote(actor.Id, note.Id); err != nil {
		return failure("failed to remove reaction", err)
	}
	return success("reaction removed")
}

func (h *undoHandler) undoAnnounce(ref ObjectRef, actor *domain.RemoteAccount) Result {
	boostURI := ref.URI
	if boostURI == "" {
		log.Debugf("Inbox: Undo-Announce with no id")
		return success("boost not known")
	}

	err, boost := h.env.Store.ReadNoteByURI(boostURI)
	if err != nil || boost == nil || !boost.IsRenote() {
		return success("boost not known")
	}
	return h.removeBoost(boost, actor)
}

func (h *undoHandler) removeBoost(boost *domain.Note, actor *domain.RemoteAccount) Result {
	if boost.UserId != actor.Id {
		return failure("undo-announce actor mismatch", fmt.Errorf("%s tried to undo a boost it does not own", actor.ActorURI))
	}

	// Boost rows carry no content; hard delete instead of tombstoning.
	if err := h.env.Store.DeleteNote(boost.Id); err != nil {
		return failure("failed to remove boost", err)
	}
	if boost.RenoteId != nil {
		if err := h.env.Store.DecrementRenoteCount(*boost.RenoteId); err != nil {
			return failure("failed to uncount boost", err)
		}
	}
	return success("boost removed")
}
