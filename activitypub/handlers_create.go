package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
)

// createHandler ingests remote Note and Article objects. The object is
// usually embedded; a bare URI is fetched first.
type createHandler struct {
	env *Env
}

func (h *createHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve author", err)
	}

	ref := activity.Object()
	if ref.IsZero() {
		return failure("create missing object", fmt.Errorf("no object on create %s", activity.ID))
	}

	raw := ref.Embedded
	if raw == nil {
		raw, err = h.env.Resolver.FetchObject(ref.URI)
		if err != nil {
			if errors.Is(err, ErrObjectGone) {
				return success("object already gone")
			}
			return failure("failed to fetch created object", err)
		}
	}

	if t := objectType(raw); t != "" && t != "Note" && t != "Article" {
		log.Debugf("Inbox: ignoring Create of unsupported object type %s", t)
		return success("unsupported object type")
	}

	note, err := h.env.Resolver.ProcessNote(raw)
	if err != nil {
		return failure("failed to ingest note", err)
	}

	// The claimed sender must be the note's author.
	if note.UserId != actor.Id {
		return failure("create author mismatch", fmt.Errorf("note %s attributed to someone other than %s", note.ObjectURI, actor.ActorURI))
	}

	result := success("note created")
	if note.InReplyToURI != "" {
		if err, parent := h.env.Store.ReadNoteByURI(note.InReplyToURI); err == nil && parent != nil {
			if err, owner := h.env.Store.ReadAccById(parent.UserId); err == nil && owner != nil {
				if nerr := h.env.Notifier.Notify(owner.Id, fmt.Sprintf("%s replied to your post", actor.Handle())); nerr != nil {
					result = result.withWarning(fmt.Sprintf("reply notification failed: %v", nerr))
				}
			}
		}
	}
	return result
}

// updateHandler applies edits to previously ingested objects. A Person
// update refreshes the actor cache; a Note or Article update rewrites
// the stored content.
type updateHandler struct {
	env *Env
}

func (h *updateHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve updating actor", err)
	}

	ref := activity.Object()
	if ref.IsZero() {
		return failure("update missing object", fmt.Errorf("no object on update %s", activity.ID))
	}

	switch ref.EmbeddedType() {
	case "Person", "Service", "Application":
		// Profile edit. Only the actor may update itself.
		if ref.URI != actor.ActorURI {
			return failure("update actor mismatch", fmt.Errorf("%s tried to update %s", actor.ActorURI, ref.URI))
		}
		if _, err := h.env.Resolver.ResolveActor(actor.ActorURI, true); err != nil {
			return failure("failed to refresh actor", err)
		}
		return success("actor profile refreshed")

	case "Note", "Article":
		return h.updateNote(ref, actor)

	case "":
		if ref.URI == actor.ActorURI {
			if _, err := h.env.Resolver.ResolveActor(actor.ActorURI, true); err != nil {
				return failure("failed to refresh actor", err)
			}
			return success("actor profile refreshed")
		}
		return h.updateNote(ref, actor)
	}

	log.Debugf("Inbox: ignoring Update of unsupported object type %s", ref.EmbeddedType())
	return success("unsupported object type")
}

func (h *updateHandler) updateNote(ref ObjectRef, actor *domain.RemoteAccount) Result {
	raw := ref.Embedded
	if raw == nil {
		fetched, err := h.env.Resolver.FetchObject(ref.URI)
		if err != nil {
			if errors.Is(err, ErrObjectGone) {
				return success("object already gone")
			}
			return failure("failed to fetch updated object", err)
		}
		raw = fetched
	}

	var obj noteObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return failure("failed to parse updated object", err)
	}
	if obj.ID == "" {
		return failure("updated object missing id", fmt.Errorf("no id on update object"))
	}

	err, note := h.env.Store.ReadNoteByURI(obj.ID)
	if err != nil || note == nil {
		// An edit of something never ingested carries no state to fix
		// up. Ingesting it here would also bypass the author check a
		// Create goes through, so it is acknowledged and dropped.
		log.Debugf("Inbox: Update for unknown object %s", obj.ID)
		return success("object not known")
	}

	if note.UserId != actor.Id {
		return failure("update author mismatch", fmt.Errorf("%s tried to edit note %s", actor.ActorURI, obj.ID))
	}

	message := obj.Content
	if uerr := h.env.Store.UpdateNoteContent(note.Id, &message, obj.Sensitive, contentWarningFrom(obj), time.Now()); uerr != nil {
		return failure("failed to update note", uerr)
	}
	return success("note updated")
}

// deleteHandler processes remote deletions. Deleting an actor removes
// the cached account and every follow edge touching it; deleting a
// note tombstones the row so reply threads keep their shape.
type deleteHandler struct {
	env *Env
}

func (h *deleteHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actorURI := activity.ActorURI()
	objectURI := activity.Object().URI
	if objectURI == "" {
		return failure("delete missing object", fmt.Errorf("no object on delete %s", activity.ID))
	}

	// Actor self-deletion. The actor document is usually gone by the
	// time the Delete arrives, so the cached row is the authority here
	// and no resolution is attempted.
	if actorURI == objectURI {
		err, cached := h.env.Store.ReadRemoteAccountByURI(actorURI)
		if err != nil || cached == nil {
			log.Debugf("Inbox: Delete for unknown actor %s", actorURI)
			return success("actor not known")
		}
		if err := h.env.Store.DeleteFollowsByAccountId(cached.Id); err != nil {
			return failure("failed to remove follows of deleted actor", err)
		}
		if err := h.env.Store.DeleteRemoteAccount(cached.Id); err != nil {
			return failure("failed to remove deleted actor", err)
		}
		return success("actor deleted")
	}

	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve deleting actor", err)
	}

	err, note := h.env.Store.ReadNoteByURI(objectURI)
	if err != nil || note == nil {
		log.Debugf("Inbox: Delete for unknown object %s", objectURI)
		return success("object not known")
	}

	if note.UserId != actor.Id {
		return failure("delete author mismatch", fmt.Errorf("%s tried to delete note %s", actor.ActorURI, objectURI))
	}

	if err := h.env.Store.MarkNoteDeleted(note.Id); err != nil {
		return failure("failed to delete note", err)
	}
	return success("note deleted")
}

func objectType(raw []byte) string {
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.Type
}
