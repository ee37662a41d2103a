package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// likeBody is the reaction-bearing shape of a Like activity. Misskey
// family servers carry the emoji in _misskey_reaction, Pleroma family
// in content; a plain Mastodon Like carries neither.
type likeBody struct {
	MisskeyReaction string `json:"_misskey_reaction"`
	Content         string `json:"content"`
	Tag             []struct {
		Type string `json:"type"`
		Name string `json:"name"`
		Icon struct {
			URL string `json:"url"`
		} `json:"icon"`
	} `json:"tag"`
}

// reactionFrom extracts the reaction emoji and, for :shortcode: style
// reactions, the custom emoji image URL from the tag list.
func reactionFrom(raw []byte) (string, string) {
	var body likeBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.DefaultReaction, ""
	}

	reaction := body.MisskeyReaction
	if reaction == "" {
		reaction = body.Content
	}
	if reaction == "" {
		return domain.DefaultReaction, ""
	}

	if strings.HasPrefix(reaction, ":") && strings.HasSuffix(reaction, ":") {
		shortcode := strings.Trim(reaction, ":")
		for _, tag := range body.Tag {
			if tag.Type == "Emoji" && strings.Trim(tag.Name, ":") == shortcode {
				return reaction, tag.Icon.URL
			}
		}
	}
	return reaction, ""
}

// likeHandler records emoji reactions on known notes. A Like on a note
// this server never saw is acknowledged and dropped.
type likeHandler struct {
	env *Env
}

func (h *likeHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve liking actor", err)
	}

	noteURI := activity.Object().URI
	if noteURI == "" {
		return failure("like missing object", fmt.Errorf("no object on like %s", activity.ID))
	}

	err, note := h.env.Store.ReadNoteByURI(noteURI)
	if err != nil || note == nil {
		log.Debugf("Inbox: Like for unknown note %s", noteURI)
		return success("note not known")
	}
	if note.Deleted {
		return success("note is deleted")
	}

	reaction, emojiURL := reactionFrom(activity.Raw())

	if err := h.env.Store.CreateReaction(&domain.Reaction{
		Id:             uuid.New(),
		AccountId:      actor.Id,
		NoteId:         note.Id,
		Reaction:       reaction,
		CustomEmojiURL: emojiURL,
		URI:            activity.ID,
		CreatedAt:      time.Now(),
	}); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return success("reaction already recorded")
		}
		return failure("failed to store reaction", err)
	}

	result := success("reaction recorded")
	if err, owner := h.env.Store.ReadAccById(note.UserId); err == nil && owner != nil {
		if nerr := h.env.Notifier.Notify(owner.Id, fmt.Sprintf("%s reacted %s to your post", actor.Handle(), reaction)); nerr != nil {
			result = result.withWarning(fmt.Sprintf("reaction notification failed: %v", nerr))
		}
	}
	return result
}
