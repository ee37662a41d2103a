package activitypub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// localAccountForURI maps a local actor URI back to its account row.
func (e *Env) localAccountForURI(uri string) (*domain.Account, error) {
	if !e.Conf.IsLocalURI(uri) {
		return nil, fmt.Errorf("not a local actor URI: %s", uri)
	}
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	username := parts[len(parts)-1]
	err, acc := e.Store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("no local account for %s", uri)
	}
	return acc, nil
}

// followHandler accepts inbound follow requests. Follows are
// auto-accepted; the Accept is queued back to the follower's inbox
// signed with the followed account's key.
type followHandler struct {
	env *Env
}

func (h *followHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve follower", err)
	}

	objectURI := activity.Object().URI
	if objectURI == "" {
		return failure("follow missing object", fmt.Errorf("no object on follow %s", activity.ID))
	}

	target := recipient
	if target == nil || h.env.LocalActorURI(target.Username) != objectURI {
		target, err = h.env.localAccountForURI(objectURI)
		if err != nil {
			return failure("follow target is not a local account", err)
		}
	}

	followEcho := map[string]interface{}{
		"id":     activity.ID,
		"type":   "Follow",
		"actor":  actor.ActorURI,
		"object": objectURI,
	}

	// A moved account no longer takes followers; the peer should follow
	// the new account instead.
	if target.Moved() {
		reject := NewReject(h.env.NewActivityID(), objectURI, followEcho)
		if err := h.env.Sender.Enqueue(reject, actor.BestInbox(), h.env.LocalKeyId(target.Username)); err != nil {
			log.Warnf("Inbox: failed to queue Reject to %s: %v", actor.BestInbox(), err)
		}
		return success("follow rejected, account has moved")
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       actor.Id,
		TargetAccountId: target.Id,
		URI:             activity.ID,
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := h.env.Store.CreateFollow(follow); err != nil {
		if !errors.Is(err, db.ErrDuplicate) {
			return failure("failed to store follow", err)
		}
		log.Debugf("Inbox: duplicate follow from %s, re-sending Accept", actor.Handle())
	}

	accept := NewAccept(h.env.NewActivityID(), objectURI, followEcho)
	if err := h.env.Sender.Enqueue(accept, actor.BestInbox(), h.env.LocalKeyId(target.Username)); err != nil {
		return failure("failed to queue Accept", err)
	}

	result := success("follow accepted")
	if err := h.env.Notifier.Notify(target.Id, fmt.Sprintf("%s is now following you", actor.Handle())); err != nil {
		result = result.withWarning(fmt.Sprintf("follow notification failed: %v", err))
	}
	return result
}

// acceptHandler marks an outbound follow as accepted by the remote
// side. The follow is matched by the Follow activity URI echoed in the
// Accept's object.
type acceptHandler struct {
	env *Env
}

func (h *acceptHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	if _, err := h.env.requireActor(activity); err != nil {
		return failure("failed to resolve accepting actor", err)
	}

	followURI := activity.Object().URI
	if followURI == "" {
		return failure("accept missing follow reference", fmt.Errorf("no object on accept %s", activity.ID))
	}

	err, follow := h.env.Store.ReadFollowByURI(followURI)
	if err != nil || follow == nil {
		// The follow may have been undone locally in the meantime.
		log.Debugf("Inbox: Accept for unknown follow %s", followURI)
		return success("no matching follow")
	}

	if err := h.env.Store.AcceptFollowByURI(followURI); err != nil {
		return failure("failed to mark follow accepted", err)
	}
	return success("follow accepted by remote")
}

// rejectHandler removes an outbound follow the remote side declined.
type rejectHandler struct {
	env *Env
}

func (h *rejectHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	if _, err := h.env.requireActor(activity); err != nil {
		return failure("failed to resolve rejecting actor", err)
	}

	followURI := activity.Object().URI
	if followURI == "" {
		return failure("reject missing follow reference", fmt.Errorf("no object on reject %s", activity.ID))
	}

	err, follow := h.env.Store.ReadFollowByURI(followURI)
	if err != nil || follow == nil {
		log.Debugf("Inbox: Reject for unknown follow %s", followURI)
		return success("no matching follow")
	}

	if err := h.env.Store.DeleteFollowByURI(followURI); err != nil {
		return failure("failed to remove rejected follow", err)
	}
	return success("follow rejected by remote")
}
