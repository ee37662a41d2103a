package activitypub

import (
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// moveHandler processes an inbound account migration. The new account
// must list the old one in alsoKnownAs, verified against a fresh fetch
// so a stale cache cannot vouch for a hijack. Local followers of the
// old account are re-pointed at the new one.
type moveHandler struct {
	env *Env
}

func (h *moveHandler) Handle(activity *Activity, recipient *domain.Account) Result {
	actor, err := h.env.requireActor(activity)
	if err != nil {
		return failure("failed to resolve moving actor", err)
	}

	objectURI := activity.Object().URI
	if objectURI != "" && objectURI != actor.ActorURI {
		return failure("move actor mismatch", fmt.Errorf("%s announced a move of %s", actor.ActorURI, objectURI))
	}

	targetURI := activity.Target().URI
	if targetURI == "" {
		return failure("move missing target", fmt.Errorf("no target on move %s", activity.ID))
	}
	if targetURI == actor.ActorURI {
		return failure("move target is the moving account", fmt.Errorf("self-referential move from %s", actor.ActorURI))
	}

	target, err := h.env.Resolver.ResolveActor(targetURI, true)
	if err != nil {
		return failure("failed to resolve move target", err)
	}

	if !aliasListContains(target.AlsoKnownAs, actor.ActorURI) {
		return failure("move not acknowledged by target", fmt.Errorf("%s does not list %s in alsoKnownAs", targetURI, actor.ActorURI))
	}

	err, follows := h.env.Store.ReadFollowersOfAccount(actor.Id)
	if err != nil {
		return failure("failed to read followers of moved account", err)
	}

	repointed := 0
	result := success("move processed")
	if follows != nil {
		for _, follow := range *follows {
			err, localAcc := h.env.Store.ReadAccById(follow.AccountId)
			if err != nil || localAcc == nil {
				// Only local followers are ours to re-point.
				continue
			}

			newFollow := &domain.Follow{
				Id:              uuid.New(),
				AccountId:       localAcc.Id,
				TargetAccountId: target.Id,
				URI:             h.env.NewActivityID(),
				CreatedAt:       time.Now(),
				Accepted:        false,
			}
			if cerr := h.env.Store.CreateFollow(newFollow); cerr != nil && !errors.Is(cerr, db.ErrDuplicate) {
				result = result.withWarning(fmt.Sprintf("failed to re-follow %s for %s: %v", target.Handle(), localAcc.Username, cerr))
				continue
			}

			followActivity := NewFollow(newFollow.URI, h.env.LocalActorURI(localAcc.Username), target.ActorURI)
			if qerr := h.env.Sender.Enqueue(followActivity, target.BestInbox(), h.env.LocalKeyId(localAcc.Username)); qerr != nil {
				result = result.withWarning(fmt.Sprintf("failed to queue re-follow for %s: %v", localAcc.Username, qerr))
			}

			if derr := h.env.Store.DeleteFollowByPair(localAcc.Id, actor.Id); derr != nil {
				result = result.withWarning(fmt.Sprintf("failed to drop old follow for %s: %v", localAcc.Username, derr))
			}
			repointed++
		}
	}

	// Remember the migration on the cached old account.
	actor.AlsoKnownAs = appendAliasOnce(actor.AlsoKnownAs, targetURI)
	if uerr := h.env.Store.UpdateRemoteAccount(actor); uerr != nil {
		result = result.withWarning(fmt.Sprintf("failed to record move on cached actor: %v", uerr))
	}

	log.Infof("Inbox: %s moved to %s, re-pointed %d local followers", actor.Handle(), target.Handle(), repointed)
	return result
}

func aliasListContains(aliases []string, uri string) bool {
	for _, a := range aliases {
		if a == uri {
			return true
		}
	}
	return false
}

func appendAliasOnce(aliases []string, uri string) []string {
	if aliasListContains(aliases, uri) {
		return aliases
	}
	return append(aliases, uri)
}
