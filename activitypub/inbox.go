package activitypub

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
)

// InboxService is the single entry point for inbound federation
// traffic. It verifies the HTTP signature, consults the replay guard
// and hands the activity to the dispatcher. Processing failures are
// still acknowledged with 2xx so well-behaved peers do not retry
// activities that will never succeed.
type InboxService struct {
	env        *Env
	dispatcher *Dispatcher
	guard      *ReplayGuard
}

func NewInboxService(env *Env, dispatcher *Dispatcher, guard *ReplayGuard) *InboxService {
	return &InboxService{env: env, dispatcher: dispatcher, guard: guard}
}

// HandleInbox processes one delivery. recipient is the addressed local
// account, nil for the shared inbox. Returns the HTTP status to answer
// with and the processing result.
func (s *InboxService) HandleInbox(req *http.Request, body []byte, recipient *domain.Account) (int, Result) {
	activity, err := ParseActivity(body)
	if err != nil {
		return http.StatusBadRequest, failure("malformed activity", err)
	}

	if req.Header.Get("Signature") == "" {
		return http.StatusUnauthorized, failure("missing signature", fmt.Errorf("unsigned delivery of %s", activity.Type))
	}

	// A Delete for an actor we never cached cannot be verified: the
	// actor document is gone along with its key. Acknowledge and drop.
	if activity.Type == "Delete" && activity.ActorURI() == activity.Object().URI {
		if err, cached := s.env.Store.ReadRemoteAccountByURI(activity.ActorURI()); err != nil || cached == nil {
			log.Debugf("Inbox: Delete for unknown actor %s, ignoring", activity.ActorURI())
			return http.StatusAccepted, success("actor not known")
		}
	}

	// The signature covers the Digest header, not the body itself.
	// Comparing the header against the delivered bytes is what binds
	// the two; without it a captured signed request could be replayed
	// with a different body.
	if req.Header.Get("Digest") != Digest(body) {
		return http.StatusUnauthorized, failure("digest mismatch",
			fmt.Errorf("Digest header does not match the delivered body"))
	}

	if status, result := s.verifySender(req, activity); status != 0 {
		return status, result
	}

	seen, err := s.guard.CheckAndRecord(activity.ID, body)
	if err != nil {
		return http.StatusInternalServerError, failure("replay check failed", err)
	}
	if seen {
		log.Debugf("Inbox: replayed activity %s, ignoring", activity.ID)
		return http.StatusAccepted, success("already processed")
	}

	result := s.dispatcher.Dispatch(activity, recipient)
	return http.StatusAccepted, result
}

// verifySender checks the HTTP signature against the claimed actor's
// key. A failed verification is retried once against a fresh copy of
// the actor, covering key rotation. Returns (0, _) when verification
// passed.
func (s *InboxService) verifySender(req *http.Request, activity *Activity) (int, Result) {
	actorURI := activity.ActorURI()
	if actorURI == "" {
		return http.StatusBadRequest, failure("activity missing actor", fmt.Errorf("no actor on %s", activity.Type))
	}

	actor, err := s.env.Resolver.GetOrFetchActor(actorURI)
	if err != nil {
		return http.StatusUnauthorized, failure("failed to resolve signing actor", err)
	}

	signerURI, err := VerifyRequest(req, actor.PublicKeyPem)
	if err != nil {
		// The key may have rotated since the actor was cached.
		refreshed, rerr := s.env.Resolver.ResolveActor(actorURI, true)
		if rerr != nil {
			return http.StatusUnauthorized, failure("signature verification failed", err)
		}
		signerURI, err = VerifyRequest(req, refreshed.PublicKeyPem)
		if err != nil {
			return http.StatusUnauthorized, failure("signature verification failed", err)
		}
	}

	// The key that signed the request must belong to the claimed actor.
	if !sameActor(signerURI, actorURI) {
		return http.StatusUnauthorized, failure("signer mismatch",
			fmt.Errorf("request signed by %s but claims actor %s", signerURI, actorURI))
	}
	return 0, Result{}
}

// sameActor compares actor URIs ignoring a trailing slash.
func sameActor(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
