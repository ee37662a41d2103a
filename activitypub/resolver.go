package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const userAgent = "anancus/1.0 ActivityPub"

// actorFreshness is how long a cached remote actor is trusted before
// being re-fetched.
const actorFreshness = 24 * time.Hour

// ErrObjectGone marks a remote object that legitimately no longer
// exists (404 even to an authorized fetch). Callers treat it as benign.
var ErrObjectGone = errors.New("remote object gone")

// ActorResponse is the JSON shape of a remote ActivityPub actor.
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	AlsoKnownAs json.RawMessage `json:"alsoKnownAs"`
	Icon        struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Resolver fetches and caches remote actors and objects. Fetches that
// are rejected unsigned are retried once with the system account's
// signature; never more.
type Resolver struct {
	store  Store
	system *SystemAccount
	client *http.Client
}

func NewResolver(store Store, system *SystemAccount, timeout time.Duration) *Resolver {
	return &Resolver{
		store:  store,
		system: system,
		client: &http.Client{Timeout: timeout},
	}
}

// GetOrFetchActor returns the actor from cache, fetching when absent
// or stale.
func (r *Resolver) GetOrFetchActor(actorURI string) (*domain.RemoteAccount, error) {
	err, cached := r.store.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < actorFreshness {
			return cached, nil
		}
	}

	return r.fetchRemoteActor(actorURI)
}

// ResolveActor fetches the actor, bypassing the cache when
// forceRefresh is set. Resolution is idempotent: resolving the same
// URI twice never creates a second row.
func (r *Resolver) ResolveActor(actorURI string, forceRefresh bool) (*domain.RemoteAccount, error) {
	if !forceRefresh {
		return r.GetOrFetchActor(actorURI)
	}
	return r.fetchRemoteActor(actorURI)
}

func (r *Resolver) fetchRemoteActor(actorURI string) (*domain.RemoteAccount, error) {
	body, err := r.FetchObject(actorURI)
	if err != nil {
		return nil, err
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	domainName, err := extractDomain(actor.ID)
	if err != nil {
		return nil, err
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       actor.PreferredUsername,
		Domain:         domainName,
		ActorURI:       actor.ID,
		DisplayName:    actor.Name,
		Summary:        actor.Summary,
		InboxURI:       actor.Inbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		OutboxURI:      actor.Outbox,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		AlsoKnownAs:    decodeAliasList(actor.AlsoKnownAs),
		LastFetchedAt:  time.Now(),
	}

	// Upsert keyed by (username, domain) / actor URI: reuse the row id
	// when the actor is already cached so references stay stable.
	if err, existing := r.store.ReadRemoteAccountByURI(actor.ID); err == nil && existing != nil {
		remoteAcc.Id = existing.Id
		if err := r.store.UpdateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
		return remoteAcc, nil
	}
	if err, existing := r.store.ReadRemoteAccountByHandle(remoteAcc.Username, remoteAcc.Domain); err == nil && existing != nil {
		remoteAcc.Id = existing.Id
		if err := r.store.UpdateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
		return remoteAcc, nil
	}

	if err := r.store.CreateRemoteAccount(remoteAcc); err != nil {
		// A concurrent resolve may have inserted the row first.
		if uerr := r.store.UpdateRemoteAccount(remoteAcc); uerr != nil {
			return nil, fmt.Errorf("failed to store remote account: %w", err)
		}
	}

	return remoteAcc, nil
}

// FetchObject GETs an ActivityPub object. An unsigned attempt rejected
// with 401/403/404 is retried exactly once, signed with the system
// account key, for peers enforcing authorized fetch. A 404 on the
// signed retry means the object is legitimately gone.
func (r *Resolver) FetchObject(uri string) ([]byte, error) {
	resp, err := r.get(uri, false)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()

		if r.system == nil {
			if resp.StatusCode == http.StatusNotFound {
				log.Debugf("Resolver: %s not found (no authorized retry available)", uri)
				return nil, ErrObjectGone
			}
			return nil, fmt.Errorf("fetch failed with status: %d", resp.StatusCode)
		}

		log.Debugf("Resolver: unsigned fetch of %s got %d, retrying signed", uri, resp.StatusCode)
		resp, err = r.get(uri, true)
		if err != nil {
			return nil, fmt.Errorf("signed request failed: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		log.Debugf("Resolver: %s is gone", uri)
		return nil, ErrObjectGone
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("Resolver: fetch of %s failed with status %d", uri, resp.StatusCode)
		return nil, fmt.Errorf("fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (r *Resolver) get(uri string, signed bool) (*http.Response, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent)

	if signed {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		req.Header.Set("Host", req.URL.Host)
		key, err := r.system.PrivateKey()
		if err != nil {
			return nil, err
		}
		if err := SignGetRequest(req, key, r.system.KeyId()); err != nil {
			return nil, fmt.Errorf("failed to sign fetch: %w", err)
		}
	}

	return r.client.Do(req)
}

// noteObject is the JSON shape of a remote Note/Article object.
type noteObject struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Content      string          `json:"content"`
	Published    string          `json:"published"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	InReplyTo    json.RawMessage `json:"inReplyTo"`
	Sensitive    bool            `json:"sensitive"`
	Summary      string          `json:"summary"`
}

// ProcessNote ingests a remote note object, resolving its author and
// inserting a Note row. Idempotent: a note with a known uri is
// returned as-is. Create and Announce both funnel through here.
func (r *Resolver) ProcessNote(raw []byte) (*domain.Note, error) {
	var obj noteObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse note object: %w", err)
	}
	if obj.ID == "" {
		return nil, fmt.Errorf("note object missing id")
	}

	if err, existing := r.store.ReadNoteByURI(obj.ID); err == nil && existing != nil {
		return existing, nil
	}

	authorURI := Ref(obj.AttributedTo).URI
	if authorURI == "" {
		return nil, fmt.Errorf("note object missing attributedTo")
	}
	author, err := r.GetOrFetchActor(authorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve note author: %w", err)
	}

	createdAt := time.Now()
	if obj.Published != "" {
		if t, perr := time.Parse(time.RFC3339, obj.Published); perr == nil {
			createdAt = t
		}
	}

	message := obj.Content
	note := &domain.Note{
		Id:             uuid.New(),
		UserId:         author.Id,
		Message:        &message,
		ObjectURI:      obj.ID,
		InReplyToURI:   Ref(obj.InReplyTo).URI,
		Sensitive:      obj.Sensitive,
		ContentWarning: contentWarningFrom(obj),
		CreatedAt:      createdAt,
	}

	if err := r.store.CreateNote(note); err != nil {
		// Lost a race with a concurrent ingest of the same object.
		if err, existing := r.store.ReadNoteByURI(obj.ID); err == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to store note: %w", err)
	}
	return note, nil
}

// Sensitive posts carry their warning in summary.
func contentWarningFrom(obj noteObject) string {
	if obj.Sensitive {
		return obj.Summary
	}
	return ""
}

// decodeAliasList tolerates both a bare string and a list, which is
// how alsoKnownAs appears in the wild.
func decodeAliasList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// extractDomain extracts the host from an actor URI.
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URI has no host: %s", actorURI)
	}

	return parsed.Host, nil
}
