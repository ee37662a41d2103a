package activitypub

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/google/uuid"
)

func newTestSystem(t *testing.T) (*SystemAccount, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	system, err := EnsureSystemAccount(store, testConf())
	if err != nil {
		t.Fatalf("EnsureSystemAccount failed: %v", err)
	}
	return system, store
}

func TestEnsureSystemAccountIsStable(t *testing.T) {
	system, store := newTestSystem(t)

	again, err := EnsureSystemAccount(store, testConf())
	if err != nil {
		t.Fatalf("second EnsureSystemAccount failed: %v", err)
	}
	if again.Account().Id != system.Account().Id {
		t.Error("system account must be created once and reloaded after")
	}
	if system.KeyId() != "https://a.example/actor#main-key" {
		t.Errorf("unexpected system keyId %q", system.KeyId())
	}
}

func TestFetchObjectRetriesSignedExactlyOnce(t *testing.T) {
	system, store := newTestSystem(t)

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("Signature") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	resolver := NewResolver(store, system, 5*time.Second)
	body, err := resolver.FetchObject(server.URL + "/objects/1")
	if err != nil {
		t.Fatalf("FetchObject failed: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", body)
	}
	if calls != 2 {
		t.Errorf("expected exactly 2 HTTP calls, got %d", calls)
	}
}

func TestFetchObjectGoneAfterSignedRetry(t *testing.T) {
	system, store := newTestSystem(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	resolver := NewResolver(store, system, 5*time.Second)
	_, err := resolver.FetchObject(server.URL + "/objects/1")
	if err != ErrObjectGone {
		t.Errorf("expected ErrObjectGone, got %v", err)
	}
}

func TestResolveActorUpsertIsIdempotent(t *testing.T) {
	system, store := newTestSystem(t)

	var actorURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"id": %q,
			"type": "Person",
			"preferredUsername": "bob",
			"inbox": "%s/inbox",
			"endpoints": {"sharedInbox": "%s/shared"},
			"alsoKnownAs": ["https://old.example/users/bob"],
			"publicKey": {"id": %q, "owner": %q, "publicKeyPem": "-----BEGIN PUBLIC KEY-----"}
		}`, actorURI, actorURI, actorURI, actorURI+"#main-key", actorURI)
	}))
	defer server.Close()
	actorURI = server.URL + "/users/bob"

	resolver := NewResolver(store, system, 5*time.Second)

	first, err := resolver.ResolveActor(actorURI, false)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	second, err := resolver.ResolveActor(actorURI, true)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if first.Id != second.Id {
		t.Error("re-resolving must reuse the cached row id")
	}
	// One system account row lives in accounts, the actor in remotes.
	if len(store.remotes) != 1 {
		t.Errorf("expected 1 remote account row, got %d", len(store.remotes))
	}
	if second.SharedInboxURI == "" {
		t.Error("shared inbox endpoint should be captured")
	}
	if len(second.AlsoKnownAs) != 1 || second.AlsoKnownAs[0] != "https://old.example/users/bob" {
		t.Errorf("alsoKnownAs not captured: %v", second.AlsoKnownAs)
	}
}

func TestResolveActorRekeysRowOnURIChange(t *testing.T) {
	system, store := newTestSystem(t)

	// The same preferredUsername on the same host, served under two
	// different actor URIs, as after a server software change.
	var base string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actorURI := base + r.URL.Path
		fmt.Fprintf(w, `{
			"id": %q,
			"type": "Person",
			"preferredUsername": "bob",
			"inbox": "%s/inbox",
			"publicKey": {"id": %q, "owner": %q, "publicKeyPem": "-----BEGIN PUBLIC KEY-----"}
		}`, actorURI, actorURI, actorURI+"#main-key", actorURI)
	}))
	defer server.Close()
	base = server.URL

	resolver := NewResolver(store, system, 5*time.Second)

	old, err := resolver.ResolveActor(base+"/users/bob", false)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	renamed, err := resolver.ResolveActor(base+"/actors/bob", false)
	if err != nil {
		t.Fatalf("resolve under the new URI failed: %v", err)
	}

	if renamed.Id != old.Id {
		t.Error("the renamed actor must reuse the cached row")
	}
	if len(store.remotes) != 1 {
		t.Fatalf("expected 1 remote account row, got %d", len(store.remotes))
	}
	if err, got := store.ReadRemoteAccountByURI(base + "/actors/bob"); err != nil || got == nil || got.Id != old.Id {
		t.Error("the row must be reachable under the new URI")
	}
	if err, stale := store.ReadRemoteAccountByURI(base + "/users/bob"); err == nil && stale != nil {
		t.Error("the old URI must no longer resolve")
	}
}

func TestResolveActorUsesFreshCache(t *testing.T) {
	system, store := newTestSystem(t)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cached := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "b.example",
		ActorURI:      server.URL + "/users/bob",
		InboxURI:      server.URL + "/users/bob/inbox",
		LastFetchedAt: time.Now(),
	}
	store.remotes = append(store.remotes, cached)

	resolver := NewResolver(store, system, 5*time.Second)
	actor, err := resolver.GetOrFetchActor(cached.ActorURI)
	if err != nil {
		t.Fatalf("cached resolve failed: %v", err)
	}
	if actor.Id != cached.Id {
		t.Error("expected the cached row")
	}
	if calls != 0 {
		t.Errorf("a fresh cache entry must not trigger a fetch, got %d calls", calls)
	}
}

func TestProcessNoteIsIdempotent(t *testing.T) {
	system, store := newTestSystem(t)
	resolver := NewResolver(store, system, 5*time.Second)

	// The author is already cached and fresh, so no HTTP fetch happens.
	store.remotes = append(store.remotes, &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      "bob",
		Domain:        "b.example",
		ActorURI:      "https://b.example/users/bob",
		InboxURI:      "https://b.example/users/bob/inbox",
		LastFetchedAt: time.Now(),
	})

	raw := []byte(fmt.Sprintf(`{
		"id": "https://b.example/notes/1",
		"type": "Note",
		"content": "hello",
		"attributedTo": %q,
		"sensitive": true,
		"summary": "cw"
	}`, "https://b.example/users/bob"))

	first, err := resolver.ProcessNote(raw)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	second, err := resolver.ProcessNote(raw)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if first.Id != second.Id {
		t.Error("re-ingesting the same object must return the same note")
	}
	if !first.Sensitive || first.ContentWarning != "cw" {
		t.Error("sensitive flag and content warning should be captured")
	}
	if len(store.notes) != 1 {
		t.Errorf("expected 1 note row, got %d", len(store.notes))
	}
}
