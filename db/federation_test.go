package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/google/uuid"
)

func testRemoteAccount(username, domainName string) *domain.RemoteAccount {
	return &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Domain:        domainName,
		ActorURI:      "https://" + domainName + "/users/" + username,
		InboxURI:      "https://" + domainName + "/users/" + username + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
	}
}

func TestRemoteAccountRoundTrip(t *testing.T) {
	database := openTestDB(t)

	acc := testRemoteAccount("bob", "b.example")
	acc.SharedInboxURI = "https://b.example/inbox"
	acc.AlsoKnownAs = []string{"https://old.example/users/bob"}
	if err := database.CreateRemoteAccount(acc); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}

	err, got := database.ReadRemoteAccountByURI(acc.ActorURI)
	if err != nil || got == nil {
		t.Fatalf("ReadRemoteAccountByURI failed: %v", err)
	}
	if got.Id != acc.Id || got.SharedInboxURI != "https://b.example/inbox" {
		t.Error("read back wrong remote account data")
	}
	if len(got.AlsoKnownAs) != 1 {
		t.Errorf("aliases not round-tripped: %v", got.AlsoKnownAs)
	}

	err, byHandle := database.ReadRemoteAccountByHandle("bob", "b.example")
	if err != nil || byHandle == nil || byHandle.Id != acc.Id {
		t.Error("ReadRemoteAccountByHandle failed")
	}

	acc.DisplayName = "Bobby"
	acc.AlsoKnownAs = append(acc.AlsoKnownAs, "https://c.example/users/bob")
	if err := database.UpdateRemoteAccount(acc); err != nil {
		t.Fatalf("UpdateRemoteAccount failed: %v", err)
	}
	err, updated := database.ReadRemoteAccountById(acc.Id)
	if err != nil || updated.DisplayName != "Bobby" || len(updated.AlsoKnownAs) != 2 {
		t.Error("update not applied")
	}
}

func TestUpdateRemoteAccountFollowsURIChange(t *testing.T) {
	database := openTestDB(t)
	acc := testRemoteAccount("bob", "b.example")
	database.CreateRemoteAccount(acc)

	// The same user and domain reappearing under a new canonical URI,
	// as after a server software change. The row must follow the URI.
	acc.ActorURI = "https://b.example/actors/bob"
	acc.PublicKeyPem = "rotated"
	if err := database.UpdateRemoteAccount(acc); err != nil {
		t.Fatalf("UpdateRemoteAccount failed: %v", err)
	}

	err, got := database.ReadRemoteAccountByURI("https://b.example/actors/bob")
	if err != nil || got == nil {
		t.Fatal("row must be reachable under the new URI")
	}
	if got.Id != acc.Id || got.PublicKeyPem != "rotated" {
		t.Error("update must land on the existing row")
	}
	if err, stale := database.ReadRemoteAccountByURI("https://b.example/users/bob"); err != sql.ErrNoRows || stale != nil {
		t.Error("the old URI must no longer resolve")
	}
}

func TestRemoteAccountUniqueConstraints(t *testing.T) {
	database := openTestDB(t)

	if err := database.CreateRemoteAccount(testRemoteAccount("bob", "b.example")); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	err := database.CreateRemoteAccount(testRemoteAccount("bob", "b.example"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for same handle, got %v", err)
	}
}

func TestDeleteRemoteAccount(t *testing.T) {
	database := openTestDB(t)
	acc := testRemoteAccount("bob", "b.example")
	database.CreateRemoteAccount(acc)

	if err := database.DeleteRemoteAccount(acc.Id); err != nil {
		t.Fatalf("DeleteRemoteAccount failed: %v", err)
	}
	err, got := database.ReadRemoteAccountByURI(acc.ActorURI)
	if err != sql.ErrNoRows || got != nil {
		t.Error("deleted account must be gone")
	}
}

func TestFollowPairIsUnique(t *testing.T) {
	database := openTestDB(t)
	follower, followee := uuid.New(), uuid.New()

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower,
		TargetAccountId: followee,
		URI:             "https://b.example/activities/1",
		CreatedAt:       time.Now(),
		Accepted:        true,
	}
	if err := database.CreateFollow(follow); err != nil {
		t.Fatalf("CreateFollow failed: %v", err)
	}

	dup := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower,
		TargetAccountId: followee,
		URI:             "https://b.example/activities/2",
		CreatedAt:       time.Now(),
	}
	if err := database.CreateFollow(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for same pair, got %v", err)
	}
}

func TestFollowLifecycle(t *testing.T) {
	database := openTestDB(t)
	follower, followee := uuid.New(), uuid.New()
	uri := "https://b.example/activities/1"

	database.CreateFollow(&domain.Follow{
		Id:              uuid.New(),
		AccountId:       follower,
		TargetAccountId: followee,
		URI:             uri,
		CreatedAt:       time.Now(),
	})

	// Unaccepted follows are not followers yet.
	err, followers := database.ReadFollowersOfAccount(followee)
	if err != nil || len(*followers) != 0 {
		t.Errorf("expected 0 accepted followers, got %d", len(*followers))
	}

	if err := database.AcceptFollowByURI(uri); err != nil {
		t.Fatalf("AcceptFollowByURI failed: %v", err)
	}
	err, followers = database.ReadFollowersOfAccount(followee)
	if err != nil || len(*followers) != 1 {
		t.Fatalf("expected 1 follower after accept, got %d", len(*followers))
	}
	if (*followers)[0].AccountId != follower {
		t.Error("wrong follower id")
	}

	if err := database.DeleteFollowByPair(follower, followee); err != nil {
		t.Fatalf("DeleteFollowByPair failed: %v", err)
	}
	err, follow := database.ReadFollowByURI(uri)
	if err != sql.ErrNoRows || follow != nil {
		t.Error("follow must be gone")
	}
}

func TestDeleteFollowsByAccountIdBothDirections(t *testing.T) {
	database := openTestDB(t)
	actor, other1, other2 := uuid.New(), uuid.New(), uuid.New()

	database.CreateFollow(&domain.Follow{Id: uuid.New(), AccountId: actor, TargetAccountId: other1, URI: "u1", CreatedAt: time.Now()})
	database.CreateFollow(&domain.Follow{Id: uuid.New(), AccountId: other2, TargetAccountId: actor, URI: "u2", CreatedAt: time.Now()})
	database.CreateFollow(&domain.Follow{Id: uuid.New(), AccountId: other1, TargetAccountId: other2, URI: "u3", CreatedAt: time.Now()})

	if err := database.DeleteFollowsByAccountId(actor); err != nil {
		t.Fatalf("DeleteFollowsByAccountId failed: %v", err)
	}

	if err, f := database.ReadFollowByURI("u1"); err != sql.ErrNoRows || f != nil {
		t.Error("outbound edge should be gone")
	}
	if err, f := database.ReadFollowByURI("u2"); err != sql.ErrNoRows || f != nil {
		t.Error("inbound edge should be gone")
	}
	if err, f := database.ReadFollowByURI("u3"); err != nil || f == nil {
		t.Error("unrelated edge must survive")
	}
}

func TestReactionTripleIsUnique(t *testing.T) {
	database := openTestDB(t)
	account, note := uuid.New(), uuid.New()

	r := &domain.Reaction{
		Id:        uuid.New(),
		AccountId: account,
		NoteId:    note,
		Reaction:  "🎉",
		URI:       "https://b.example/activities/like-1",
		CreatedAt: time.Now(),
	}
	if err := database.CreateReaction(r); err != nil {
		t.Fatalf("CreateReaction failed: %v", err)
	}

	dup := &domain.Reaction{Id: uuid.New(), AccountId: account, NoteId: note, Reaction: "🎉", CreatedAt: time.Now()}
	if err := database.CreateReaction(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate for same triple, got %v", err)
	}

	// A different emoji from the same account is a distinct row.
	other := &domain.Reaction{Id: uuid.New(), AccountId: account, NoteId: note, Reaction: "👍", CreatedAt: time.Now()}
	if err := database.CreateReaction(other); err != nil {
		t.Errorf("different reaction should insert: %v", err)
	}

	if err := database.DeleteReactionByNote(account, note); err != nil {
		t.Fatalf("DeleteReactionByNote failed: %v", err)
	}
	if err, got := database.ReadReaction(account, note, "🎉"); err != sql.ErrNoRows || got != nil {
		t.Error("reactions must be gone")
	}
}

func TestReceivedActivityAtomicInsert(t *testing.T) {
	database := openTestDB(t)

	rec := &domain.ReceivedActivity{Id: uuid.New(), ActivityURI: "https://b.example/activities/1", ReceivedAt: time.Now()}
	if err := database.InsertReceivedActivity(rec); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	dup := &domain.ReceivedActivity{Id: uuid.New(), ActivityURI: rec.ActivityURI, ReceivedAt: time.Now()}
	if err := database.InsertReceivedActivity(dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestDeleteReceivedBeforeSplitsOnCutoff(t *testing.T) {
	database := openTestDB(t)

	old := &domain.ReceivedActivity{Id: uuid.New(), ActivityURI: "old", ReceivedAt: time.Now().Add(-8 * 24 * time.Hour)}
	fresh := &domain.ReceivedActivity{Id: uuid.New(), ActivityURI: "fresh", ReceivedAt: time.Now()}
	database.InsertReceivedActivity(old)
	database.InsertReceivedActivity(fresh)

	deleted, err := database.DeleteReceivedBefore(time.Now().Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteReceivedBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted record, got %d", deleted)
	}

	if err, got := database.ReadReceivedActivity("fresh"); err != nil || got == nil {
		t.Error("fresh record must survive")
	}
	if err, got := database.ReadReceivedActivity("old"); err != sql.ErrNoRows || got != nil {
		t.Error("old record must be pruned")
	}
}

func TestDeliveryQueueLifecycle(t *testing.T) {
	database := openTestDB(t)

	due := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://b.example/inbox",
		ActivityJSON: `{"type":"Accept"}`,
		KeyId:        "https://a.example/users/alice#main-key",
		NextRetryAt:  time.Now().Add(-time.Minute),
		CreatedAt:    time.Now(),
	}
	future := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		InboxURI:     "https://c.example/inbox",
		ActivityJSON: `{}`,
		KeyId:        "k",
		NextRetryAt:  time.Now().Add(time.Hour),
		CreatedAt:    time.Now(),
	}
	database.EnqueueDelivery(due)
	database.EnqueueDelivery(future)

	err, pending := database.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 1 || (*pending)[0].Id != due.Id {
		t.Fatalf("expected only the due item, got %d items", len(*pending))
	}

	retry := time.Now().Add(5 * time.Minute)
	if err := database.UpdateDeliveryAttempt(due.Id, 1, retry); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, pending = database.ReadPendingDeliveries(10)
	if err != nil || len(*pending) != 0 {
		t.Error("item pushed into the future must not be pending")
	}

	if err := database.DeleteDelivery(due.Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
}
