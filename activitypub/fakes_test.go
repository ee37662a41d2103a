package activitypub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
	"github.com/google/uuid"
)

// fakeStore is an in-memory Store for handler tests. It mirrors the
// unique constraints the sqlite schema enforces so the ErrDuplicate
// paths are exercised the same way.
type fakeStore struct {
	accounts  []*domain.Account
	remotes   []*domain.RemoteAccount
	follows   []*domain.Follow
	notes     []*domain.Note
	reactions []*domain.Reaction
	received  []*domain.ReceivedActivity
	queue     []*domain.DeliveryQueueItem
}

func (s *fakeStore) CreateAccount(acc *domain.Account) error {
	for _, a := range s.accounts {
		if a.Username == acc.Username {
			return db.ErrDuplicate
		}
	}
	s.accounts = append(s.accounts, acc)
	return nil
}

func (s *fakeStore) ReadAccByUsername(username string) (error, *domain.Account) {
	for _, a := range s.accounts {
		if a.Username == username {
			return nil, a
		}
	}
	return nil, nil
}

func (s *fakeStore) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	for _, a := range s.accounts {
		if a.Id == id {
			return nil, a
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateAccountAliases(id uuid.UUID, aliases []string) error {
	for _, a := range s.accounts {
		if a.Id == id {
			a.AlsoKnownAs = aliases
			return nil
		}
	}
	return fmt.Errorf("no such account")
}

func (s *fakeStore) UpdateAccountMoved(id uuid.UUID, movedTo string, movedAt time.Time) error {
	for _, a := range s.accounts {
		if a.Id == id {
			if a.MovedTo != "" {
				return fmt.Errorf("account already moved")
			}
			a.MovedTo = movedTo
			t := movedAt
			a.MovedAt = &t
			return nil
		}
	}
	return fmt.Errorf("no such account")
}

func (s *fakeStore) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	for _, r := range s.remotes {
		if r.ActorURI == acc.ActorURI {
			return db.ErrDuplicate
		}
	}
	s.remotes = append(s.remotes, acc)
	return nil
}

func (s *fakeStore) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	for i, r := range s.remotes {
		if r.Id == acc.Id {
			s.remotes[i] = acc
			return nil
		}
	}
	return fmt.Errorf("no such remote account")
}

func (s *fakeStore) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	for _, r := range s.remotes {
		if r.ActorURI == uri {
			return nil, r
		}
	}
	return nil, nil
}

func (s *fakeStore) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	for _, r := range s.remotes {
		if r.Id == id {
			return nil, r
		}
	}
	return nil, nil
}

func (s *fakeStore) ReadRemoteAccountByHandle(username, dom string) (error, *domain.RemoteAccount) {
	for _, r := range s.remotes {
		if r.Username == username && r.Domain == dom {
			return nil, r
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteRemoteAccount(id uuid.UUID) error {
	for i, r := range s.remotes {
		if r.Id == id {
			s.remotes = append(s.remotes[:i], s.remotes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) CreateFollow(follow *domain.Follow) error {
	for _, f := range s.follows {
		if f.AccountId == follow.AccountId && f.TargetAccountId == follow.TargetAccountId {
			return db.ErrDuplicate
		}
	}
	s.follows = append(s.follows, follow)
	return nil
}

func (s *fakeStore) ReadFollowByURI(uri string) (error, *domain.Follow) {
	for _, f := range s.follows {
		if f.URI == uri {
			return nil, f
		}
	}
	return nil, nil
}

func (s *fakeStore) ReadFollowByPair(accountId, targetId uuid.UUID) (error, *domain.Follow) {
	for _, f := range s.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetId {
			return nil, f
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteFollowByURI(uri string) error {
	for i, f := range s.follows {
		if f.URI == uri {
			s.follows = append(s.follows[:i], s.follows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) DeleteFollowByPair(accountId, targetId uuid.UUID) error {
	for i, f := range s.follows {
		if f.AccountId == accountId && f.TargetAccountId == targetId {
			s.follows = append(s.follows[:i], s.follows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) AcceptFollowByURI(uri string) error {
	for _, f := range s.follows {
		if f.URI == uri {
			f.Accepted = true
			return nil
		}
	}
	return fmt.Errorf("no such follow")
}

func (s *fakeStore) DeleteFollowsByAccountId(id uuid.UUID) error {
	var kept []*domain.Follow
	for _, f := range s.follows {
		if f.AccountId != id && f.TargetAccountId != id {
			kept = append(kept, f)
		}
	}
	s.follows = kept
	return nil
}

func (s *fakeStore) ReadFollowersOfAccount(targetId uuid.UUID) (error, *[]domain.Follow) {
	var out []domain.Follow
	for _, f := range s.follows {
		if f.TargetAccountId == targetId && f.Accepted {
			out = append(out, *f)
		}
	}
	return nil, &out
}

func (s *fakeStore) CreateNote(note *domain.Note) error {
	if note.ObjectURI != "" {
		for _, n := range s.notes {
			if n.ObjectURI == note.ObjectURI {
				return db.ErrDuplicate
			}
		}
	}
	s.notes = append(s.notes, note)
	return nil
}

func (s *fakeStore) ReadNoteById(id uuid.UUID) (error, *domain.Note) {
	for _, n := range s.notes {
		if n.Id == id {
			return nil, n
		}
	}
	return nil, nil
}

func (s *fakeStore) ReadNoteByURI(uri string) (error, *domain.Note) {
	if uri == "" {
		return nil, nil
	}
	for _, n := range s.notes {
		if n.ObjectURI == uri {
			return nil, n
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateNoteContent(id uuid.UUID, message *string, sensitive bool, contentWarning string, editedAt time.Time) error {
	for _, n := range s.notes {
		if n.Id == id {
			n.Message = message
			n.Sensitive = sensitive
			n.ContentWarning = contentWarning
			t := editedAt
			n.EditedAt = &t
			return nil
		}
	}
	return fmt.Errorf("no such note")
}

func (s *fakeStore) MarkNoteDeleted(id uuid.UUID) error {
	for _, n := range s.notes {
		if n.Id == id {
			n.Deleted = true
			return nil
		}
	}
	return fmt.Errorf("no such note")
}

func (s *fakeStore) DeleteNote(id uuid.UUID) error {
	for i, n := range s.notes {
		if n.Id == id {
			s.notes = append(s.notes[:i], s.notes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) IncrementRenoteCount(id uuid.UUID) error {
	for _, n := range s.notes {
		if n.Id == id {
			n.RenoteCount++
			return nil
		}
	}
	return fmt.Errorf("no such note")
}

func (s *fakeStore) DecrementRenoteCount(id uuid.UUID) error {
	for _, n := range s.notes {
		if n.Id == id {
			if n.RenoteCount > 0 {
				n.RenoteCount--
			}
			return nil
		}
	}
	return fmt.Errorf("no such note")
}

func (s *fakeStore) CreateReaction(r *domain.Reaction) error {
	for _, existing := range s.reactions {
		if existing.AccountId == r.AccountId && existing.NoteId == r.NoteId && existing.Reaction == r.Reaction {
			return db.ErrDuplicate
		}
	}
	s.reactions = append(s.reactions, r)
	return nil
}

func (s *fakeStore) ReadReaction(accountId, noteId uuid.UUID, reaction string) (error, *domain.Reaction) {
	for _, r := range s.reactions {
		if r.AccountId == accountId && r.NoteId == noteId && r.Reaction == reaction {
			return nil, r
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteReaction(accountId, noteId uuid.UUID, reaction string) error {
	for i, r := range s.reactions {
		if r.AccountId == accountId && r.NoteId == noteId && r.Reaction == reaction {
			s.reactions = append(s.reactions[:i], s.reactions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) DeleteReactionByNote(accountId, noteId uuid.UUID) error {
	var kept []*domain.Reaction
	for _, r := range s.reactions {
		if r.AccountId != accountId || r.NoteId != noteId {
			kept = append(kept, r)
		}
	}
	s.reactions = kept
	return nil
}

func (s *fakeStore) InsertReceivedActivity(rec *domain.ReceivedActivity) error {
	for _, r := range s.received {
		if r.ActivityURI == rec.ActivityURI {
			return db.ErrDuplicate
		}
	}
	s.received = append(s.received, rec)
	return nil
}

func (s *fakeStore) DeleteReceivedBefore(cutoff time.Time) (int64, error) {
	var kept []*domain.ReceivedActivity
	var deleted int64
	for _, r := range s.received {
		if r.ReceivedAt.Before(cutoff) {
			deleted++
		} else {
			kept = append(kept, r)
		}
	}
	s.received = kept
	return deleted, nil
}

func (s *fakeStore) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	s.queue = append(s.queue, item)
	return nil
}

func (s *fakeStore) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	var out []domain.DeliveryQueueItem
	now := time.Now()
	for _, item := range s.queue {
		if len(out) >= limit {
			break
		}
		if !item.NextRetryAt.After(now) {
			out = append(out, *item)
		}
	}
	return nil, &out
}

func (s *fakeStore) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	for _, item := range s.queue {
		if item.Id == id {
			item.Attempts = attempts
			item.NextRetryAt = nextRetry
			return nil
		}
	}
	return fmt.Errorf("no such delivery")
}

func (s *fakeStore) DeleteDelivery(id uuid.UUID) error {
	for i, item := range s.queue {
		if item.Id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

// fakeResolver serves actors from a fixed map and ingests notes into
// the fake store.
type fakeResolver struct {
	store      *fakeStore
	actors     map[string]*domain.RemoteAccount
	refreshed  []string
	resolveErr error
	objects    map[string][]byte
}

func (r *fakeResolver) GetOrFetchActor(uri string) (*domain.RemoteAccount, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	if actor, ok := r.actors[uri]; ok {
		return actor, nil
	}
	return nil, fmt.Errorf("unknown actor %s", uri)
}

func (r *fakeResolver) ResolveActor(uri string, forceRefresh bool) (*domain.RemoteAccount, error) {
	if forceRefresh {
		r.refreshed = append(r.refreshed, uri)
	}
	return r.GetOrFetchActor(uri)
}

func (r *fakeResolver) FetchObject(uri string) ([]byte, error) {
	if body, ok := r.objects[uri]; ok {
		return body, nil
	}
	return nil, ErrObjectGone
}

func (r *fakeResolver) ProcessNote(raw []byte) (*domain.Note, error) {
	obj := struct {
		ID           string `json:"id"`
		Content      string `json:"content"`
		AttributedTo string `json:"attributedTo"`
	}{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if err, existing := r.store.ReadNoteByURI(obj.ID); err == nil && existing != nil {
		return existing, nil
	}
	author, err := r.GetOrFetchActor(obj.AttributedTo)
	if err != nil {
		return nil, err
	}
	note := &domain.Note{
		Id:        uuid.New(),
		UserId:    author.Id,
		Message:   &obj.Content,
		ObjectURI: obj.ID,
		CreatedAt: time.Now(),
	}
	if err := r.store.CreateNote(note); err != nil {
		return nil, err
	}
	return note, nil
}

// fakeSender records deliveries instead of posting them.
type fakeSender struct {
	deliverOK bool
	delivered []string
	enqueued  []enqueuedActivity
}

type enqueuedActivity struct {
	activity map[string]interface{}
	inboxURI string
	keyId    string
}

func (s *fakeSender) Deliver(activityJSON []byte, inboxURI, keyId, privateKeyPem string) bool {
	s.delivered = append(s.delivered, inboxURI)
	return s.deliverOK
}

func (s *fakeSender) DeliverAll(activityJSON []byte, recipients []*domain.RemoteAccount, keyId, privateKeyPem string) int {
	count := 0
	for _, inbox := range UniqueInboxes(recipients) {
		if s.Deliver(activityJSON, inbox, keyId, privateKeyPem) {
			count++
		}
	}
	return count
}

func (s *fakeSender) Enqueue(activity map[string]interface{}, inboxURI, keyId string) error {
	s.enqueued = append(s.enqueued, enqueuedActivity{activity: activity, inboxURI: inboxURI, keyId: keyId})
	return nil
}

// fakeNotifier records notifications; failWith makes every Notify fail.
type fakeNotifier struct {
	messages []string
	failWith error
}

func (n *fakeNotifier) Notify(accountId uuid.UUID, message string) error {
	if n.failWith != nil {
		return n.failWith
	}
	n.messages = append(n.messages, message)
	return nil
}

func testConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "a.example"
	conf.Conf.WithAp = true
	conf.Conf.ReplayRetentionDays = 7
	conf.Conf.FetchTimeoutSecs = 10
	conf.Conf.DeliveryConcurrency = 5
	return conf
}

func newTestEnv() (*Env, *fakeStore, *fakeResolver, *fakeSender, *fakeNotifier) {
	store := &fakeStore{}
	resolver := &fakeResolver{
		store:   store,
		actors:  make(map[string]*domain.RemoteAccount),
		objects: make(map[string][]byte),
	}
	sender := &fakeSender{deliverOK: true}
	notifier := &fakeNotifier{}
	env := &Env{
		Store:    store,
		Resolver: resolver,
		Sender:   sender,
		Notifier: notifier,
		Conf:     testConf(),
	}
	return env, store, resolver, sender, notifier
}

func localAccount(store *fakeStore, username string) *domain.Account {
	acc := &domain.Account{
		Id:        uuid.New(),
		Username:  username,
		CreatedAt: time.Now(),
	}
	store.accounts = append(store.accounts, acc)
	return acc
}

func followEdge(accountId, targetId uuid.UUID, uri string) *domain.Follow {
	return &domain.Follow{
		Id:              uuid.New(),
		AccountId:       accountId,
		TargetAccountId: targetId,
		URI:             uri,
		CreatedAt:       time.Now(),
	}
}

func acceptAll(store *fakeStore) {
	for _, f := range store.follows {
		f.Accepted = true
	}
}

func noteRow(userId uuid.UUID, uri string, message *string) *domain.Note {
	return &domain.Note{
		Id:        uuid.New(),
		UserId:    userId,
		Message:   message,
		ObjectURI: uri,
		CreatedAt: time.Now(),
	}
}

func remoteActor(resolver *fakeResolver, store *fakeStore, username, dom string) *domain.RemoteAccount {
	acc := &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Domain:        dom,
		ActorURI:      fmt.Sprintf("https://%s/users/%s", dom, username),
		InboxURI:      fmt.Sprintf("https://%s/users/%s/inbox", dom, username),
		LastFetchedAt: time.Now(),
	}
	resolver.actors[acc.ActorURI] = acc
	store.remotes = append(store.remotes, acc)
	return acc
}
