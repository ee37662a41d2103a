package activitypub

import (
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Store is the keyed CRUD surface the engine consumes. *db.DB
// implements it; handler tests substitute an in-memory fake.
type Store interface {
	CreateAccount(acc *domain.Account) error
	ReadAccByUsername(username string) (error, *domain.Account)
	ReadAccById(id uuid.UUID) (error, *domain.Account)
	UpdateAccountAliases(id uuid.UUID, aliases []string) error
	UpdateAccountMoved(id uuid.UUID, movedTo string, movedAt time.Time) error

	CreateRemoteAccount(acc *domain.RemoteAccount) error
	UpdateRemoteAccount(acc *domain.RemoteAccount) error
	ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount)
	ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount)
	ReadRemoteAccountByHandle(username, domain string) (error, *domain.RemoteAccount)
	DeleteRemoteAccount(id uuid.UUID) error

	CreateFollow(follow *domain.Follow) error
	ReadFollowByURI(uri string) (error, *domain.Follow)
	ReadFollowByPair(accountId, targetId uuid.UUID) (error, *domain.Follow)
	DeleteFollowByURI(uri string) error
	DeleteFollowByPair(accountId, targetId uuid.UUID) error
	AcceptFollowByURI(uri string) error
	DeleteFollowsByAccountId(id uuid.UUID) error
	ReadFollowersOfAccount(targetId uuid.UUID) (error, *[]domain.Follow)

	CreateNote(note *domain.Note) error
	ReadNoteById(id uuid.UUID) (error, *domain.Note)
	ReadNoteByURI(uri string) (error, *domain.Note)
	UpdateNoteContent(id uuid.UUID, message *string, sensitive bool, contentWarning string, editedAt time.Time) error
	MarkNoteDeleted(id uuid.UUID) error
	DeleteNote(id uuid.UUID) error
	IncrementRenoteCount(id uuid.UUID) error
	DecrementRenoteCount(id uuid.UUID) error

	CreateReaction(r *domain.Reaction) error
	ReadReaction(accountId, noteId uuid.UUID, reaction string) (error, *domain.Reaction)
	DeleteReaction(accountId, noteId uuid.UUID, reaction string) error
	DeleteReactionByNote(accountId, noteId uuid.UUID) error

	InsertReceivedActivity(rec *domain.ReceivedActivity) error
	DeleteReceivedBefore(cutoff time.Time) (int64, error)

	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteDelivery(id uuid.UUID) error
}

// ActorResolver materializes remote actors and objects. Implemented by
// *Resolver.
type ActorResolver interface {
	GetOrFetchActor(uri string) (*domain.RemoteAccount, error)
	ResolveActor(uri string, forceRefresh bool) (*domain.RemoteAccount, error)
	FetchObject(uri string) ([]byte, error)
	ProcessNote(raw []byte) (*domain.Note, error)
}

// Sender posts signed activities to remote inboxes. Implemented by
// *Deliverer.
type Sender interface {
	Deliver(activityJSON []byte, inboxURI, keyId, privateKeyPem string) bool
	DeliverAll(activityJSON []byte, recipients []*domain.RemoteAccount, keyId, privateKeyPem string) int
	Enqueue(activity map[string]interface{}, inboxURI, keyId string) error
}

// Notifier emits best-effort domain notifications. Failures surface
// only as Result warnings.
type Notifier interface {
	Notify(accountId uuid.UUID, message string) error
}

// LogNotifier logs notifications instead of delivering them. Stands in
// until a notification subsystem is attached.
type LogNotifier struct{}

func (LogNotifier) Notify(accountId uuid.UUID, message string) error {
	log.Infof("Notify %s: %s", accountId, message)
	return nil
}

// Env bundles the collaborators handlers consume. Handlers hold no
// state of their own, so a single Env is shared by every dispatch.
type Env struct {
	Store    Store
	Resolver ActorResolver
	Sender   Sender
	Notifier Notifier
	Conf     *util.AppConfig
}

// LocalActorURI builds the canonical URI of a local account.
func (e *Env) LocalActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", e.Conf.BaseURL(), username)
}

// LocalKeyId builds the signing key id of a local account.
func (e *Env) LocalKeyId(username string) string {
	return e.LocalActorURI(username) + "#main-key"
}

// NewActivityID mints a unique id for a locally created activity.
func (e *Env) NewActivityID() string {
	return fmt.Sprintf("%s/activities/%s", e.Conf.BaseURL(), uuid.New().String())
}

// requireActor resolves the activity's claimed sender. Handlers must
// call this before any mutation; failure is fatal to the activity.
func (e *Env) requireActor(activity *Activity) (*domain.RemoteAccount, error) {
	uri := activity.ActorURI()
	if uri == "" {
		return nil, fmt.Errorf("activity missing actor")
	}
	actor, err := e.Resolver.GetOrFetchActor(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve actor %s: %w", uri, err)
	}
	return actor, nil
}
