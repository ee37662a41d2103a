package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount is a cached federated user. Domain is never empty; a
// local account is never materialized as a RemoteAccount.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string // empty when the remote server announces none
	OutboxURI      string
	PublicKeyPem   string
	AvatarURL      string
	AlsoKnownAs    []string
	LastFetchedAt  time.Time
}

// BestInbox returns the shared inbox when the remote server announces
// one, otherwise the per-actor inbox. Fan-out dedupes on this value.
func (acc *RemoteAccount) BestInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// Handle returns the user@domain form.
func (acc *RemoteAccount) Handle() string {
	return acc.Username + "@" + acc.Domain
}

// Follow is a follow edge. AccountId follows TargetAccountId; either
// side can be a local or remote account id. The pair is unique.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID
	TargetAccountId uuid.UUID
	URI             string // Follow activity URI, empty for local-only follows
	CreatedAt       time.Time
	Accepted        bool
}

// DefaultReaction is recorded for a plain Like that carries no
// reaction content of its own.
const DefaultReaction = "❤"

// Reaction is one emoji reaction on a note. The
// (AccountId, NoteId, Reaction) triple is unique.
type Reaction struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	NoteId         uuid.UUID
	Reaction       string
	CustomEmojiURL string // set for :shortcode: style custom emoji
	URI            string // Like activity URI
	CreatedAt      time.Time
}

// ReceivedActivity is the replay-guard fingerprint of one accepted
// inbound activity. Rows are write-once and removed only by the
// retention sweep.
type ReceivedActivity struct {
	Id          uuid.UUID
	ActivityURI string
	ReceivedAt  time.Time
}

// DeliveryQueueItem is one pending outbound POST.
type DeliveryQueueItem struct {
	Id           uuid.UUID
	InboxURI     string
	ActivityJSON string
	KeyId        string
	Attempts     int
	NextRetryAt  time.Time
	CreatedAt    time.Time
}
