package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxAliases caps the alsoKnownAs list on a local account.
const MaxAliases = 5

// Account is a local user, including the keypair it signs federation
// traffic with and its migration state.
type Account struct {
	Id            uuid.UUID
	Username      string
	CreatedAt     time.Time
	DisplayName   string
	Summary       string
	AvatarURL     string
	WebPublicKey  string
	WebPrivateKey string

	// Migration state. MovedTo is set exactly once; a non-empty value
	// makes the account terminal for outbound moves.
	AlsoKnownAs []string
	MovedTo     string
	MovedAt     *time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s)", acc.Id, acc.Username, acc.CreatedAt)
}

// Moved reports whether this account has completed a migration.
func (acc *Account) Moved() bool {
	return acc.MovedTo != ""
}

// HasAlias reports whether uri is listed in the account's alsoKnownAs.
func (acc *Account) HasAlias(uri string) bool {
	for _, a := range acc.AlsoKnownAs {
		if a == uri {
			return true
		}
	}
	return false
}
