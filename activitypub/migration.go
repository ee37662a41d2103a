package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/charmbracelet/log"
)

// MigrationCooldown is the minimum gap between two Move attempts from
// the same account. A Move is allowed exactly at day 30.
const MigrationCooldown = 30 * 24 * time.Hour

// MigrationCheck is the answer to "may this account move right now".
type MigrationCheck struct {
	Allowed       bool
	DaysRemaining int
	Reason        string
}

// Migrator runs the Move sub-protocol for local accounts: alias
// bookkeeping, reverse-alias verification, cooldown enforcement and
// fan-out of the Move activity to followers.
type Migrator struct {
	env *Env
}

func NewMigrator(env *Env) *Migrator {
	return &Migrator{env: env}
}

// CanMigrate checks the cooldown and terminal-state guards. An account
// whose movedTo is set can never move again.
func (m *Migrator) CanMigrate(acc *domain.Account) MigrationCheck {
	if acc.Moved() {
		return MigrationCheck{Allowed: false, Reason: "account has already moved"}
	}
	if acc.MovedAt != nil {
		elapsed := time.Since(*acc.MovedAt)
		if elapsed < MigrationCooldown {
			remaining := MigrationCooldown - elapsed
			days := int(remaining / (24 * time.Hour))
			if remaining%(24*time.Hour) > 0 {
				days++
			}
			return MigrationCheck{
				Allowed:       false,
				DaysRemaining: days,
				Reason:        fmt.Sprintf("cooldown active, %d days remaining", days),
			}
		}
	}
	return MigrationCheck{Allowed: true}
}

// AddAlias appends a target URI to the account's alsoKnownAs after
// confirming the target actor exists. The reverse alias is not
// required at this stage.
func (m *Migrator) AddAlias(acc *domain.Account, targetURI string) error {
	if acc.HasAlias(targetURI) {
		return nil
	}
	if len(acc.AlsoKnownAs) >= domain.MaxAliases {
		return fmt.Errorf("alias limit of %d reached", domain.MaxAliases)
	}
	if targetURI == m.env.LocalActorURI(acc.Username) {
		return fmt.Errorf("cannot alias an account to itself")
	}

	if _, err := m.env.Resolver.ResolveActor(targetURI, false); err != nil {
		return fmt.Errorf("alias target could not be resolved: %w", err)
	}

	aliases := append(acc.AlsoKnownAs, targetURI)
	if err := m.env.Store.UpdateAccountAliases(acc.Id, aliases); err != nil {
		return fmt.Errorf("failed to store alias: %w", err)
	}
	acc.AlsoKnownAs = aliases
	return nil
}

// ValidateMigration verifies the cross-server consent proof: the
// target actor's own alsoKnownAs must list this account's canonical
// URI. The target is always fetched fresh so a stale cache cannot
// satisfy the check.
func (m *Migrator) ValidateMigration(acc *domain.Account, targetURI string) (*domain.RemoteAccount, error) {
	if check := m.CanMigrate(acc); !check.Allowed {
		return nil, errors.New(check.Reason)
	}

	target, err := m.env.Resolver.ResolveActor(targetURI, true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migration target: %w", err)
	}

	canonical := m.env.LocalActorURI(acc.Username)
	if !aliasListContains(target.AlsoKnownAs, canonical) {
		return nil, fmt.Errorf("target %s does not list %s as an alias", targetURI, canonical)
	}
	return target, nil
}

// Move executes the migration: marks the account moved, then fans the
// Move activity out to every follower inbox. Partial delivery failure
// does not roll the migration back; the returned count is
// observability only.
func (m *Migrator) Move(acc *domain.Account, targetURI string) (int, error) {
	target, err := m.ValidateMigration(acc, targetURI)
	if err != nil {
		return 0, err
	}

	movedAt := time.Now()
	if err := m.env.Store.UpdateAccountMoved(acc.Id, targetURI, movedAt); err != nil {
		return 0, fmt.Errorf("failed to mark account moved: %w", err)
	}
	acc.MovedTo = targetURI
	acc.MovedAt = &movedAt

	actorURI := m.env.LocalActorURI(acc.Username)
	move := NewMove(m.env.NewActivityID(), actorURI, target.ActorURI)
	moveJSON, err := json.Marshal(move)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal move activity: %w", err)
	}

	recipients, err := m.followerRecipients(acc)
	if err != nil {
		// The account is already moved; report delivery as degraded
		// rather than failing the migration.
		log.Warnf("Migration: failed to enumerate followers of %s: %v", acc.Username, err)
		return 0, nil
	}

	delivered := m.env.Sender.DeliverAll(moveJSON, recipients, m.env.LocalKeyId(acc.Username), acc.WebPrivateKey)
	log.Infof("Migration: %s moved to %s, notified %d follower inboxes", acc.Username, target.Handle(), delivered)
	return delivered, nil
}

// followerRecipients resolves the remote accounts following acc.
func (m *Migrator) followerRecipients(acc *domain.Account) ([]*domain.RemoteAccount, error) {
	err, follows := m.env.Store.ReadFollowersOfAccount(acc.Id)
	if err != nil {
		return nil, err
	}
	if follows == nil {
		return nil, nil
	}

	var recipients []*domain.RemoteAccount
	for _, follow := range *follows {
		err, remote := m.env.Store.ReadRemoteAccountById(follow.AccountId)
		if err != nil || remote == nil {
			continue
		}
		recipients = append(recipients, remote)
	}
	return recipients, nil
}
