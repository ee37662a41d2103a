package activitypub

import (
	"crypto/rsa"
	"database/sql"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// SystemActorName is the reserved username of the server's own actor.
// It cannot collide with real users because dots are not allowed in
// local usernames.
const SystemActorName = "anancus.system"

// SystemAccount is the server's own signing identity. It acts as the
// HTTP client identity for authorized fetches and server-level
// activities such as Move notifications.
type SystemAccount struct {
	acc  *domain.Account
	conf *util.AppConfig
}

// EnsureSystemAccount loads the system account, creating it with a
// fresh keypair on first start.
func EnsureSystemAccount(store Store, conf *util.AppConfig) (*SystemAccount, error) {
	err, acc := store.ReadAccByUsername(SystemActorName)
	if err == nil && acc != nil {
		return &SystemAccount{acc: acc, conf: conf}, nil
	}
	if err != nil && err != sql.ErrNoRows {
		log.Debugf("System account lookup: %v", err)
	}

	keypair := util.GeneratePemKeypair()
	acc = &domain.Account{
		Id:            uuid.New(),
		Username:      SystemActorName,
		CreatedAt:     time.Now(),
		DisplayName:   util.Name,
		Summary:       "Server actor",
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
	}
	if err := store.CreateAccount(acc); err != nil {
		// Another instance of the process may have created it first.
		if err2, existing := store.ReadAccByUsername(SystemActorName); err2 == nil && existing != nil {
			return &SystemAccount{acc: existing, conf: conf}, nil
		}
		return nil, fmt.Errorf("failed to create system account: %w", err)
	}

	log.Infof("Created system account %s", SystemActorName)
	return &SystemAccount{acc: acc, conf: conf}, nil
}

// ActorURI is the server-level actor document location.
func (s *SystemAccount) ActorURI() string {
	return fmt.Sprintf("%s/actor", s.conf.BaseURL())
}

// KeyId identifies the system key in outbound signatures.
func (s *SystemAccount) KeyId() string {
	return s.ActorURI() + "#main-key"
}

func (s *SystemAccount) PublicKeyPem() string {
	return s.acc.WebPublicKey
}

func (s *SystemAccount) PrivateKeyPem() string {
	return s.acc.WebPrivateKey
}

// PrivateKey parses the stored PEM into a usable signing key.
func (s *SystemAccount) PrivateKey() (*rsa.PrivateKey, error) {
	return ParsePrivateKey(s.acc.WebPrivateKey)
}

// Account exposes the backing row, used when the system actor itself
// holds federation-only follows.
func (s *SystemAccount) Account() *domain.Account {
	return s.acc
}
