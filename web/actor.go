package web

import (
	"fmt"
	"time"

	"github.com/anancus/anancus/activitypub"
	"github.com/google/uuid"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

// ActorDoc builds the ActivityPub actor document for a local account.
func (s *Server) ActorDoc(actor string) (error, map[string]interface{}) {
	err, acc := s.store.ReadAccByUsername(actor)
	if err != nil || acc == nil {
		return fmt.Errorf("no such account: %s", actor), nil
	}

	username := acc.Username

	// Use DisplayName if available, otherwise use username
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = username
	}

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        s.getIRI(username, id),
		"type":                      "Person",
		"preferredUsername":         username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"inbox":                     s.getIRI(username, inbox),
		"outbox":                    s.getIRI(username, outbox),
		"followers":                 s.getIRI(username, followers),
		"following":                 s.getIRI(username, following),
		"url":                       s.getIRI(username, id),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]interface{}{
			"sharedInbox": s.getIRI(username, sharedInbox),
		},
		"publicKey": map[string]interface{}{
			"id":           s.getIRI(username, id) + "#main-key",
			"owner":        s.getIRI(username, id),
			"publicKeyPem": acc.WebPublicKey,
		},
	}

	// Migration state is part of the public actor document: peers read
	// alsoKnownAs for reverse-alias checks and movedTo after a Move.
	if len(acc.AlsoKnownAs) > 0 {
		doc["alsoKnownAs"] = acc.AlsoKnownAs
	}
	if acc.Moved() {
		doc["movedTo"] = acc.MovedTo
	}

	return nil, doc
}

// SystemActorDoc builds the server-level actor document used for
// authorized fetches.
func (s *Server) SystemActorDoc() map[string]interface{} {
	base := s.conf.BaseURL()
	return map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                s.system.ActorURI(),
		"type":              "Application",
		"preferredUsername": activitypub.SystemActorName,
		"inbox":             base + "/inbox",
		"outbox":            s.system.ActorURI() + "/outbox",
		"manuallyApprovesFollowers": true,
		"publicKey": map[string]interface{}{
			"id":           s.system.KeyId(),
			"owner":        s.system.ActorURI(),
			"publicKeyPem": s.system.PublicKeyPem(),
		},
	}
}

// NoteDoc builds the ActivityPub object for a local note. Deleted
// notes are served as Tombstones.
func (s *Server) NoteDoc(noteId uuid.UUID) (error, map[string]interface{}) {
	err, note := s.store.ReadNoteById(noteId)
	if err != nil || note == nil {
		return fmt.Errorf("no such note: %s", noteId), nil
	}

	noteURI := fmt.Sprintf("%s/notes/%s", s.conf.BaseURL(), note.Id)

	if note.Deleted {
		return nil, map[string]interface{}{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         noteURI,
			"type":       "Tombstone",
			"formerType": "Note",
		}
	}

	err, account := s.store.ReadAccById(note.UserId)
	if err != nil || account == nil {
		return fmt.Errorf("no local owner for note %s", noteId), nil
	}

	actorURI := s.getIRI(account.Username, id)
	message := ""
	if note.Message != nil {
		message = *note.Message
	}

	doc := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           noteURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      message,
		"published":    note.CreatedAt.Format(time.RFC3339),
		"to": []string{
			"https://www.w3.org/ns/activitystreams#Public",
		},
		"cc": []string{
			s.getIRI(account.Username, followers),
		},
	}

	if note.EditedAt != nil {
		doc["updated"] = note.EditedAt.Format(time.RFC3339)
	}
	if note.Sensitive {
		doc["sensitive"] = true
		doc["summary"] = note.ContentWarning
	}
	if note.InReplyToURI != "" {
		doc["inReplyTo"] = note.InReplyToURI
	}

	return nil, doc
}

func (s *Server) getIRI(username string, action action) string {
	prefix := fmt.Sprintf("%s/users/%s", s.conf.BaseURL(), username)
	switch action {
	case inbox:
		return fmt.Sprintf("%s/inbox", prefix)
	case outbox:
		return fmt.Sprintf("%s/outbox", prefix)
	case followers:
		return fmt.Sprintf("%s/followers", prefix)
	case following:
		return fmt.Sprintf("%s/following", prefix)
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("%s/inbox", s.conf.BaseURL())
	default:
		return ""
	}
}
