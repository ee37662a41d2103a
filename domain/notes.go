package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note is a local or remote post. A boost is a Note with a nil Message
// and RenoteId pointing at the boosted row; its ObjectURI is the
// Announce activity id.
type Note struct {
	Id        uuid.UUID
	UserId    uuid.UUID
	Message   *string
	CreatedAt time.Time
	EditedAt  *time.Time

	ObjectURI      string // empty for local notes not yet federated; unique once set
	InReplyToURI   string
	RenoteId       *uuid.UUID
	RenoteCount    int
	Sensitive      bool
	ContentWarning string
	Deleted        bool // tombstone, row is kept
}

// IsRenote reports whether this row is a boost.
func (note *Note) IsRenote() bool {
	return note.RenoteId != nil
}

func (note *Note) ToString() string {
	msg := ""
	if note.Message != nil {
		msg = *note.Message
	}
	return fmt.Sprintf("\n\tId: %s \n\tUserId: %s \n\tMessage: %s \n\tCreatedAt: %s)", note.Id, note.UserId, msg, note.CreatedAt)
}
