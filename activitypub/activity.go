package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Activity is a generic inbound ActivityPub activity. Actor, object
// and target are kept raw because remote servers send either a bare
// URI string or an embedded object; they are decoded exactly once via
// Ref().
type Activity struct {
	Context   interface{}     `json:"@context"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	RawActor  json.RawMessage `json:"actor"`
	RawObject json.RawMessage `json:"object"`
	RawTarget json.RawMessage `json:"target"`
	Published string          `json:"published"`
	RawTo     json.RawMessage `json:"to"`
	RawCC     json.RawMessage `json:"cc"`

	raw []byte
}

// ParseActivity decodes an inbound activity, keeping the raw bytes for
// type-specific re-parsing and replay fingerprinting.
func ParseActivity(body []byte) (*Activity, error) {
	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, fmt.Errorf("failed to parse activity: %w", err)
	}
	if activity.Type == "" {
		return nil, fmt.Errorf("activity missing type")
	}
	activity.raw = body
	return &activity, nil
}

// Raw returns the exact bytes the activity was parsed from.
func (a *Activity) Raw() []byte {
	return a.raw
}

// ActorURI returns the claimed sender as a canonical URI string.
func (a *Activity) ActorURI() string {
	return Ref(a.RawActor).URI
}

// Object returns the object reference.
func (a *Activity) Object() ObjectRef {
	return Ref(a.RawObject)
}

// Target returns the target reference.
func (a *Activity) Target() ObjectRef {
	return Ref(a.RawTarget)
}

// ObjectRef is the two-case union behind polymorphic actor/object/
// target fields: a bare URI, or an embedded object whose id becomes
// the URI. Embedded is nil in the bare-URI case.
type ObjectRef struct {
	URI      string
	Embedded json.RawMessage
}

// Ref decodes a raw actor/object/target field into an ObjectRef. This
// is the only place the string-vs-object shape is branched on.
func Ref(raw json.RawMessage) ObjectRef {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ObjectRef{}
	}
	switch trimmed[0] {
	case '"':
		var uri string
		if err := json.Unmarshal(trimmed, &uri); err != nil {
			return ObjectRef{}
		}
		return ObjectRef{URI: uri}
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return ObjectRef{}
		}
		return ObjectRef{URI: obj.ID, Embedded: trimmed}
	}
	return ObjectRef{}
}

// IsZero reports whether the reference was absent or undecodable.
func (r ObjectRef) IsZero() bool {
	return r.URI == "" && r.Embedded == nil
}

// EmbeddedType returns the type tag of an embedded object, or "".
func (r ObjectRef) EmbeddedType() string {
	if r.Embedded == nil {
		return ""
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(r.Embedded, &obj); err != nil {
		return ""
	}
	return obj.Type
}

// Result is the outcome of handling one activity. Warnings carry
// secondary-effect failures (notifications and the like) that are
// logged but never change the primary outcome.
type Result struct {
	Success  bool
	Message  string
	Err      error
	Warnings []string
}

func success(message string) Result {
	return Result{Success: true, Message: message}
}

func failure(message string, err error) Result {
	return Result{Success: false, Message: message, Err: err}
}

func (r Result) withWarning(warning string) Result {
	r.Warnings = append(r.Warnings, warning)
	return r
}
