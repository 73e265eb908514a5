package models

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// tempIdPrefix marks client-minted placeholder identifiers. They exist from the
// moment an entity is created offline until the server assigns a real id and the
// queue replay substitutes it everywhere.
const tempIdPrefix = "tmp-"

func NewTempId() string {
	return tempIdPrefix + uuid.NewString()
}

func IsTempId(id string) bool {
	return strings.HasPrefix(id, tempIdPrefix)
}

// EntityRef is an identifier that may still be in flight. Exactly one of the two
// fields is set. Code that builds server payloads must go through ServerId(), which
// refuses to leak a pending id into a server call.
type EntityRef struct {
	pending   string
	confirmed string
}

func PendingRef(clientId string) EntityRef {
	return EntityRef{pending: clientId}
}

func ConfirmedRef(serverId string) EntityRef {
	return EntityRef{confirmed: serverId}
}

// RefFor classifies a raw identifier by its shape.
func RefFor(id string) EntityRef {
	if IsTempId(id) {
		return PendingRef(id)
	}
	return ConfirmedRef(id)
}

func (r EntityRef) Pending() bool {
	return r.pending != ""
}

// ServerId returns the confirmed identifier, or ("", false) while the entity is
// still pending server assignment.
func (r EntityRef) ServerId() (string, bool) {
	if r.confirmed == "" {
		return "", false
	}
	return r.confirmed, true
}

// ClientId returns whichever identifier currently names the entity locally.
func (r EntityRef) ClientId() string {
	if r.pending != "" {
		return r.pending
	}
	return r.confirmed
}

// Resolve returns the confirmed form of a pending ref. Resolving an already
// confirmed ref is a no-op.
func (r EntityRef) Resolve(serverId string) EntityRef {
	if r.pending == "" {
		return r
	}
	return ConfirmedRef(serverId)
}

func (r EntityRef) MarshalJSON() ([]byte, error) {
	status := "confirmed"
	if r.Pending() {
		status = "pending"
	}
	return json.Marshal(map[string]string{"id": r.ClientId(), "status": status})
}
