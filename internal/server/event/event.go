// Package event defines the immutable change events of the log: the closed
// set of actions, the payload carried by each action, and the codecs used
// for storage and export.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/regstate/internal/common"
)

// Action is the kind of change an event records.
type Action string

const (
	ActionAdd         Action = "ADD"
	ActionModify      Action = "MODIFY"
	ActionDelete      Action = "DELETE"
	ActionConfirm     Action = "CONFIRM"
	ActionBulkConfirm Action = "BULKCONFIRM"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAdd, ActionModify, ActionDelete, ActionConfirm, ActionBulkConfirm:
		return a, nil
	default:
		return "", common.Invalid("action", "unknown action %q", s)
	}
}

// Mutating reports whether applying the action changes attribute data or
// lifecycle state beyond a confirmation timestamp.
func (a Action) Mutating() bool {
	return a == ActionAdd || a == ActionModify || a == ActionDelete
}

// Event is one record of the append-only log. ID is assigned by the store.
type Event struct {
	ID          int64     `json:"eventid"`
	Timestamp   time.Time `json:"timestamp"`
	Catalogue   string    `json:"catalogue"`
	Entity      string    `json:"entity"`
	Version     string    `json:"version"`
	Action      Action    `json:"action"`
	Source      string    `json:"source"`
	SourceID    string    `json:"source_id"`
	Tid         string    `json:"tid"`
	Application string    `json:"application"`

	// Contents is the JSON payload; its shape depends on Action.
	Contents json.RawMessage `json:"contents"`
}

// Partition returns the processing partition of the event.
func (e *Event) Partition() common.Partition {
	return common.Partition{Catalogue: e.Catalogue, Entity: e.Entity, Source: e.Source}
}

// Modification is one changed attribute of a MODIFY event.
type Modification struct {
	Key      string `json:"key"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// AddPayload carries the full record, bookkeeping fields included.
type AddPayload struct {
	Entity map[string]any `json:"entity"`
}

// ModifyPayload carries only the changed attributes and the new hash.
type ModifyPayload struct {
	Tid           string         `json:"_tid"`
	Hash          string         `json:"_hash"`
	Modifications []Modification `json:"modifications"`
}

// DeletePayload names the deleted row.
type DeletePayload struct {
	Tid string `json:"_tid"`
}

// ConfirmPayload names the confirmed row.
type ConfirmPayload struct {
	Tid string `json:"_tid"`
}

// Confirm is one entry of a BULKCONFIRM. LastEvent is the row's last event
// at compare time; rows changed since are not confirmed.
type Confirm struct {
	SourceID  string `json:"_source_id"`
	LastEvent int64  `json:"_last_event"`
}

// BulkConfirmPayload batches confirmations.
type BulkConfirmPayload struct {
	Confirms []Confirm `json:"confirms"`
}

// New builds an event with the payload encoded into Contents.
func New(h Header, action Action, sourceID, tid string, payload any) (*Event, error) {
	contents, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return &Event{
		Timestamp:   h.Timestamp,
		Catalogue:   h.Catalogue,
		Entity:      h.Entity,
		Version:     h.Version,
		Action:      action,
		Source:      h.Source,
		SourceID:    sourceID,
		Tid:         tid,
		Application: h.Application,
		Contents:    contents,
	}, nil
}

// Header holds the fields shared by all events of one delivery.
type Header struct {
	Timestamp   time.Time
	Catalogue   string
	Entity      string
	Version     string
	Source      string
	Application string
}

// Payload decodes Contents into the variant matching Action: *AddPayload,
// *ModifyPayload, *DeletePayload, *ConfirmPayload or *BulkConfirmPayload.
func (e *Event) Payload() (any, error) {
	var target any
	switch e.Action {
	case ActionAdd:
		target = &AddPayload{}
	case ActionModify:
		target = &ModifyPayload{}
	case ActionDelete:
		target = &DeletePayload{}
	case ActionConfirm:
		target = &ConfirmPayload{}
	case ActionBulkConfirm:
		target = &BulkConfirmPayload{}
	default:
		return nil, common.Invalid("action", "unknown action %q", e.Action)
	}
	if err := json.Unmarshal(e.Contents, target); err != nil {
		return nil, fmt.Errorf("decode %s payload of event %d: %w", e.Action, e.ID, err)
	}
	return target, nil
}
