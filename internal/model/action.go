package model

import (
	"encoding/json"
)

// ActionKind names an outbound CRM mutation.
type ActionKind string

const (
	ActionSendMessage       ActionKind = "send_message"
	ActionAddTag            ActionKind = "add_tag"
	ActionRemoveTag         ActionKind = "remove_tag"
	ActionUpdateCustomField ActionKind = "update_custom_field"
	ActionTriggerWorkflow   ActionKind = "trigger_workflow"
)

// Action is a closed set of CRM mutations. Only the types in this file
// implement it; consumers switch over the concrete types.
type Action interface {
	Kind() ActionKind
	action()
}

// SendMessage delivers a message to the contact on a channel.
type SendMessage struct {
	Message string  `json:"message"`
	Channel Channel `json:"channel"`
}

// AddTag adds one tag without touching the others.
type AddTag struct {
	Tag string `json:"tag"`
}

// RemoveTag removes one tag. Failures are treated as compliance-critical.
type RemoveTag struct {
	Tag string `json:"tag"`
}

// UpdateCustomField sets a custom field. Field is either an opaque field id or
// a semantic field key such as "contact.appointment_time".
type UpdateCustomField struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// TriggerWorkflow enrolls the contact in a CRM workflow.
type TriggerWorkflow struct {
	WorkflowID string `json:"workflow_id"`
}

func (SendMessage) Kind() ActionKind       { return ActionSendMessage }
func (AddTag) Kind() ActionKind            { return ActionAddTag }
func (RemoveTag) Kind() ActionKind         { return ActionRemoveTag }
func (UpdateCustomField) Kind() ActionKind { return ActionUpdateCustomField }
func (TriggerWorkflow) Kind() ActionKind   { return ActionTriggerWorkflow }

func (SendMessage) action()       {}
func (AddTag) action()            {}
func (RemoveTag) action()         {}
func (UpdateCustomField) action() {}
func (TriggerWorkflow) action()   {}

// Actions is an ordered action list that serializes with a "type" discriminator.
type Actions []Action

// MarshalJSON implements json.Marshaler.
func (as Actions) MarshalJSON() ([]byte, error) {
	out := make([]map[string]any, 0, len(as))
	for _, a := range as {
		m := map[string]any{"type": a.Kind()}
		switch v := a.(type) {
		case SendMessage:
			m["message"] = v.Message
			m["channel"] = v.Channel
		case AddTag:
			m["tag"] = v.Tag
		case RemoveTag:
			m["tag"] = v.Tag
		case UpdateCustomField:
			m["field"] = v.Field
			m["value"] = v.Value
		case TriggerWorkflow:
			m["workflow_id"] = v.WorkflowID
		}
		out = append(out, m)
	}
	return json.Marshal(out)
}

// Tags returns the tags added by the list, in order.
func (as Actions) Tags() []string {
	var tags []string
	for _, a := range as {
		if t, ok := a.(AddTag); ok {
			tags = append(tags, t.Tag)
		}
	}
	return tags
}
