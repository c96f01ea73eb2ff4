// Package protocol defines the wire contract of the kubescr coordinator:
// the JSON command envelope sent by clients and the bare string replies
// sent by the server. Neither direction is framed; each message is a single
// write on the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client actions, one per coordinator connection.
const (
	ActionPreDump       = "pre-dump"
	ActionPostDump      = "post-dump"
	ActionPreRestore    = "pre-restore"
	ActionPostRestore   = "post-restore"
	ActionNetworkLock   = "network-lock"
	ActionNetworkUnlock = "network-unlock"
	ActionPreStream     = "pre-stream"
	ActionPostStream    = "post-stream"

	// ActionAddDependencies is sent by the orchestrator (client id
	// OrchestratorID) to replace the server's stored dependency map.
	ActionAddDependencies = "add_dependencies"
	// ActionAddDependenciesAlias is the hyphenated spelling some clients
	// send; the server treats it as ActionAddDependencies.
	ActionAddDependenciesAlias = "add-dependencies"
)

// OrchestratorID is the reserved client id used when pushing the
// application dependency map.
const OrchestratorID = "kubescr"

// Server replies. Sent as raw UTF-8 bytes with no delimiter.
const (
	MessageAck              = "ACK"
	MessageSyn              = "SYN"
	MessageImgAck           = "IMG_ACK"
	MessageTimeout          = "timeout"
	MessageNotConnected     = "not connected"
	MessageCheckpointExists = "checkpoint is already created"
	MessageAlreadyConnected = "client already connected"
)

// DependencySeparator joins dependency ids in the string form of the
// envelope's dependencies field.
const DependencySeparator = ":"

// Envelope is the command sent as the entire payload of a coordinator
// connection. The dependencies field is polymorphic on the wire: an object
// mapping component to dependency list for the orchestrator's
// add_dependencies action, a colon-separated string for everything else.
type Envelope struct {
	ID     string
	Action string

	// Dependencies holds the string form, already split. Empty means the
	// client declared no dependencies and the server may fall back to its
	// stored map.
	Dependencies []string

	// DependencyMap holds the object form. Non-nil only for
	// add_dependencies envelopes.
	DependencyMap map[string][]string
}

type wireEnvelope struct {
	ID           string          `json:"id"`
	Action       string          `json:"action"`
	Dependencies json.RawMessage `json:"dependencies"`
}

// IsAddDependencies reports whether the envelope is an orchestrator
// dependency-map update, accepting both action spellings.
func (e Envelope) IsAddDependencies() bool {
	return e.ID == OrchestratorID &&
		(e.Action == ActionAddDependencies || e.Action == ActionAddDependenciesAlias)
}

// MarshalJSON encodes the dependencies field as an object when a
// DependencyMap is set and as a colon-separated string otherwise.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var deps any
	if e.DependencyMap != nil {
		deps = e.DependencyMap
	} else {
		deps = strings.Join(e.Dependencies, DependencySeparator)
	}
	raw, err := json.Marshal(deps)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: e.ID, Action: e.Action, Dependencies: raw})
}

// UnmarshalJSON accepts both forms of the dependencies field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Action = w.Action
	e.Dependencies = nil
	e.DependencyMap = nil

	if len(w.Dependencies) == 0 {
		return nil
	}
	switch w.Dependencies[0] {
	case '{':
		return json.Unmarshal(w.Dependencies, &e.DependencyMap)
	case '"':
		var s string
		if err := json.Unmarshal(w.Dependencies, &s); err != nil {
			return err
		}
		e.Dependencies = SplitDependencies(s)
		return nil
	default:
		return fmt.Errorf("dependencies is neither a string nor an object")
	}
}

// ParseEnvelope decodes a received payload.
func ParseEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	return e, nil
}

// SplitDependencies splits a colon-separated dependency list, dropping
// empty elements.
func SplitDependencies(s string) []string {
	if s == "" {
		return nil
	}
	var deps []string
	for _, dep := range strings.Split(s, DependencySeparator) {
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps
}

// ImageHeader announces one checkpoint image during the pre-stream
// exchange. The header is followed by exactly ImgSize raw bytes.
type ImageHeader struct {
	ImgName string `json:"img_name"`
	ImgSize int64  `json:"img_size"`
}
