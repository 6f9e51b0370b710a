package util

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// UnparsedJSON stores a JSON payload verbatim, deferring parsing until the
// caller knows which concrete type it decodes into (used for GitHub webhook
// payloads, which vary by event type).
type UnparsedJSON string

// MarshalJSON returns the stored bytes as-is.
func (r UnparsedJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

// UnmarshalJSON stores b verbatim without validating it as JSON.
func (r *UnparsedJSON) UnmarshalJSON(b []byte) error {
	*r = UnparsedJSON(b)
	return nil
}

// UnmarshalYAML converts an incoming YAML node to its JSON equivalent, so
// config files can embed raw payloads alongside YAML structure.
func (r *UnparsedJSON) UnmarshalYAML(node *yaml.Node) error {
	var value any
	if err := node.Decode(&value); err != nil {
		return err
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.UnmarshalJSON(jsonData)
}
