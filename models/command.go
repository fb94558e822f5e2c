package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command is a decoded operator request. The set of implementations is
// closed; lifecycle dispatch switches over all of them.
type Command interface {
	Tag() string
	AppID() string
	isCommand()
}

type Install struct {
	Record AppRecord `json:"record"`
}

type Edit struct {
	ID     string    `json:"id"`
	Record AppRecord `json:"record"`
}

type Uninstall struct {
	ID string `json:"id"`
}

type SetEnabled struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type Start struct {
	ID string `json:"id"`
}

type Stop struct {
	ID string `json:"id"`
}

type Restart struct {
	ID string `json:"id"`
}

// List returns every registered app.
type List struct{}

// Get returns one registered app.
type Get struct {
	ID string `json:"id"`
}

// Status returns the parsed service status of one app.
type Status struct {
	ID string `json:"id"`
}

// Services returns the parsed status of every unit in scope.
type Services struct{}

func (Install) Tag() string    { return "Install" }
func (Edit) Tag() string       { return "Edit" }
func (Uninstall) Tag() string  { return "Uninstall" }
func (SetEnabled) Tag() string { return "SetEnabled" }
func (Start) Tag() string      { return "Start" }
func (Stop) Tag() string       { return "Stop" }
func (Restart) Tag() string    { return "Restart" }
func (List) Tag() string       { return "List" }
func (Get) Tag() string        { return "Get" }
func (Status) Tag() string     { return "Status" }
func (Services) Tag() string   { return "Services" }

func (c Install) AppID() string {
	id, _ := c.Record.ID()
	return id
}

func (c Edit) AppID() string       { return c.ID }
func (c Uninstall) AppID() string  { return c.ID }
func (c SetEnabled) AppID() string { return c.ID }
func (c Start) AppID() string      { return c.ID }
func (c Stop) AppID() string       { return c.ID }
func (c Restart) AppID() string    { return c.ID }
func (List) AppID() string         { return "" }
func (c Get) AppID() string        { return c.ID }
func (c Status) AppID() string     { return c.ID }
func (Services) AppID() string     { return "" }

func (Install) isCommand()    {}
func (Edit) isCommand()       {}
func (Uninstall) isCommand()  {}
func (SetEnabled) isCommand() {}
func (Start) isCommand()      {}
func (Stop) isCommand()       {}
func (Restart) isCommand()    {}
func (List) isCommand()       {}
func (Get) isCommand()        {}
func (Status) isCommand()     {}
func (Services) isCommand()   {}

// DecodeCommand parses an externally tagged command frame such as
// {"Start":{"id":"acme/widget"}}. Payloads may also use the compact forms
// {"Start":"acme/widget"}, {"SetEnabled":["acme/widget",true]} and
// {"Edit":["acme/widget",{...}]}.
func DecodeCommand(data []byte) (Command, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ParseError("command frame is not a JSON object", err)
	}
	if len(envelope) != 1 {
		return nil, ParseError(fmt.Sprintf("command frame must have exactly one tag, got %d", len(envelope)), nil)
	}

	var tag string
	var payload json.RawMessage
	for k, v := range envelope {
		tag, payload = k, v
	}

	cmd, err := decodePayload(tag, payload)
	if err != nil {
		return nil, ParseError(fmt.Sprintf("invalid %s payload", tag), err)
	}
	return cmd, nil
}

func decodePayload(tag string, payload json.RawMessage) (Command, error) {
	switch tag {
	case "Install":
		var record AppRecord
		if isObject(payload) && hasKey(payload, "record") {
			var c Install
			if err := strictUnmarshal(payload, &c); err != nil {
				return nil, err
			}
			return c, nil
		}
		if err := strictUnmarshal(payload, &record); err != nil {
			return nil, err
		}
		return Install{Record: record}, nil

	case "Edit":
		if isArray(payload) {
			var pair []json.RawMessage
			if err := json.Unmarshal(payload, &pair); err != nil {
				return nil, err
			}
			if len(pair) != 2 {
				return nil, fmt.Errorf("expected [id, record]")
			}
			var c Edit
			if err := json.Unmarshal(pair[0], &c.ID); err != nil {
				return nil, err
			}
			if err := strictUnmarshal(pair[1], &c.Record); err != nil {
				return nil, err
			}
			return c, requireID(c.ID)
		}
		var c Edit
		if err := strictUnmarshal(payload, &c); err != nil {
			return nil, err
		}
		return c, requireID(c.ID)

	case "SetEnabled":
		if isArray(payload) {
			var pair []json.RawMessage
			if err := json.Unmarshal(payload, &pair); err != nil {
				return nil, err
			}
			if len(pair) != 2 {
				return nil, fmt.Errorf("expected [id, enabled]")
			}
			var c SetEnabled
			if err := json.Unmarshal(pair[0], &c.ID); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(pair[1], &c.Enabled); err != nil {
				return nil, err
			}
			return c, requireID(c.ID)
		}
		var c SetEnabled
		if err := strictUnmarshal(payload, &c); err != nil {
			return nil, err
		}
		return c, requireID(c.ID)

	case "Uninstall", "Start", "Stop", "Restart", "Get", "Status":
		id, err := decodeID(payload)
		if err != nil {
			return nil, err
		}
		switch tag {
		case "Uninstall":
			return Uninstall{ID: id}, nil
		case "Start":
			return Start{ID: id}, nil
		case "Stop":
			return Stop{ID: id}, nil
		case "Restart":
			return Restart{ID: id}, nil
		case "Get":
			return Get{ID: id}, nil
		default:
			return Status{ID: id}, nil
		}

	case "List":
		return List{}, nil

	case "Services":
		return Services{}, nil
	}

	return nil, fmt.Errorf("unknown command %q", tag)
}

func decodeID(payload json.RawMessage) (string, error) {
	var id string
	if isObject(payload) {
		var body struct {
			ID string `json:"id"`
		}
		if err := strictUnmarshal(payload, &body); err != nil {
			return "", err
		}
		id = body.ID
	} else if err := json.Unmarshal(payload, &id); err != nil {
		return "", err
	}
	return id, requireID(id)
}

func requireID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func isObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isArray(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func hasKey(data []byte, key string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	_, ok := fields[key]
	return ok
}

// EncodeCommand renders cmd in the tagged object form accepted by
// DecodeCommand.
func EncodeCommand(cmd Command) ([]byte, error) {
	var payload any = cmd
	switch c := cmd.(type) {
	case Install:
		payload = c.Record
	case List, Services:
		payload = struct{}{}
	}
	return json.Marshal(map[string]any{cmd.Tag(): payload})
}
