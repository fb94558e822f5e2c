package models

import (
	"encoding/json"
	"errors"
)

// ErrorBody is the wire form of a failed command.
type ErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Response answers exactly one command frame.
type Response struct {
	Command  string          `json:"command"`
	ID       string          `json:"id,omitempty"`
	OK       bool            `json:"ok"`
	Warnings []string        `json:"warnings,omitempty"`
	Error    *ErrorBody      `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Succeed builds a successful response carrying data, which may be nil.
func Succeed(cmd Command, data any, warnings ...string) Response {
	resp := Response{Command: cmd.Tag(), ID: cmd.AppID(), OK: true, Warnings: warnings}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(cmd, &Error{Kind: KindInternal, Message: "encoding response", Cause: err})
		}
		resp.Data = raw
	}
	return resp
}

// Fail builds a failed response from err.
func Fail(cmd Command, err error, warnings ...string) Response {
	resp := Response{OK: false, Warnings: warnings, Error: errorBody(err)}
	if cmd != nil {
		resp.Command = cmd.Tag()
		resp.ID = cmd.AppID()
	}
	return resp
}

func errorBody(err error) *ErrorBody {
	var e *Error
	if errors.As(err, &e) {
		return &ErrorBody{Kind: e.Kind, Message: err.Error()}
	}
	return &ErrorBody{Kind: KindInternal, Message: err.Error()}
}

// IsResponseFrame reports whether a server frame is a command response
// rather than a telemetry sample.
func IsResponseFrame(data []byte) bool {
	var envelope struct {
		Command *string `json:"command"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return false
	}
	return envelope.Command != nil
}
