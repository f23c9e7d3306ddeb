package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Sentinel categories for panel failures. Call sites match with errors.Is;
// the concrete *Error carries status and detail.
var (
	ErrUnreachable       = errors.New("panel unreachable")
	ErrTimeout           = errors.New("panel request timed out")
	ErrInvalidCredential = errors.New("invalid panel credential")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrRequestFailed     = errors.New("panel request failed")
)

type Error struct {
	kind   error
	Status int
	Detail string
}

func (e *Error) Error() string {
	msg := e.kind.Error()
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.kind }

func newError(kind error, status int, detail string) *Error {
	return &Error{kind: kind, Status: status, Detail: detail}
}

// classifyTransport maps a failed round trip (no HTTP response at all) onto
// the taxonomy: timeouts stay timeouts, everything else counts as the panel
// being unreachable (refused connection, dead DNS, closed socket).
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, 0, err.Error())
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return newError(ErrTimeout, 0, err.Error())
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return newError(ErrTimeout, 0, err.Error())
	}
	return newError(ErrUnreachable, 0, err.Error())
}

// classifyStatus maps a non-2xx HTTP response onto the taxonomy. 422 bodies
// get their structured validation errors flattened into one readable detail
// string, since those are the most actionable diagnostic the panel offers.
func classifyStatus(status int, body []byte) *Error {
	switch status {
	case 401, 403:
		return newError(ErrInvalidCredential, status, "")
	case 404:
		return newError(ErrNotFound, status, "")
	case 422:
		return newError(ErrValidation, status, flattenValidationErrors(body))
	default:
		detail := strings.TrimSpace(string(body))
		if len(detail) > 512 {
			detail = detail[:512]
		}
		return newError(ErrRequestFailed, status, detail)
	}
}

// flattenValidationErrors joins the panel's structured 422 payload into one
// human-readable message. Two shapes occur in the wild: an array of
// {detail: "..."} objects and a map of field name to message list.
func flattenValidationErrors(body []byte) string {
	var asArray struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &asArray); err == nil && len(asArray.Errors) > 0 {
		parts := make([]string, 0, len(asArray.Errors))
		for i, raw := range asArray.Errors {
			var item struct {
				Detail string `json:"detail"`
			}
			if err := json.Unmarshal(raw, &item); err == nil && item.Detail != "" {
				parts = append(parts, item.Detail)
				continue
			}
			parts = append(parts, fmt.Sprintf("error %d: %s", i+1, string(raw)))
		}
		return strings.Join(parts, "; ")
	}

	var asMap struct {
		Errors map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &asMap); err == nil && len(asMap.Errors) > 0 {
		fields := make([]string, 0, len(asMap.Errors))
		for field := range asMap.Errors {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			raw := asMap.Errors[field]
			var msgs []string
			if err := json.Unmarshal(raw, &msgs); err == nil {
				parts = append(parts, field+": "+strings.Join(msgs, ", "))
				continue
			}
			var msg string
			if err := json.Unmarshal(raw, &msg); err == nil {
				parts = append(parts, field+": "+msg)
				continue
			}
			parts = append(parts, field+": "+string(raw))
		}
		return strings.Join(parts, "; ")
	}

	return "invalid data provided"
}
