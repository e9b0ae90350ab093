// Package jsonx decodes low-trust JSON request bodies.
package jsonx

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes caps how much of a request body DecodeStrict reads.
const MaxBodyBytes = 1 << 20

var (
	ErrEmptyBody    = errors.New("empty body")
	ErrTrailingJSON = errors.New("trailing data")
	ErrBodyTooLarge = errors.New("body too large")
)

// DecodeStrict reads r's body and decodes exactly one JSON value into dst.
//
// Every returned error is a shape problem and maps to 400 Bad Request:
//   - malformed or truncated JSON
//   - empty body (ErrEmptyBody)
//   - body over MaxBodyBytes (ErrBodyTooLarge)
//   - more than one JSON value (ErrTrailingJSON)
//   - unknown fields, field type mismatches
//
// Required fields and business rules are the caller's job.
func DecodeStrict[T any](r *http.Request, dst *T) error {
	if r.Body == nil {
		return ErrEmptyBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > MaxBodyBytes {
		return ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}
