// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notification

import (
	"errors"
	"fmt"
)

// MissingFieldError reports a required WIS2 notification field that was
// absent or empty after JSON decoding.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q missing in message", e.Field)
}

func missingField(name string) error {
	return &MissingFieldError{Field: name}
}

// BadPubtimeError reports a properties.pubtime value that could not be
// parsed under the strict or fractional-recovery forms (spec.md §3).
type BadPubtimeError struct {
	Value string
	Err   error
}

func (e *BadPubtimeError) Error() string {
	return fmt.Sprintf("pubtime %q could not be parsed: %v", e.Value, e.Err)
}

func (e *BadPubtimeError) Unwrap() error { return e.Err }

// ErrMissingSourceLink is returned by SelectSource when neither a
// canonical nor an update link is present. Pipeline disposition: silent
// skip (spec.md §4.7, §7), not an error publish.
var ErrMissingSourceLink = errors.New("notification has no canonical or update link")

// BadSourceURLError reports a selected link whose href does not parse
// into a usable URL with a host component.
type BadSourceURLError struct {
	Href   string
	Reason string
}

func (e *BadSourceURLError) Error() string {
	return fmt.Sprintf("bad source URL %q: %s", e.Href, e.Reason)
}
