// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package integrity verifies a downloaded object against a
// notification's declared integrity block, and generates one when a
// notification omits it but the pipeline still wants a cached object to
// carry a checksum downstream.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// DefaultMethod is the algorithm the pipeline passes to Generate when a
// notification's properties.integrity block is absent.
const DefaultMethod = "sha512"

// UnsupportedMethodError reports an integrity method this package does
// not implement.
type UnsupportedMethodError struct {
	Method string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("unsupported integrity method %q", e.Method)
}

// MismatchError reports a digest that does not match the declared value
// in either base64 or hex encoding.
type MismatchError struct {
	Method   string
	Declared string
	Computed string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: method %s declared %s computed %s", e.Method, e.Declared, e.Computed)
}

func newHash(method string) (hash.Hash, error) {
	switch method {
	case "sha256":
		return sha256.New(), nil
	case "sha384":
		return sha512.New384(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha3-256":
		return sha3.New256(), nil
	case "sha3-384":
		return sha3.New384(), nil
	case "sha3-512":
		return sha3.New512(), nil
	default:
		return nil, &UnsupportedMethodError{Method: method}
	}
}

// Verify checks data against the given method/declared-value pair. The
// declared value is accepted whether it is base64- or hex-encoded,
// matching publishers that emit either form for the same algorithm.
func Verify(method, declared string, data []byte) error {
	h, err := newHash(method)
	if err != nil {
		return err
	}
	h.Write(data)
	sum := h.Sum(nil)

	b64 := base64.StdEncoding.EncodeToString(sum)
	hx := hex.EncodeToString(sum)

	if declared == b64 || declared == hx {
		return nil
	}
	return &MismatchError{Method: method, Declared: declared, Computed: b64}
}

// Generate computes the value half of a method/value pair for data: the
// digest under method, base64-encoded as the declared integrity values
// above already accept.
func Generate(method string, data []byte) (value string, err error) {
	h, err := newHash(method)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
