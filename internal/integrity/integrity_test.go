// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAcceptsBase64AndHex(t *testing.T) {
	data := []byte("synoptic observation payload")

	b64, err := Generate("sha256", data)
	require.NoError(t, err)
	assert.NoError(t, Verify("sha256", b64, data))

	sum := sha256.Sum256(data)
	assert.NoError(t, Verify("sha256", hex.EncodeToString(sum[:]), data))
}

func TestVerifyEveryAlgorithm(t *testing.T) {
	data := []byte("bufr4 content")
	for _, method := range []string{"sha256", "sha384", "sha512", "sha3-256", "sha3-384", "sha3-512"} {
		value, err := Generate(method, data)
		require.NoError(t, err, method)
		assert.NoError(t, Verify(method, value, data), method)
	}
}

func TestVerifyMismatch(t *testing.T) {
	data := []byte("bufr4 content")
	err := Verify("sha256", "not-the-right-digest", data)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestVerifyUnsupportedMethod(t *testing.T) {
	err := Verify("md5", "whatever", []byte("x"))
	var unsupported *UnsupportedMethodError
	require.ErrorAs(t, err, &unsupported)
}
