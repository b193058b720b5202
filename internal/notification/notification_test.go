// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package notification

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessage(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	msg := map[string]any{
		"id":    "5f3e-original-id",
		"topic": "origin/a/wis2/dwd-centre/data/core/weather/surface-observations/synop",
		"properties": map[string]any{
			"data_id": "dwd-centre/data/core/weather/synop/12345",
			"pubtime": "2026-07-30T12:00:00Z",
		},
		"links": []any{
			map[string]any{"rel": "canonical", "href": "https://example.org/data/12345.bufr4"},
		},
	}
	for k, v := range overrides {
		msg[k] = v
	}
	buf, err := json.Marshal(msg)
	require.NoError(t, err)
	return buf
}

func TestParseRequiresCoreFields(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "dwd-centre/data/core/weather/synop/12345", n.DataID)
	assert.True(t, n.DoCache)
}

func TestParseMissingDataID(t *testing.T) {
	_, err := Parse(sampleMessage(t, map[string]any{
		"properties": map[string]any{"pubtime": "2026-07-30T12:00:00Z"},
	}))
	require.Error(t, err)
	var mfe *MissingFieldError
	require.ErrorAs(t, err, &mfe)
	assert.Equal(t, "properties.data_id", mfe.Field)
}

func TestParseMissingLinks(t *testing.T) {
	_, err := Parse(sampleMessage(t, map[string]any{"links": []any{}}))
	require.Error(t, err)
	var mfe *MissingFieldError
	require.ErrorAs(t, err, &mfe)
}

func TestDoCacheRespectsExplicitFalse(t *testing.T) {
	n, err := Parse(sampleMessage(t, map[string]any{
		"properties": map[string]any{
			"data_id": "x/1",
			"pubtime": "2026-07-30T12:00:00Z",
			"cache":   false,
		},
	}))
	require.NoError(t, err)
	assert.False(t, n.DoCache)

	n, err = Parse(sampleMessage(t, map[string]any{
		"properties": map[string]any{
			"data_id": "x/1",
			"pubtime": "2026-07-30T12:00:00Z",
			"cache":   "false",
		},
	}))
	require.NoError(t, err)
	assert.False(t, n.DoCache)
}

func TestPubtimeStrictForm(t *testing.T) {
	epoch, err := parsePubTime("2026-07-30T12:00:00Z")
	require.NoError(t, err)
	assert.InDelta(t, 1785412800.0, epoch, 1)
}

func TestPubtimeColonFractionalForm(t *testing.T) {
	// A publisher emitting a fourth colon-delimited group instead of a
	// decimal point: "...:00:00:123456Z" -> "...:00:00.123Z".
	epoch, err := parsePubTime("2026-07-30T12:00:00:123456Z")
	require.NoError(t, err)
	want, err := parsePubTime("2026-07-30T12:00:00.123Z")
	require.NoError(t, err)
	assert.Equal(t, want, epoch)
}

func TestPubtimeDotFractionalFormTruncated(t *testing.T) {
	epoch, err := parsePubTime("2026-07-30T12:00:00.987654Z")
	require.NoError(t, err)
	want, err := parsePubTime("2026-07-30T12:00:00.987Z")
	require.NoError(t, err)
	assert.Equal(t, want, epoch)
}

func TestPubtimeUnparseable(t *testing.T) {
	_, err := parsePubTime("not-a-time")
	require.Error(t, err)
}

func TestSelectSourcePrefersUpdate(t *testing.T) {
	n, err := Parse(sampleMessage(t, map[string]any{
		"links": []any{
			map[string]any{"rel": "canonical", "href": "https://example.org/a/old.bufr4"},
			map[string]any{"rel": "update", "href": "https://example.org/a/new.bufr4"},
		},
	}))
	require.NoError(t, err)

	link, err := n.SelectSource()
	require.NoError(t, err)
	assert.Equal(t, "update", link.Rel)
	assert.Equal(t, "new.bufr4", n.Filename())
	assert.Equal(t, "example.org", n.Dataserver())
}

func TestSelectSourceNoUsableLink(t *testing.T) {
	n, err := Parse(sampleMessage(t, map[string]any{
		"links": []any{
			map[string]any{"rel": "item", "href": "https://example.org/a/x"},
		},
	}))
	require.NoError(t, err)

	_, err = n.SelectSource()
	assert.ErrorIs(t, err, ErrMissingSourceLink)
	assert.Equal(t, "unknown_dataserver", n.Dataserver())
}

func TestSelectSourceBadURL(t *testing.T) {
	n, err := Parse(sampleMessage(t, map[string]any{
		"links": []any{
			map[string]any{"rel": "canonical", "href": "not a url with no host"},
		},
	}))
	require.NoError(t, err)

	_, err = n.SelectSource()
	require.Error(t, err)
	var bad *BadSourceURLError
	require.ErrorAs(t, err, &bad)
}

func TestFormatDownstreamPassthroughKeepsLinks(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)

	body, topic, err := n.FormatDownstream(false, "")
	require.NoError(t, err)
	assert.Equal(t, "cache/a/wis2/dwd-centre/data/core/weather/surface-observations/synop", topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.NotEqual(t, "5f3e-original-id", decoded["id"])
	_, hasTopic := decoded["topic"]
	assert.False(t, hasTopic)

	links := decoded["links"].([]any)
	first := links[0].(map[string]any)
	assert.Equal(t, "https://example.org/data/12345.bufr4", first["href"])
}

func TestFormatDownstreamCachedRewritesLinks(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)

	body, _, err := n.FormatDownstream(true, "https://cache.example.org/data/12345.bufr4")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	links := decoded["links"].([]any)
	first := links[0].(map[string]any)
	assert.Equal(t, "https://cache.example.org/data/12345.bufr4", first["href"])
}

func TestMessageGroupIDStripsAndTruncates(t *testing.T) {
	assert.Equal(t, "abc123", MessageGroupID("abc-123"))

	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	got := MessageGroupID(long)
	assert.Len(t, got, 127)
}

func TestFormatErrorMergesErrorBlockUnderErrorTopic(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)

	body, topic, err := n.FormatError("integrity mismatch")
	require.NoError(t, err)
	assert.Equal(t, "error/a/wis2/dwd-centre/data/core/weather/surface-observations/synop", topic)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	errBlock := decoded["error"].(map[string]any)
	assert.Equal(t, "integrity mismatch", errBlock["msg"])
}

func TestCacheObjectKey(t *testing.T) {
	key := CacheObjectKey("origin/a/wis2/dwd-centre/data/core/synop", "12345.bufr4")
	assert.Equal(t, "data/dwd-centre/data/core/synop/12345.bufr4", key)
}

func TestCentreExtractsFourthTopicSegment(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "dwd-centre", n.Centre())
}

func TestCentreFallsBackWhenTopicTooShort(t *testing.T) {
	n := &Notification{Topic: "origin/a"}
	assert.Equal(t, "unknown_centre", n.Centre())
}

func TestHasUpdateLink(t *testing.T) {
	n, err := Parse(sampleMessage(t, nil))
	require.NoError(t, err)
	assert.False(t, n.HasUpdateLink(), "sample message only carries a canonical link")

	n, err = Parse(sampleMessage(t, map[string]any{
		"links": []any{
			map[string]any{"rel": "canonical", "href": "https://example.org/data/12345.bufr4"},
			map[string]any{"rel": "update", "href": "https://example.org/data/12345.bufr4"},
		},
	}))
	require.NoError(t, err)
	assert.True(t, n.HasUpdateLink())
}

func TestPeekIDsExtractsLinkHrefs(t *testing.T) {
	id, dataID, hrefs, err := PeekIDs(sampleMessage(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "5f3e-original-id", id)
	assert.Equal(t, "dwd-centre/data/core/weather/synop/12345", dataID)
	assert.Equal(t, []string{"https://example.org/data/12345.bufr4"}, hrefs)
}
