// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package notification implements the WIS2 notification record: parsing
// an inbound message into a typed, validated structure, selecting the
// link a fetch should use, and formatting the message that gets
// republished once the pipeline has decided an outcome for it.
package notification

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Link is one entry of a notification's "links" array.
type Link struct {
	Rel  string
	Href string
	Type string
}

// IntegrityBlock is the properties.integrity object, when present.
type IntegrityBlock struct {
	Method string
	Value  string
}

// ContentBlock is the properties.content object, when present, used for
// notifications that inline their payload instead of pointing at a link.
type ContentBlock struct {
	Value    string
	Encoding string
	Size     int64
}

// Notification is the parsed, typed view of a WIS2 notification message.
// All pipeline decisions read these fields; the underlying JSON document
// is retained only so FormatDownstream can republish a faithful copy of
// whatever properties the pipeline never needed to understand.
type Notification struct {
	ID           string
	Topic        string
	DataID       string
	PubTime      string
	PubTimeEpoch float64
	Links        []Link
	Integrity    *IntegrityBlock
	Content      *ContentBlock
	DoCache      bool

	raw map[string]any

	sourceResolved bool
	sourceLink     Link
	sourceErr      error
	dataserver     string
	filename       string
}

// Parse decodes and validates a raw WIS2 notification payload. It checks
// every field the pipeline depends on (spec.md §3 required fields) and
// resolves properties.pubtime to a Unix epoch, recovering from the
// nonstandard fractional-seconds form some publishers emit.
func Parse(data []byte) (*Notification, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid notification JSON: %w", err)
	}

	n := &Notification{raw: raw}

	id, ok := raw["id"].(string)
	if !ok || id == "" {
		return nil, missingField("id")
	}
	n.ID = id

	topic, ok := raw["topic"].(string)
	if !ok || topic == "" {
		return nil, missingField("topic")
	}
	n.Topic = topic

	props, _ := raw["properties"].(map[string]any)

	dataID, ok := stringProp(props, "data_id")
	if !ok || dataID == "" {
		return nil, missingField("properties.data_id")
	}
	n.DataID = dataID

	pubtime, ok := stringProp(props, "pubtime")
	if !ok || pubtime == "" {
		return nil, missingField("properties.pubtime")
	}
	n.PubTime = pubtime

	epoch, err := parsePubTime(pubtime)
	if err != nil {
		return nil, &BadPubtimeError{Value: pubtime, Err: err}
	}
	n.PubTimeEpoch = epoch

	linksRaw, ok := raw["links"].([]any)
	if !ok || len(linksRaw) == 0 {
		return nil, missingField("links")
	}
	links := make([]Link, 0, len(linksRaw))
	for _, lr := range linksRaw {
		lm, ok := lr.(map[string]any)
		if !ok {
			continue
		}
		l := Link{}
		l.Rel, _ = lm["rel"].(string)
		l.Href, _ = lm["href"].(string)
		l.Type, _ = lm["type"].(string)
		links = append(links, l)
	}
	n.Links = links

	if ib, ok := props["integrity"].(map[string]any); ok {
		method, _ := ib["method"].(string)
		value, _ := ib["value"].(string)
		n.Integrity = &IntegrityBlock{Method: method, Value: value}
	}

	if cb, ok := props["content"].(map[string]any); ok {
		value, _ := cb["value"].(string)
		encoding, _ := cb["encoding"].(string)
		var size int64
		switch sz := cb["size"].(type) {
		case float64:
			size = int64(sz)
		case string:
			if parsed, err := strconv.ParseInt(sz, 10, 64); err == nil {
				size = parsed
			}
		}
		n.Content = &ContentBlock{Value: value, Encoding: encoding, Size: size}
	}

	n.DoCache = deriveDoCache(props)

	return n, nil
}

// PeekIDs extracts the id, data_id and link hrefs from a raw payload,
// without the full validation Parse performs. Ingress uses id/dataID to
// derive a work queue's message_group_id and to recognize MQTT
// redeliveries of a message it has already enqueued, and hrefs to drop
// the cache's own republished notifications before they loop back
// through the pipeline as if they were new origin notifications — all
// cheap enough to run on every inbound message before the pipeline
// proper ever sees it.
func PeekIDs(raw []byte) (id, dataID string, hrefs []string, err error) {
	var doc struct {
		ID         string `json:"id"`
		Properties struct {
			DataID string `json:"data_id"`
		} `json:"properties"`
		Links []struct {
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", "", nil, fmt.Errorf("invalid notification JSON: %w", err)
	}
	for _, l := range doc.Links {
		hrefs = append(hrefs, l.Href)
	}
	return doc.ID, doc.Properties.DataID, hrefs, nil
}

func stringProp(props map[string]any, key string) (string, bool) {
	if props == nil {
		return "", false
	}
	v, ok := props[key].(string)
	return v, ok
}

// deriveDoCache mirrors check_cache: absent or non-false values mean the
// notification should be cached; an explicit boolean false or the string
// "false" opt out.
func deriveDoCache(props map[string]any) bool {
	if props == nil {
		return true
	}
	v, ok := props["cache"]
	if !ok || v == nil {
		return true
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return !strings.EqualFold(t, "false")
	default:
		return true
	}
}

const pubtimeLayout = "2006-01-02T15:04:05Z"

// parsePubTime accepts the strict form (no sub-second field) first, then
// recovers from a malformed fourth ":NNN" group (some publishers use a
// colon instead of a decimal point for sub-second precision) and
// truncates any sub-second field longer than three digits before
// retrying.
func parsePubTime(s string) (float64, error) {
	if !strings.Contains(s, ".") {
		if t, err := time.Parse(pubtimeLayout, s); err == nil {
			return epochSeconds(t), nil
		}
	}

	working := s
	if strings.Count(working, ":") == 3 {
		idx := strings.LastIndex(working, ":")
		working = working[:idx] + "." + working[idx+1:]
	}

	dotIdx := strings.Index(working, ".")
	if dotIdx < 0 {
		return 0, fmt.Errorf("no fractional-seconds separator found")
	}
	datePart := working[:dotIdx]
	fracPart := working[dotIdx+1:]
	if len(fracPart) > 4 {
		fracPart = fracPart[:3] + "Z"
	}
	rebuilt := datePart + "." + fracPart

	t, err := time.Parse(pubtimeLayout, rebuilt)
	if err != nil {
		return 0, err
	}
	return epochSeconds(t), nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// SelectSource resolves the link a fetch should use: an "update" link
// takes priority over "canonical" (spec.md §4.2); the result is cached
// after the first call since a notification's links never change.
func (n *Notification) SelectSource() (Link, error) {
	if n.sourceResolved {
		return n.sourceLink, n.sourceErr
	}
	n.sourceResolved = true

	var canonical, update *Link
	for i := range n.Links {
		switch n.Links[i].Rel {
		case "update":
			if update == nil {
				update = &n.Links[i]
			}
		case "canonical":
			if canonical == nil {
				canonical = &n.Links[i]
			}
		}
	}

	chosen := update
	if chosen == nil {
		chosen = canonical
	}
	if chosen == nil {
		n.sourceErr = ErrMissingSourceLink
		return Link{}, n.sourceErr
	}

	href := strings.TrimSpace(chosen.Href)
	if href == "" {
		n.sourceErr = &BadSourceURLError{Href: chosen.Href, Reason: "empty href"}
		return Link{}, n.sourceErr
	}

	u, err := url.Parse(href)
	if err != nil {
		n.sourceErr = &BadSourceURLError{Href: chosen.Href, Reason: err.Error()}
		return Link{}, n.sourceErr
	}
	if u.Host == "" {
		n.sourceErr = &BadSourceURLError{Href: chosen.Href, Reason: "missing host"}
		return Link{}, n.sourceErr
	}

	n.dataserver = u.Host
	n.filename = filenameFromPath(u.Path)
	n.sourceLink = *chosen
	return n.sourceLink, nil
}

func filenameFromPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "unknown"
	}
	segs := strings.Split(p, "/")
	name := segs[len(segs)-1]
	if name == "" {
		return "unknown"
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return name
}

// Dataserver returns the host of the selected source link, or
// "unknown_dataserver" if SelectSource has not yet succeeded. Metric
// labels fall back to this value exactly as the legacy handler did.
func (n *Notification) Dataserver() string {
	if n.dataserver == "" {
		return "unknown_dataserver"
	}
	return n.dataserver
}

// Filename returns the basename derived from the selected source link.
func (n *Notification) Filename() string {
	if n.filename == "" {
		return "unknown"
	}
	return n.filename
}

// HasUpdateLink reports whether the notification carries a link with
// rel "update", the signal the reference consumer's is_unique requires
// before treating a strictly-newer pubtime as novel for a data_id that
// has already been cached.
func (n *Notification) HasUpdateLink() bool {
	for _, l := range n.Links {
		if l.Rel == "update" {
			return true
		}
	}
	return false
}

// Centre returns the centre id, the topic's fourth path segment
// (origin/a/wis2/<centre>/...), or "unknown_centre" if the topic is too
// short to contain one.
func (n *Notification) Centre() string {
	segs := strings.Split(n.Topic, "/")
	if len(segs) < 4 || segs[3] == "" {
		return "unknown_centre"
	}
	return segs[3]
}

// SetIntegrityBlock records a computed integrity method/value both on
// the typed field (for pipeline decisions) and in the underlying
// document (so FormatDownstream republishes it).
func (n *Notification) SetIntegrityBlock(method, value string) {
	n.Integrity = &IntegrityBlock{Method: method, Value: value}
	props, ok := n.raw["properties"].(map[string]any)
	if !ok {
		props = map[string]any{}
	}
	props["integrity"] = map[string]any{"method": method, "value": value}
	n.raw["properties"] = props
}

// FormatDownstream produces the JSON body and topic to republish once a
// disposition has been reached. When cached is true, canonical/update
// link hrefs are rewritten to cacheURL (spec.md §4.9); otherwise the
// message passes through with only its id replaced and its "topic"
// field (redundant with the MQTT topic) dropped, mirroring
// format_cache_msg.
func (n *Notification) FormatDownstream(cached bool, cacheURL string) ([]byte, string, error) {
	clone, err := deepCopyMap(n.raw)
	if err != nil {
		return nil, "", fmt.Errorf("cloning notification for republish: %w", err)
	}

	clone["id"] = uuid.New().String()
	delete(clone, "topic")

	if cached {
		if links, ok := clone["links"].([]any); ok {
			for _, l := range links {
				lm, ok := l.(map[string]any)
				if !ok {
					continue
				}
				rel, _ := lm["rel"].(string)
				if rel == "canonical" || rel == "update" {
					lm["href"] = cacheURL
				}
			}
		}
	}

	body, err := json.Marshal(clone)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling republished notification: %w", err)
	}
	return body, RewriteTopic(n.Topic), nil
}

func deepCopyMap(m map[string]any) (map[string]any, error) {
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RewriteTopic replaces an "origin/..." topic's leading segment with
// "cache", the downstream republish topic for every disposition.
func RewriteTopic(topic string) string {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) == 2 && parts[0] == "origin" {
		return "cache/" + parts[1]
	}
	return topic
}

// FormatError produces the JSON body and topic for an error republish:
// the original document with an "error" block merged in, under an
// "error/..." topic, mirroring the reference consumer's batch item
// failure reporting.
func (n *Notification) FormatError(reason string) ([]byte, string, error) {
	clone, err := deepCopyMap(n.raw)
	if err != nil {
		return nil, "", fmt.Errorf("cloning notification for error republish: %w", err)
	}
	delete(clone, "topic")
	clone["error"] = map[string]any{"msg": reason}

	body, err := json.Marshal(clone)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling error notification: %w", err)
	}
	return body, errorTopic(n.Topic), nil
}

func errorTopic(topic string) string {
	parts := strings.SplitN(topic, "/", 2)
	if len(parts) == 2 {
		return "error/" + parts[1]
	}
	return "error"
}

var nonWordRe = regexp.MustCompile(`\W+`)

// MessageGroupID derives the ordering/serialization key used by the
// ingress work queue from a notification's data_id: non-word characters
// are stripped and the result truncated to its last 127 characters
// (spec.md §5).
func MessageGroupID(dataID string) string {
	cleaned := nonWordRe.ReplaceAllString(dataID, "")
	r := []rune(cleaned)
	if len(r) > 127 {
		r = r[len(r)-127:]
	}
	return string(r)
}

// CacheObjectKey derives the deterministic storage key for a
// notification's cached object: "data/<topic after .../wis2/>/<filename>".
func CacheObjectKey(topic, filename string) string {
	rest := topic
	if idx := strings.Index(topic, "wis2/"); idx >= 0 {
		rest = topic[idx+len("wis2/"):]
	}
	return path.Join("data", rest, filename)
}
