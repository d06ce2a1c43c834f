package store

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenAndCompose(t *testing.T) {
	raw := json.RawMessage(`{"name":"Ana","role":"listener","joinedAt":1700000000000,"tags":["a","b"],"empty":{}}`)
	leaves, err := flatten("rooms/r1/participants/p1", raw)
	require.NoError(t, err)

	keys := make([]string, 0, len(leaves))
	for k := range leaves {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"rooms/r1/participants/p1/joinedAt",
		"rooms/r1/participants/p1/name",
		"rooms/r1/participants/p1/role",
		"rooms/r1/participants/p1/tags",
	}, keys)
	assert.JSONEq(t, `1700000000000`, string(leaves["rooms/r1/participants/p1/joinedAt"]))

	doc, ok, err := compose("rooms/r1/participants", leaves)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"p1":{"name":"Ana","role":"listener","joinedAt":1700000000000,"tags":["a","b"]}}`, string(doc))

	_, ok, err = compose("rooms/r2", leaves)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlanReplacesSubtreeAndAncestorLeaf(t *testing.T) {
	existing := []string{
		"rooms/r/status",
		"rooms/r/participants/p1/name",
		"rooms/r/participants/p1/emoji",
		"rooms/r/participants/p2/name",
	}
	del, set := plan(existing, []write{
		{Path: "rooms/r/participants/p1", Leaves: map[string]json.RawMessage{
			"rooms/r/participants/p1/name": json.RawMessage(`"B"`),
		}},
		{Path: "rooms/r/status/detail", Leaves: map[string]json.RawMessage{
			"rooms/r/status/detail": json.RawMessage(`1`),
		}},
	})
	sort.Strings(del)
	assert.Equal(t, []string{"rooms/r/participants/p1/emoji", "rooms/r/status"}, del)
	assert.Len(t, set, 2)
}

func TestChildKeys(t *testing.T) {
	keys := childKeys("rooms/r/webrtc/offers", []string{
		"rooms/r/webrtc/offers/b/offer/sdp",
		"rooms/r/webrtc/offers/a/from",
		"rooms/r/webrtc/offers/b/from",
		"rooms/r/webrtc/a/answer/sdp",
	})
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestCleanPath(t *testing.T) {
	p, err := cleanPath("/rooms//r1/status/")
	require.NoError(t, err)
	assert.Equal(t, "rooms/r1/status", p)

	_, err = cleanPath("/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
