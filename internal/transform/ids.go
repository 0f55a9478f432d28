package transform

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// objectID deterministically derives a Note's id from the chat event id that
// produced it, so re-translating the same event twice yields the same id
// (§8 "Idempotence").
func objectID(baseURL, chatEventID string) string {
	return strings.TrimRight(baseURL, "/") + "/objects/" + url.PathEscape(chatEventID)
}

// activityID derives a wrapping activity's id from its object id and type,
// using a short hash rather than a random or time-based suffix so it stays
// deterministic across repeated translations of the same event.
func activityID(baseURL, activityType, objID string) string {
	sum := sha256.Sum256([]byte(objID))
	short := base64.RawURLEncoding.EncodeToString(sum[:])[:12]
	return strings.TrimRight(baseURL, "/") + "/activities/" + strings.ToLower(activityType) + "-" + short
}

// dotless replaces the dots in a fed server name so it can be embedded as a
// single chat localpart segment, used by the ghost id scheme
// "@_ap_<user>_<dotless(server)>:<localDomain>".
func dotless(server string) string {
	return strings.ReplaceAll(server, ".", "-")
}

// ghostLocalpart builds the localpart half of a chat ghost id representing a
// non-local fed actor "<user>@<server>".
func ghostLocalpart(user, server string) string {
	return "_ap_" + user + "_" + dotless(server)
}
