// Package onboarding implements component C8: the zero-touch agent
// enrollment flow layered on top of package noiselogin's standard Noise XX
// handshake. It is grounded on
// original_source/bin/core/src/connection/server.rs's onboard_server_handler
// and CreationKeyValidator, with the JSON-document persistence side effects
// (building a peer record, optionally a paired builder record, appending
// to the onboarding key's "onboarded" list) following
// original_source/bin/core/src/api/write/onboarding_key.rs and
// server_onboarding_key.rs. There is no teacher analog (a mixnet client has
// no notion of zero-touch agent enrollment), so the control flow itself
// comes from original_source/ rather than the teacher; the surrounding
// idiom (exported Flow type mirroring noiselogin.Responder/Initiator,
// *wireerr.Error failures, *logging.Logger fields) matches the rest of this
// module.
package onboarding

import "regexp"

// resourceIDPattern matches a 24-character hex ObjectId, the resource-id
// shape spec §4.8's precondition excludes from onboarding ("the id must not
// parse as a valid resource-id (24-hex), to prevent accidental id
// collisions"), grounded on original_source/bin/core/src/connection/server.rs's
// `ObjectId::from_str(&server_query).is_err()` guard.
var resourceIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// LooksLikeResourceID reports whether s could be mistaken for a generated
// resource id, in which case onboarding under that name must be refused.
func LooksLikeResourceID(s string) bool {
	return resourceIDPattern.MatchString(s)
}
