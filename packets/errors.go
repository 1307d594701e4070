// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import "errors"

var (
	// ErrInvalidFlags indicates a fixed header flag bit was set to a value
	// other than the fixed value the spec requires for that packet type.
	ErrInvalidFlags = errors.New("invalid flags set for packet type")

	// ErrNoValidPacketID indicates a QoS 1 PUBLISH, SUBSCRIBE, or UNSUBSCRIBE
	// packet arrived without a non-zero packet identifier.
	ErrNoValidPacketID = errors.New("packet has no valid packet identifier")

	// ErrConnNotAuthorized is returned internally when a connect hook rejects a client.
	ErrConnNotAuthorized = errors.New("connection not authorized")
)

// Mods carries context that changes how Properties.Encode behaves: the
// negotiated maximum packet size (so oversize reason strings/user properties
// are dropped rather than exceeding it) and whether extended request/response
// and problem-information properties are allowed to be echoed back.
type Mods struct {
	MaxSize             uint32
	AllowResponseInfo   bool
	DisallowProblemInfo bool
}
