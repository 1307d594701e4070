// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"log/slog"

	"github.com/nimbus-mqtt/broker/system"
)

// ops is the bundle of server-owned collaborators every Client needs but
// shouldn't own itself: options, live stats, the hook chain, and the
// logger. Grouping them avoids threading four separate constructor
// arguments through every Client/Session helper.
type ops struct {
	options *Options
	info    *system.Info
	hooks   *Hooks
	log     *slog.Logger
}
