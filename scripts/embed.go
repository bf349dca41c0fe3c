// Package scripts embeds the Risor expansion scripts shipped with macrostep.
package scripts

import "embed"

// FS holds every .risor script under this directory.
//
//go:embed expand/*.risor
var FS embed.FS
