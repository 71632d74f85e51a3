// Package version reports the build of the hosorelay and hosoctl binaries.
//
// Release builds set the variables below with -ldflags:
//
//	go build -ldflags "-X github.com/NicolasHaas/hosorelay/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/hosorelay/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/hosorelay/pkg/version.date=2026-01-01" ./cmd/...
package version

import "log/slog"

var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String is the short form: the tag, else the commit, else "dev".
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	}
	return "dev"
}

// Full adds the commit and build date to String when they are known.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	}
	return "dev"
}

// Banner is the -version output of a binary, e.g. "hosorelay v1.0.0 (abc1234) built 2026-01-01".
func Banner(binary string) string {
	return binary + " " + Full()
}

// Attr groups the build fields for the relay's startup record.
func Attr() slog.Attr {
	return slog.Group("build",
		slog.String("version", String()),
		slog.String("commit", commit),
		slog.String("date", date),
	)
}
