package version

//go:generate bash -c "printf 'package version\nvar GitTag = \"%s\"\n' \"$(git describe --tags --abbrev=0)\" > gittag.go"

// GitTag is overwritten by `go generate` at release time; this is the
// fallback used for local/dev builds.
var GitTag = "v0.0.0-dev"
