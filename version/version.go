package version

import "github.com/jupyter-ark/arkgo/internal/version"

// AppVersion contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var AppVersion = version.AppVersion(GitTag, "$Format:%(describe)$", "$Format:%H$")
