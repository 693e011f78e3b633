package version

import (
	"fmt"
	"runtime"
)

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// String is the line printed by the version command.
func String() string {
	return fmt.Sprintf("escape %s (%s %s/%s)", Build, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
