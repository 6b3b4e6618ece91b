// Package version provides the identification we present to peers.
package version

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

var (
	// The 'v' value of our extended handshake.
	DefaultExtendedHandshakeClientVersion string
	// This should be updated when client behaviour changes in a way that other peers could care
	// about.
	DefaultBep20Prefix = GenerateFingerprint("SW", 0, 1, 0, 0)
)

func init() {
	type newtype struct{}
	thisPkg := reflect.TypeOf(newtype{}).PkgPath()
	var (
		mainPath     = "unknown"
		mainVersion  = "unknown"
		swarmVersion = "unknown"
	)
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		mainPath = buildInfo.Main.Path
		mainVersion = buildInfo.Main.Version
		thisModule := ""
		// If the main module is this module, the version is "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if strings.HasPrefix(thisPkg, dep.Path) && len(dep.Path) >= len(thisModule) {
				thisModule = dep.Path
				swarmVersion = dep.Version
			}
		}
	}
	DefaultExtendedHandshakeClientVersion = fmt.Sprintf("%v %v (anacrolix/swarm %v)", mainPath, mainVersion, swarmVersion)
}
