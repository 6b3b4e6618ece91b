package version

import (
	"fmt"
)

// 0–9 become '0'–'9', 10 and up become 'A', 'B', ...
func versionToChar(v int) rune {
	switch {
	case v >= 0 && v < 10:
		return rune('0' + v)
	case v >= 10 && v < 36:
		return rune('A' + (v - 10))
	default:
		panic(fmt.Sprintf("version number %d out of range for fingerprint", v))
	}
}

// Builds the 8 character Azureus-style peer ID prefix, as in BEP 20. GenerateFingerprint("LT", 2,
// 1, 0, 0) is "-LT2100-".
func GenerateFingerprint(name string, major, minor, revision, tag int) string {
	if len(name) < 2 {
		name = "--"
	}
	return fmt.Sprintf("-%c%c%c%c%c%c-",
		name[0],
		name[1],
		versionToChar(major),
		versionToChar(minor),
		versionToChar(revision),
		versionToChar(tag),
	)
}
