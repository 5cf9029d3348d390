package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// semverParts is a parsed MAJOR.MINOR.PATCH version. Pre-release and build
// metadata are not used by agent definitions.
type semverParts struct {
	major, minor, patch int
}

func parseSemver(v string) (semverParts, error) {
	fields := strings.SplitN(strings.TrimPrefix(v, "v"), ".", 3)
	if len(fields) != 3 {
		return semverParts{}, fmt.Errorf("version %q is not MAJOR.MINOR.PATCH", v)
	}
	var parts [3]int
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return semverParts{}, fmt.Errorf("version %q has non-numeric component %q", v, f)
		}
		parts[i] = n
	}
	return semverParts{major: parts[0], minor: parts[1], patch: parts[2]}, nil
}

// compareSemver returns -1, 0, or 1 for a < b, a == b, a > b.
// Unparseable versions sort lowest.
func compareSemver(a, b string) int {
	pa, errA := parseSemver(a)
	pb, errB := parseSemver(b)
	if errA != nil || errB != nil {
		switch {
		case errA == nil:
			return 1
		case errB == nil:
			return -1
		default:
			return strings.Compare(a, b)
		}
	}
	if pa.major != pb.major {
		return sign(pa.major - pb.major)
	}
	if pa.minor != pb.minor {
		return sign(pa.minor - pb.minor)
	}
	return sign(pa.patch - pb.patch)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
