// Package version implements the firmware/management compatibility gate.
// Every mutating operation consults this package before admitting a device:
// the management speaks to agents of its own major version, plus a
// one-major-version backward-compatibility window.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ManagementVersion is the protocol version this management service speaks.
const ManagementVersion = "6.0.0"

// backwardCompatMajors is how many older agent major versions the management
// still serves in backward-compatible mode.
const backwardCompatMajors = 1

const vppVerMaxLen = 16

var (
	semVerRe  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}(\.\d{1,3})?$`)
	fullVerRe = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}$`)
	vppVerRe  = regexp.MustCompile(`^\d{1,3}\.\d{1,3}(\.\d{1,3})?(-[A-Za-z0-9]+)?$`)
)

// IsSemVer reports whether s is a well-formed major.minor[.patch] version,
// each field 1-3 digits with no extra characters.
func IsSemVer(s string) bool {
	return semVerRe.MatchString(s)
}

// IsVppVersion reports whether s is a well-formed router (VPP) component
// version: semver optionally followed by a dash suffix, capped in length.
func IsVppVersion(s string) bool {
	if len(s) > vppVerMaxLen {
		return false
	}
	return vppVerRe.MatchString(s)
}

// Major returns the major component of a semver-like string, or an error if
// the string is not well formed.
func Major(s string) (int, error) {
	if !IsSemVer(s) {
		return 0, fmt.Errorf("malformed version %q", s)
	}
	major, err := strconv.Atoi(strings.SplitN(s, ".", 2)[0])
	if err != nil {
		return 0, fmt.Errorf("malformed version %q", s)
	}
	return major, nil
}

// ErrIncompatible is wrapped by CompareAgentVersion when the agent version is
// outside the supported window.
var ErrIncompatible = fmt.Errorf("incompatible agent version")

// CompareAgentVersion compares an agent's version against the management
// version. It returns 0 when the major versions are equal (fully compatible)
// and -1 when the management is newer by exactly the backward-compat window,
// meaning the management must operate in backward-compatible mode. Any other
// delta is an error wrapping ErrIncompatible; callers must reject the request
// rather than interpret a numeric result.
func CompareAgentVersion(agentVersion string) (int, error) {
	agentMajor, err := Major(agentVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	mgmtMajor, _ := Major(ManagementVersion)

	switch {
	case agentMajor == mgmtMajor:
		return 0, nil
	case mgmtMajor-agentMajor > 0 && mgmtMajor-agentMajor <= backwardCompatMajors:
		return -1, nil
	default:
		return 0, fmt.Errorf("%w: agent %s, management %s", ErrIncompatible, agentVersion, ManagementVersion)
	}
}

// Verdict is the structured result of an agent version check. It never
// panics or throws; callers map StatusCode straight to an HTTP-style status.
type Verdict struct {
	Valid      bool
	StatusCode int
	Err        string
}

// Error converts a failed verdict into an error carrying the status code.
// Returns nil for a valid verdict.
func (v Verdict) Error() error {
	if v.Valid {
		return nil
	}
	return &Error{StatusCode: v.StatusCode, Message: v.Err}
}

// Error is a version-gate failure with an HTTP-style status code. 403 is
// reserved for "agent too old, upgrade required"; 400 covers malformed,
// missing and too-new versions.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// VerifyAgentVersion checks a device-reported agent version against the
// management version and returns a structured verdict.
func VerifyAgentVersion(agentVersion string) Verdict {
	if agentVersion == "" {
		return Verdict{Valid: false, StatusCode: 400, Err: "Invalid device version: none"}
	}
	if !IsSemVer(agentVersion) {
		return Verdict{
			Valid:      false,
			StatusCode: 400,
			Err:        fmt.Sprintf("Invalid device version: %s", agentVersion),
		}
	}

	agentMajor, _ := Major(agentVersion)
	mgmtMajor, _ := Major(ManagementVersion)

	switch {
	case agentMajor > mgmtMajor:
		return Verdict{
			Valid:      false,
			StatusCode: 400,
			Err: fmt.Sprintf("Incompatible version: agent version: %s too high, management version: %s",
				agentVersion, ManagementVersion),
		}
	case mgmtMajor-agentMajor > backwardCompatMajors:
		return Verdict{
			Valid:      false,
			StatusCode: 403,
			Err: fmt.Sprintf("Incompatible version: agent version: %s too low, management version: %s",
				agentVersion, ManagementVersion),
		}
	default:
		return Verdict{Valid: true, StatusCode: 200, Err: ""}
	}
}

// IsVersionGreaterEquals reports whether a >= b, comparing major, minor and
// patch as integers in that order. The second return value is false when
// either input is not a strict three-part semver; callers must refuse the
// operation in that case and never treat the comparison as decided.
func IsVersionGreaterEquals(a, b string) (bool, bool) {
	av, ok := parseFull(a)
	if !ok {
		return false, false
	}
	bv, ok := parseFull(b)
	if !ok {
		return false, false
	}
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			return av[i] > bv[i], true
		}
	}
	return true, true
}

// RouterVersionsCompatible reports whether firmware version a is at least
// version b, field by field. Undetermined comparisons (malformed input)
// report false: the operation must be refused.
func RouterVersionsCompatible(a, b string) bool {
	ge, ok := IsVersionGreaterEquals(a, b)
	return ok && ge
}

func parseFull(s string) ([3]int, bool) {
	var out [3]int
	if !fullVerRe.MatchString(s) {
		return out, false
	}
	parts := strings.Split(s, ".")
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
