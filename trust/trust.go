// Package trust defines the closed set of verification levels a remote device can hold.
package trust

import "fmt"

type State int

const (
	Blacklisted          State = -100
	Unset                State = 0
	UnknownDevice        State = 10
	Forwarded            State = 20
	CrossSignedUntrusted State = 50
	CrossSignedTOFU      State = 100
	CrossSignedVerified  State = 200
	Verified             State = 300

	// Unknown stands in for any persisted value this version does not recognise. It never
	// satisfies a trust requirement.
	Unknown State = -1 << 31
)

var names = map[State]string{
	Blacklisted:          "blacklisted",
	Unset:                "unset",
	UnknownDevice:        "unknown-device",
	Forwarded:            "forwarded",
	CrossSignedUntrusted: "cross-signed-untrusted",
	CrossSignedTOFU:      "cross-signed-tofu",
	CrossSignedVerified:  "cross-signed-verified",
	Verified:             "verified",
}

// FromInt validates a persisted or wire value. Anything outside the known set maps to Unknown.
func FromInt(i int) State {
	s := State(i)
	if _, ok := names[s]; ok {
		return s
	}
	return Unknown
}

func Parse(name string) (State, error) {
	for s, n := range names {
		if n == name {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("trust: unknown state %q", name)
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Satisfies reports whether s meets the minimum level. Blacklisted and unknown states never do,
// even against a minimum of Unset.
func (s State) Satisfies(min State) bool {
	if s == Blacklisted || s == Unknown {
		return false
	}
	if _, ok := names[s]; !ok {
		return false
	}
	return s >= min
}
