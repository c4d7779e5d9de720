package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Tristate is a yes/no answer that can also be "not reported".
// The zero value is Unknown, which is never the same as No.
type Tristate int8

const (
	Unknown Tristate = iota
	Yes
	No
)

// String returns the canonical text form.
func (t Tristate) String() string {
	switch t {
	case Yes:
		return "yes"
	case No:
		return "no"
	default:
		return "unknown"
	}
}

// Known reports whether t carries an actual answer.
func (t Tristate) Known() bool { return t == Yes || t == No }

// TristateOf converts a bool into Yes or No.
func TristateOf(b bool) Tristate {
	if b {
		return Yes
	}
	return No
}

// ParseTristate accepts the canonical text forms written by String.
func ParseTristate(s string) (Tristate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return Yes, nil
	case "no":
		return No, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, eris.Errorf("model: invalid tristate %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tristate) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tristate) UnmarshalText(b []byte) error {
	v, err := ParseTristate(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DBValue maps the tristate onto a nullable integer column: 1, 0 or NULL.
func (t Tristate) DBValue() *int64 {
	var v int64
	switch t {
	case Yes:
		v = 1
	case No:
		v = 0
	default:
		return nil
	}
	return &v
}

// TristateFromDB is the inverse of DBValue.
func TristateFromDB(v *int64) Tristate {
	if v == nil {
		return Unknown
	}
	if *v != 0 {
		return Yes
	}
	return No
}
