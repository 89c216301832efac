package models

import (
	"fmt"
	"strings"
)

// PermissionLevel is a totally ordered capability tier.
type PermissionLevel int

// Permission levels, lowest to highest.
const (
	ReadOnly PermissionLevel = iota
	Isolated
	UserDataWithConfirmation
	UserData
	System
	Unrestricted
)

var permissionNames = map[PermissionLevel]string{
	ReadOnly:                 "read_only",
	Isolated:                 "isolated",
	UserDataWithConfirmation: "user_data_with_confirmation",
	UserData:                 "user_data",
	System:                   "system",
	Unrestricted:             "unrestricted",
}

// String returns the snake_case name of the level.
func (p PermissionLevel) String() string {
	if name, ok := permissionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("permission(%d)", int(p))
}

// Allows reports whether a holder of p may perform an operation requiring required.
func (p PermissionLevel) Allows(required PermissionLevel) bool {
	return required <= p
}

// ParsePermissionLevel parses a level name (case-insensitive, '-' or '_').
func ParsePermissionLevel(s string) (PermissionLevel, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for level, name := range permissionNames {
		if name == normalized {
			return level, nil
		}
	}
	return ReadOnly, fmt.Errorf("unknown permission level %q", s)
}

// MarshalYAML renders the level by name.
func (p PermissionLevel) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// UnmarshalYAML accepts a level name.
func (p *PermissionLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	level, err := ParsePermissionLevel(s)
	if err != nil {
		return err
	}
	*p = level
	return nil
}
