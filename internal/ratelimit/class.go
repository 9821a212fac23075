package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Class is the endpoint class a request is limited under: one of the closed
// set of known classes, or a custom path pattern supplied by a policy.
type Class struct {
	kind    string
	pattern string
}

const customKind = "custom"

// The closed set of endpoint classes.
var (
	Login          = Class{kind: "login"}
	APIKeyCreation = Class{kind: "api_key_creation"}
	UserManagement = Class{kind: "user_management"}
	GeneralAPI     = Class{kind: "general_api"}
)

// Custom builds a class matching paths by pattern. A trailing '*' matches
// any suffix; otherwise the pattern matches the path exactly.
func Custom(pattern string) Class {
	return Class{kind: customKind, pattern: strings.TrimSpace(pattern)}
}

// IsCustom reports whether this is a custom-pattern class.
func (c Class) IsCustom() bool { return c.kind == customKind }

// Pattern returns the path pattern of a custom class.
func (c Class) Pattern() string { return c.pattern }

// Matches reports whether a request path falls under a custom pattern.
func (c Class) Matches(path string) bool {
	if c.kind != customKind || c.pattern == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(c.pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == c.pattern
}

func (c Class) String() string {
	if c.kind == customKind {
		return customKind + ":" + c.pattern
	}
	return c.kind
}

// ParseClass is the inverse of String.
func ParseClass(s string) (Class, error) {
	s = strings.TrimSpace(s)
	if pattern, ok := strings.CutPrefix(s, customKind+":"); ok {
		if strings.TrimSpace(pattern) == "" {
			return Class{}, fmt.Errorf("%w: custom class needs a pattern", ErrInvalidInput)
		}
		return Custom(pattern), nil
	}
	switch s {
	case Login.kind:
		return Login, nil
	case APIKeyCreation.kind:
		return APIKeyCreation, nil
	case UserManagement.kind:
		return UserManagement, nil
	case GeneralAPI.kind:
		return GeneralAPI, nil
	}
	return Class{}, fmt.Errorf("%w: unknown endpoint class %q", ErrInvalidInput, s)
}

func (c Class) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *Class) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClass(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
