package points

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Input limits.
const (
	MaxTaskTitle       = 200
	MaxTaskDescription = 1000
	MinTaskPoints      = 1
	MaxTaskPoints      = 1000

	MaxGroupName        = 100
	MaxGroupDescription = 500

	MaxItemTitle       = 200
	MaxItemDescription = 1000
	MaxItemCost        = 999999

	MaxInviteCodeInput = 20
	InviteCodeLength   = 6
)

func requireText(field, value string, max int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n == 0 {
		return &ValidationError{Field: field, Message: "required"}
	}
	if n > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}

func optionalText(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}

func requireRange(field string, v, min, max int64) error {
	if v < min || v > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
	}
	return nil
}

// NormalizeInviteCode trims and upper-cases user input.
func NormalizeInviteCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return "", &ValidationError{Field: "inviteCode", Message: "required"}
	}
	if len(code) > MaxInviteCodeInput {
		return "", &ValidationError{Field: "inviteCode", Message: fmt.Sprintf("must be at most %d characters", MaxInviteCodeInput)}
	}
	return code, nil
}
