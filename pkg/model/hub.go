package model

import (
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const MaxAliasLength = 64

var ErrHubIDInvalid = errors.New("hub id must be positive")
var ErrAliasEmpty = errors.New("hub alias must not be empty")
var ErrAliasTooLong = errors.New("hub alias too long")
var ErrAliasInvalid = errors.New("hub alias must not contain control characters or the field delimiter")

// HubAccount is a registered hub as stored by the account store.
type HubAccount struct {
	HubID        int64     `json:"hub_id"`
	PasswordHash string    `json:"-"`
	Alias        string    `json:"alias"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateHubID rejects zero and negative ids.
func ValidateHubID(id int64) error {
	if id <= 0 {
		return ErrHubIDInvalid
	}
	return nil
}

// ValidateAlias checks a human readable hub alias.
func ValidateAlias(alias string) error {
	if strings.TrimSpace(alias) == "" {
		return ErrAliasEmpty
	}
	if utf8.RuneCountInString(alias) > MaxAliasLength {
		return ErrAliasTooLong
	}
	if strings.Contains(alias, "::") {
		return ErrAliasInvalid
	}
	for _, r := range alias {
		if unicode.IsControl(r) {
			return ErrAliasInvalid
		}
	}
	return nil
}
