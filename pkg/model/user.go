package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const MaxNameLength = 64

var ErrNameEmpty = errors.New("name must not be empty")
var ErrNameTooLong = fmt.Errorf("name must not exceed %d characters", MaxNameLength)
var ErrNameInvalidChars = errors.New("name must contain only alphanumeric characters, underscores, hyphens, dots or @")
var ErrPasswordEmpty = errors.New("password must not be empty")

// UserAccount is a registered user as stored by the account store.
type UserAccount struct {
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	HubID        int64     `json:"hub_id"`
	Admin        bool      `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateName checks that a user name is 1-64 ASCII characters drawn from
// letters, digits, '_', '-', '.' and '@', so an e-mail address is accepted
// but the field delimiter is not.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && !strings.ContainsRune("_-.@", r) {
			return ErrNameInvalidChars
		}
	}
	return nil
}
