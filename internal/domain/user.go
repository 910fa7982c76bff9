// Package domain contains entity meta-data without logic.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserNameLen = 36

var (
	ErrUserNameTooLong = errors.New("user name too long")
	ErrUserNameEmpty   = errors.New("user name empty")
)

type UserID string

// User is the participant identity shown to peers. UserName is what the
// active-speaker fan-out aligns against producer ids.
type User struct {
	ID       UserID `json:"id"`
	UserName string `json:"userName"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(userName string) (*User, error) {
	if err := validateUserName(userName); err != nil {
		return nil, err
	}
	return &User{ID: UserID(uuid.NewString()), UserName: userName}, nil
}

func (u *User) SetUserName(userName string) error {
	if err := validateUserName(userName); err != nil {
		return err
	}
	u.UserName = userName
	return nil
}

func validateUserName(userName string) error {
	if len(userName) == 0 {
		return ErrUserNameEmpty
	}
	if len(userName) > MaxUserNameLen {
		return ErrUserNameTooLong
	}
	return nil
}
