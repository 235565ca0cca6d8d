package imapx

import (
	"errors"
	"fmt"
)

// AuthError indicates that authentication failed for an account's IMAP
// session. Transport-level failures use plain wrapped errors instead.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
