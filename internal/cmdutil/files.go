package cmdutil

import "errors"

// UsageError marks an error as a usage/config error (exit=2 for user-facing CLIs).
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

// IsUsage reports whether err is a UsageError (directly or wrapped).
func IsUsage(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}
