// Package utils provides small shared helpers used across dpcnode, in the
// spirit of a single context-wrapping helper rather than a bespoke error
// type per package.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
