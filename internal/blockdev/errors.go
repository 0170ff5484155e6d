// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockdev

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotAttached      = errors.New("device is not attached")
	ErrNotSupported     = errors.New("operation not supported")
	ErrNotOpen          = errors.New("device is not open")
	ErrReadOnly         = errors.New("device is read-only")
	ErrOutOfRange       = errors.New("request out of range")
)

// InvalidParameterError names a parameter which got a value it cannot accept
// and describes what it expects instead. It matches ErrInvalidParameter.
type InvalidParameterError struct {
	Name     string
	Expected string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("Parameter '%s' expects %s", e.Name, e.Expected)
}

func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}
