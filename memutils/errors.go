package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned from CheckPow2 and the alignment helpers when a value that must be a
// power of two is not
var PowerOfTwoError error = errors.New("number must be a power of two")
