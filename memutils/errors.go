package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// NegativeSizeError is the error returned from RoundUpToPage and similar size helpers when handed a negative byte count
var NegativeSizeError error = errors.New("size must not be negative")
