package config

import "errors"

// ErrInvalidOptions is returned by Validate when a configuration value is
// out of its documented range or conflicts with another option.
var ErrInvalidOptions = errors.New("invalid options")
