package config

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Each setter leaves *v alone when key is unset. A value that is set
// but does not parse is an error naming the variable.

func envString(key string, v *string) {
	if val, ok := os.LookupEnv(key); ok {
		*v = val
	}
}

func envInt(key string, v *int) error {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return envError(key, err)
	}
	*v = n
	return nil
}

func envUint(key string, v *uint64) error {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return envError(key, err)
	}
	*v = n
	return nil
}

func envBool(key string, v *bool) error {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return envError(key, err)
	}
	*v = b
	return nil
}

func envError(key string, err error) error {
	return errors.Mark(errors.Wrapf(err, "%s", key), ErrInvalid)
}
