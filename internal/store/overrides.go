package store

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override persisted configuration.
const (
	EnvUser   = "USER_NAME"
	EnvUUID   = "UUID"
	EnvPort   = "PORT"
	EnvDomain = "DOMAIN"
	EnvToken  = "TOKEN"
)

// Overrides holds explicitly supplied values. A nil field was not supplied
// and leaves the underlying value alone.
type Overrides struct {
	User   *string
	UUID   *string
	Port   *int
	Domain *string
	Token  *string
}

// LookupFunc has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvOverrides collects overrides from the environment. Empty variables
// count as unset.
func EnvOverrides(lookup LookupFunc) (Overrides, error) {
	var o Overrides
	str := func(key string) *string {
		if v, ok := lookup(key); ok && v != "" {
			return &v
		}
		return nil
	}

	o.User = str(EnvUser)
	o.UUID = str(EnvUUID)
	o.Domain = str(EnvDomain)
	o.Token = str(EnvToken)

	if v := str(EnvPort); v != nil {
		port, err := strconv.Atoi(*v)
		if err != nil || port < 0 || port > 65535 {
			return Overrides{}, fmt.Errorf("invalid %s=%q: must be 0-65535", EnvPort, *v)
		}
		// PORT=0 keeps asking for an automatic port, which is what an
		// absent variable does too.
		if port != 0 {
			o.Port = &port
		}
	}

	return o, nil
}

// EnvLookup returns a LookupFunc over the process environment layered on top
// of an optional dotenv file. Real environment variables win over the file.
func EnvLookup(envFile string) (LookupFunc, error) {
	if envFile == "" {
		return os.LookupEnv, nil
	}

	fileEnv, err := godotenv.Read(envFile)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", envFile, err)
	}

	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}, nil
}

// Merge applies overrides over the persisted record with precedence
// flag > environment > persisted.
func Merge(persisted Record, env, flags Overrides) Record {
	rec := persisted
	apply(&rec, env)
	apply(&rec, flags)
	return rec
}

func apply(rec *Record, o Overrides) {
	if o.User != nil {
		rec.User = *o.User
	}
	if o.UUID != nil {
		rec.UUID = *o.UUID
	}
	if o.Port != nil {
		rec.Port = *o.Port
	}
	if o.Domain != nil {
		rec.Domain = *o.Domain
	}
	if o.Token != nil {
		rec.Token = *o.Token
	}
}
