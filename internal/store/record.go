package store

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/edvin/argonode/internal/fileutil"
)

// DefaultUser is the identity label used when none was ever supplied.
const DefaultUser = "521"

// ErrTokenNeedsDomain is returned when a tunnel token is configured without
// the fixed domain it routes to. A named tunnel prints no hostname, so there
// is nothing to build the node list from.
var ErrTokenNeedsDomain = errors.New("a tunnel token requires a fixed domain (--domain or DOMAIN)")

var validate = validator.New()

// Record is the persisted configuration. It is the single source of truth
// across invocations.
type Record struct {
	// User is the identity label used in node names.
	User string `yaml:"user" validate:"required,max=64"`
	// UUID is the secret-id clients authenticate with.
	UUID string `yaml:"uuid" validate:"required,uuid"`
	// Port is the loopback port the proxy listens on. Zero means "pick one".
	Port int `yaml:"port" validate:"min=0,max=65535"`
	// Domain is a fixed public hostname. Empty means the tunnel's assigned
	// hostname is used instead.
	Domain string `yaml:"domain,omitempty" validate:"omitempty,fqdn"`
	// Token selects a named tunnel. Empty means an ephemeral tunnel.
	Token string `yaml:"token,omitempty"`
}

// Ephemeral reports whether the public hostname must be discovered from the
// tunnel log.
func (r Record) Ephemeral() bool {
	return r.Domain == ""
}

// Load reads the record at path. A missing file yields an empty record.
func Load(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, nil
		}
		return Record{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return rec, nil
}

// Save writes rec to path atomically. The file holds the tunnel token, so it
// is only readable by the owner.
func Save(path string, rec Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fileutil.WriteAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// Validate checks field formats and cross-field rules.
func Validate(rec Record) error {
	if err := validate.Struct(rec); err != nil {
		return fmt.Errorf("config record: %w", err)
	}
	if rec.Token != "" && rec.Domain == "" {
		return ErrTokenNeedsDomain
	}
	return nil
}

// Generators supplies fresh values for fields that have never been set.
type Generators struct {
	NewID    func() string
	FreePort func() (int, error)
}

// EnsureDefaults fills empty fields with generated defaults and reports
// whether anything was generated. Once persisted, generated values are
// stable: a non-empty field is never regenerated.
func EnsureDefaults(rec Record, gen Generators) (Record, bool, error) {
	changed := false
	if rec.User == "" {
		rec.User = DefaultUser
		changed = true
	}
	if rec.UUID == "" {
		rec.UUID = gen.NewID()
		changed = true
	}
	if rec.Port == 0 {
		port, err := gen.FreePort()
		if err != nil {
			return rec, changed, err
		}
		rec.Port = port
		changed = true
	}
	return rec, changed, nil
}
