// Package settings provides typed, schema-validated access to per-guild
// configuration on top of the cache layer.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/skadic/guildcore/internal/cache"
	"github.com/skadic/guildcore/internal/database"
)

// Namespace under which settings are persisted.
const Namespace = "settings"

// maxValueLength caps serialized setting values. Oversized writes are a
// caller error, never truncated.
const maxValueLength = 1100

var (
	// ErrUnknownSetting is returned for names absent from the schema.
	ErrUnknownSetting = errors.New("unknown setting")

	// ErrInvalidSettingValue is returned when a value fails schema
	// validation; the prior value is left untouched.
	ErrInvalidSettingValue = errors.New("invalid setting value")
)

// Kind enumerates the value types a setting may hold.
type Kind string

const (
	KindBool       Kind = "bool"
	KindInt        Kind = "int"
	KindString     Kind = "string"
	KindStringList Kind = "string_list"
)

// Spec describes one schema entry: the value type, the default returned
// before any write, and an optional allowed set for string values.
type Spec struct {
	Kind    Kind
	Default Value
	Allowed []string
}

// Schema is the static setting schema, keyed by setting name. It is
// supplied by the configuration source at startup.
type Schema map[string]Spec

// Value is the small tagged union a setting holds. Exactly one field is
// meaningful, selected by Kind.
type Value struct {
	Kind       Kind     `json:"kind"`
	Bool       bool     `json:"bool,omitempty"`
	Int        int64    `json:"int,omitempty"`
	String     string   `json:"string,omitempty"`
	StringList []string `json:"string_list,omitempty"`
}

func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func StringValue(v string) Value { return Value{Kind: KindString, String: v} }
func ListValue(v []string) Value { return Value{Kind: KindStringList, StringList: v} }

// DefaultSchema returns the built-in guild schema: command prefix,
// moderation filter toggles, sleep state, event messages, channel
// bindings and language.
func DefaultSchema() Schema {
	return Schema{
		"prefix":       {Kind: KindString, Default: StringValue("!")},
		"filterwords":  {Kind: KindBool, Default: BoolValue(false)},
		"filterspam":   {Kind: KindBool, Default: BoolValue(false)},
		"filterinvite": {Kind: KindBool, Default: BoolValue(false)},
		"sleeping":     {Kind: KindBool, Default: BoolValue(false)},
		"welcomemsg":   {Kind: KindString, Default: StringValue("")},
		"kickmsg":      {Kind: KindString, Default: StringValue("")},
		"banmsg":       {Kind: KindString, Default: StringValue("")},
		"leavemsg":     {Kind: KindString, Default: StringValue("")},
		"logchannel":   {Kind: KindString, Default: StringValue("")},
		"dchan":        {Kind: KindString, Default: StringValue("")},
		"lang": {
			Kind:    KindString,
			Default: StringValue("en"),
			Allowed: []string{"en", "de", "es", "fr", "it", "pt", "sl"},
		},
		"selfroles": {Kind: KindStringList, Default: ListValue(nil)},
	}
}

// Service exposes typed accessors over the cache layer for per-guild
// settings. Unknown names are rejected; values are validated against the
// schema before any write.
type Service struct {
	logger *slog.Logger
	cache  *cache.Cache
	schema Schema
}

// NewService creates a settings service with the given schema.
func NewService(c *cache.Cache, schema Schema, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if schema == nil {
		schema = DefaultSchema()
	}
	return &Service{
		logger: logger.With("component", "settings"),
		cache:  c,
		schema: schema,
	}
}

func key(guildID, name string) database.Key {
	return database.Key{GuildID: guildID, Namespace: Namespace, Key: name}
}

// Get returns the current value of a setting, falling back to the schema
// default when the guild has never written it.
func (s *Service) Get(ctx context.Context, guildID, name string) (Value, error) {
	spec, ok := s.schema[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}

	raw, err := s.cache.Get(ctx, key(guildID, name))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return spec.Default, nil
		}
		return Value{}, err
	}

	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		s.logger.WarnContext(ctx, "Corrupt setting value, using default",
			"guild_id", guildID, "setting", name, "error", err)
		return spec.Default, nil
	}
	return v, nil
}

// Set validates the value against the schema and writes it. An invalid
// value fails with ErrInvalidSettingValue and leaves the prior value
// untouched.
func (s *Service) Set(ctx context.Context, guildID, name string, v Value) error {
	spec, ok := s.schema[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	if err := validate(spec, v); err != nil {
		return err
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s: %w", name, err)
	}
	if len(raw) > maxValueLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidSettingValue, name, maxValueLength)
	}

	return s.cache.Set(ctx, key(guildID, name), raw)
}

// Reset removes the guild's value for a setting so subsequent reads
// return the schema default. The cache entry is dropped along with the
// stored record, never served stale.
func (s *Service) Reset(ctx context.Context, guildID, name string) error {
	if _, ok := s.schema[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	return s.cache.Delete(ctx, key(guildID, name))
}

// Bool reads a boolean setting.
func (s *Service) Bool(ctx context.Context, guildID, name string) (bool, error) {
	v, err := s.getKind(ctx, guildID, name, KindBool)
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}

// Int reads an integer setting.
func (s *Service) Int(ctx context.Context, guildID, name string) (int64, error) {
	v, err := s.getKind(ctx, guildID, name, KindInt)
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

// String reads a string setting.
func (s *Service) String(ctx context.Context, guildID, name string) (string, error) {
	v, err := s.getKind(ctx, guildID, name, KindString)
	if err != nil {
		return "", err
	}
	return v.String, nil
}

// StringList reads a string-list setting.
func (s *Service) StringList(ctx context.Context, guildID, name string) ([]string, error) {
	v, err := s.getKind(ctx, guildID, name, KindStringList)
	if err != nil {
		return nil, err
	}
	return v.StringList, nil
}

func (s *Service) getKind(ctx context.Context, guildID, name string, kind Kind) (Value, error) {
	spec, ok := s.schema[name]
	if !ok {
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownSetting, name)
	}
	if spec.Kind != kind {
		return Value{}, fmt.Errorf("%w: %s is %s, not %s", ErrInvalidSettingValue, name, spec.Kind, kind)
	}
	return s.Get(ctx, guildID, name)
}

func validate(spec Spec, v Value) error {
	if v.Kind != spec.Kind {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSettingValue, spec.Kind, v.Kind)
	}
	if spec.Kind == KindString && len(spec.Allowed) > 0 {
		for _, a := range spec.Allowed {
			if v.String == a {
				return nil
			}
		}
		return fmt.Errorf("%w: %q not in allowed set", ErrInvalidSettingValue, v.String)
	}
	return nil
}
