// Package toml adds support to marshal and unmarshal types not in the
// official TOML spec and applies convention-driven environment overrides.
package toml

import (
	"encoding"
	"fmt"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for decoding toml
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Size represents a TOML parseable file size.
// Users can specify size using "k" or "K" for kibibytes, "m" or "M" for
// mebibytes, and "g" or "G" for gibibytes. If a size suffix isn't specified
// then bytes are assumed.
type Size uint64

// UnmarshalText parses a byte size from text.
func (s *Size) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return fmt.Errorf("size was empty")
	}

	// The multiplier defaults to 1 in case the size has no suffix.
	mult := uint64(1)

	// Preserve the original text for error messages.
	value := text

	switch text[len(text)-1] {
	case 'k', 'K':
		mult = 1 << 10
		value = text[:len(text)-1]
	case 'm', 'M':
		mult = 1 << 20
		value = text[:len(text)-1]
	case 'g', 'G':
		mult = 1 << 30
		value = text[:len(text)-1]
	default:
		if c := text[len(text)-1]; c < '0' || c > '9' {
			return fmt.Errorf("unknown size suffix: %c (expected k, m, or g)", c)
		}
	}

	size, err := strconv.ParseUint(string(value), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %s", string(text))
	}
	if mult > 1 && size > math.MaxUint64/mult {
		return fmt.Errorf("size would overflow the max size (%d): %s", uint64(math.MaxUint64), string(text))
	}

	*s = Size(size * mult)
	return nil
}

// ApplyEnvOverrides applies environment variable overrides on top of val,
// which must be a pointer to a struct. Variables are named by joining prefix
// and the uppercased toml tags of the traversed fields with underscores,
// hyphens replaced by underscores. Fields tagged `toml:"-"` are skipped.
func ApplyEnvOverrides(getenv func(string) string, prefix string, val interface{}) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return applyEnvOverrides(getenv, prefix, reflect.ValueOf(val))
}

func applyEnvOverrides(getenv func(string) string, key string, spec reflect.Value) error {
	// Named types that know how to parse themselves take priority over the
	// builtin kinds. This covers Duration, Size and zap's level type.
	if spec.Kind() != reflect.Ptr && spec.Type().Name() != "" && spec.CanAddr() {
		if u, ok := spec.Addr().Interface().(encoding.TextUnmarshaler); ok {
			value := getenv(key)
			if len(value) == 0 {
				return nil
			}
			if err := u.UnmarshalText([]byte(value)); err != nil {
				return fmt.Errorf("failed to apply %s=%s: %s", key, value, err)
			}
			return nil
		}
	}

	if spec.Kind() == reflect.Ptr {
		if spec.IsNil() {
			return nil
		}
		spec = spec.Elem()
	}

	if spec.Kind() == reflect.Struct {
		for i := 0; i < spec.NumField(); i++ {
			field := spec.Field(i)
			fieldType := spec.Type().Field(i)
			if !field.CanSet() {
				continue
			}

			name := fieldType.Tag.Get("toml")
			if idx := strings.Index(name, ","); idx >= 0 {
				name = name[:idx]
			}
			if name == "-" {
				continue
			}
			if name == "" && !fieldType.Anonymous {
				name = fieldType.Name
			}

			fieldKey := key
			if name != "" {
				fieldKey += "_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
			}
			if err := applyEnvOverrides(getenv, fieldKey, field); err != nil {
				return err
			}
		}
		return nil
	}

	value := getenv(key)
	if len(value) == 0 {
		return nil
	}

	switch spec.Kind() {
	case reflect.String:
		spec.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 0, spec.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %s=%s: %s", key, value, err)
		}
		spec.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 0, spec.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %s=%s: %s", key, value, err)
		}
		spec.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("failed to apply %s=%s: %s", key, value, err)
		}
		spec.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, spec.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to apply %s=%s: %s", key, value, err)
		}
		spec.SetFloat(f)
	}
	return nil
}
