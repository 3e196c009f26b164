// Package config loads typed configuration structs from environment
// variables, with optional .env support for local development.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig wraps env parse failures.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	// ErrNilPointer is returned for a nil destination.
	ErrNilPointer = errors.New("nil pointer provided to config loader")
)

var (
	dotenvOnce sync.Once
	cache      sync.Map // type name -> parsed value
)

// Load parses environment variables into v based on its `env` field
// tags. Each configuration type is parsed once per process; later calls
// get the cached copy, so every component sees the same values. A .env
// file in the working directory is loaded on first use and may be
// absent.
func Load[T any](v *T) error {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	key := typeName[T]()
	if cached, ok := cache.Load(key); ok {
		*v = cached.(T)
		return nil
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	// First writer wins; a concurrent loader of the same type gets the
	// stored copy so all callers agree.
	actual, _ := cache.LoadOrStore(key, *v)
	*v = actual.(T)
	return nil
}

// MustLoad is Load that panics on failure. Use for configuration the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

func typeName[T any]() string {
	t := reflect.TypeOf(*new(T))
	if t == nil {
		return fmt.Sprintf("%T", *new(T))
	}
	return t.String()
}
