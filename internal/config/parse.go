package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"regexp"
)

// ParseBytes decodes config content. The path only selects the format.
func ParseBytes(path string, b []byte) (*Config, error) {
	jb, err := ToJSON(path, ExpandEnv(b))
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := DecodeStrict(jb, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// DecodeStrict decodes exactly one JSON value into v. Unknown fields and
// trailing data are errors.
func DecodeStrict(jb []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return errors.New("trailing data after document")
	default:
		return err
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${NAME} with the environment value, "" when unset.
// A bare $NAME stays literal so secrets containing '$' survive.
func ExpandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

// HashBytes is the content hash used to skip no-op reloads. Empty input is 0.
func HashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return HashBytes(b)
}
