// Package configutil loads json5 configuration files. A file named
// <base>.local.<ext> next to the requested file overrides its values,
// which keeps credentials and per-machine settings out of the checked
// in defaults.
package configutil

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

func localVariant(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// readLayer unmarshals a single file into T. The second return is
// false when the file does not exist.
func readLayer[T any](path string) (T, bool, error) {
	var out T
	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	err = json5.Unmarshal(contents, &out)
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

// Load reads <name> and merges <base>.local.<ext> over it. It returns
// os.ErrNotExist when neither layer is present.
func Load[T any](name string) (T, error) {
	base, haveBase, err := readLayer[T](name)
	if err != nil {
		return base, err
	}

	localPath := localVariant(name)
	local, haveLocal, err := readLayer[T](localPath)
	if err != nil {
		return base, err
	}
	if haveLocal {
		err = mergo.Merge(&base, local, mergo.WithOverride)
		if err != nil {
			return base, err
		}
		slog.Info("merged local config overrides", "path", localPath)
	}

	if !haveBase && !haveLocal {
		return base, os.ErrNotExist
	}
	return base, nil
}

// LoadRecursively walks from the working directory up to the
// filesystem root looking for a config file with the given name and
// loads the first one found.
func LoadRecursively[T any](name string) (T, error) {
	var zero T

	dir, err := os.Getwd()
	if err != nil {
		return zero, err
	}

	for {
		config, err := Load[T](filepath.Join(dir, name))
		if err == nil {
			return config, nil
		}
		if !os.IsNotExist(err) {
			return zero, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return zero, os.ErrNotExist
		}
		dir = parent
	}
}
