package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/c360/ocpprouter/errors"
)

// Limits applied to configuration input
const (
	maxFileBytes = 10 << 20
	maxNesting   = 100
	maxEnvBytes  = 10000
	maxPathBytes = 4096
)

var configExtensions = []string{".json", ".yaml", ".yml"}

func invalidFile(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "config", "files", "validate")
}

// checkPath accepts JSON or YAML files. Relative paths must stay under the
// working directory; absolute paths must already be clean.
func checkPath(path string) error {
	switch {
	case path == "":
		return invalidFile("empty config path")
	case len(path) > maxPathBytes:
		return invalidFile("config path is %d bytes, limit %d", len(path), maxPathBytes)
	}

	if !slices.Contains(configExtensions, strings.ToLower(filepath.Ext(path))) {
		return invalidFile("%s: config must be .json, .yaml or .yml", path)
	}

	if filepath.IsAbs(path) {
		if slices.Contains(strings.Split(filepath.ToSlash(path), "/"), "..") {
			return invalidFile("%s: parent references not allowed", path)
		}
		return nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return errors.WrapTransient(err, "config", "files", "getwd")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return invalidFile("%s: %v", path, err)
	}
	rel, err := filepath.Rel(cwd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return invalidFile("%s resolves outside the working directory", path)
	}
	return nil
}

// readFile loads a regular config file no larger than maxFileBytes
func readFile(path string) ([]byte, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, invalidFile("%s is not a regular file", path)
	}
	if info.Size() > maxFileBytes {
		return nil, invalidFile("%s is %d bytes, limit %d", path, info.Size(), maxFileBytes)
	}
	return os.ReadFile(path)
}

// checkEnvValue rejects values no operator would set on purpose
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvBytes {
		return invalidFile("%s is %d bytes, limit %d", key, len(value), maxEnvBytes)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return invalidFile("%s contains a NUL byte", key)
	}
	return nil
}

// checkNesting walks JSON tokens and fails once arrays and objects nest
// deeper than maxNesting.
func checkNesting(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if depth != 0 {
				return invalidFile("malformed JSON: %d unclosed brackets", depth)
			}
			return nil
		}
		if err != nil {
			return invalidFile("malformed JSON: %v", err)
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > maxNesting {
				return invalidFile("JSON nests %d levels, limit %d", depth, maxNesting)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
