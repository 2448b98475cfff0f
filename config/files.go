package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/tapstream/errors"
)

// Limits on configuration input.
const (
	maxConfigSize = 10 << 20
	maxEnvVarLen  = 10000
	maxPathLen    = 4096
)

var configExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// readConfigFile reads one configuration layer. Only regular YAML or JSON
// files up to maxConfigSize bytes are accepted.
func readConfigFile(path string) ([]byte, error) {
	switch {
	case path == "":
		return nil, fmt.Errorf("%w: empty config path", errors.ErrMissingConfig)
	case len(path) > maxPathLen:
		return nil, fmt.Errorf("%w: config path longer than %d bytes", errors.ErrInvalidConfig, maxPathLen)
	case !configExtensions[strings.ToLower(filepath.Ext(path))]:
		return nil, fmt.Errorf("%w: %s is not a YAML or JSON file", errors.ErrInvalidConfig, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMissingConfig, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", errors.ErrInvalidConfig, path)
	}

	// The size can change between Stat and the read.
	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", errors.ErrInvalidConfig, path, maxConfigSize)
	}
	return data, nil
}

// checkEnvValue rejects override values that cannot hold a setting.
func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return fmt.Errorf("%w: %s is longer than %d bytes", errors.ErrInvalidConfig, key, maxEnvVarLen)
	}
	if strings.IndexByte(value, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a null byte", errors.ErrInvalidConfig, key)
	}
	return nil
}
