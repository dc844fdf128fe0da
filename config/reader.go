package config

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/depthcapture/utils"
)

// Read reads a config from the given file, expanding environment variables in it first.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(utils.Classify(utils.ErrInvalidArgument, err), "reading config %s", filePath)
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies where, if applicable, the file
// the reader originated from. Defaults are applied and the result is validated.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	cfg := Config{ConfigFilePath: originalPath}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(utils.Classify(utils.ErrInvalidArgument, err), "failed to decode Config from json")
	}
	cfg.Ensure()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
