package loader

import (
	"bytes"
	"errors"

	"github.com/pelletier/go-toml/v2"
)

func parseTOML(path string, data []byte) (map[string]any, error) {
	var out map[string]any
	if err := toml.Unmarshal(data, &out); err != nil {
		return nil, tomlParseError(path, err)
	}
	return out, nil
}

func decodeTOMLStrict(path string, data []byte, v any) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return tomlParseError(path, err)
	}
	return nil
}

func encodeTOML(data map[string]any) ([]byte, error) {
	return toml.Marshal(data)
}

func tomlParseError(path string, err error) *ParseError {
	pe := &ParseError{Path: path, Message: err.Error(), Err: err}

	var decErr *toml.DecodeError
	if errors.As(err, &decErr) {
		pe.Line, pe.Column = decErr.Position()
	}
	var strictErr *toml.StrictMissingError
	if errors.As(err, &strictErr) {
		pe.Message = strictErr.String()
	}
	return pe
}
