package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/tailscale/hujson"
)

// ParseJSON parses a JSON or JSONC (comments, trailing commas) document.
// Objects become arrays with string keys in document order, JSON arrays
// become lists. Numbers without fraction or exponent become [Int].
func ParseJSON(data []byte) (Value, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.UseNumber()

	v, err := parseValue(dec, 1)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse: trailing data after value")
	}

	return v, nil
}

func parseValue(dec *json.Decoder, depth int) (Value, error) {
	if depth > MaxDepth {
		return nil, ErrDepthLimitExceeded
	}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch tok := tok.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(tok), nil
	case string:
		return String(tok), nil
	case json.Number:
		if i, err := strconv.ParseInt(tok.String(), 10, 64); err == nil {
			return Int(i), nil
		}

		f, err := tok.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", tok, err)
		}

		return Float(f), nil
	case json.Delim:
		arr := &Array{}

		for dec.More() {
			if tok == '[' {
				val, err := parseValue(dec, depth+1)
				if err != nil {
					return nil, err
				}

				arr.Pairs = append(arr.Pairs, Pair{Key: Int(len(arr.Pairs)), Val: val})

				continue
			}

			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			val, err := parseValue(dec, depth+1)
			if err != nil {
				return nil, err
			}

			// Duplicate keys: the last one wins.
			arr.Set(String(keyTok.(string)), val)
		}

		// Closing delimiter.
		if _, err := dec.Token(); err != nil {
			return nil, err
		}

		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}
