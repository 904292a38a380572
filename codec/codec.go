// Package codec is the JSON encoding used for component values and for the
// payloads exchanged with the store.
package codec

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

func Decode[T any](bz []byte) (T, error) {
	v := new(T)
	if err := json.Unmarshal(bz, v); err != nil {
		return *v, eris.Wrap(err, "")
	}
	return *v, nil
}

func Encode(v any) ([]byte, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "")
	}
	return bz, nil
}

// EncodeString is Encode for callers that hand the result to a string-typed API.
func EncodeString(v any) (string, error) {
	bz, err := Encode(v)
	if err != nil {
		return "", err
	}
	return string(bz), nil
}
