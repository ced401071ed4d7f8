package agents

import (
	"bytes"
	"encoding/gob"
)

// encodeState gob-encodes a group state struct. State structs hold only
// scalars and slices so the encoding is canonical.
func encodeState(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeState(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
