package codec

import "encoding/json"

// JSONCodec serializes snapshot values with encoding/json. The zero value is
// ready to use and is the usual default when payload size is not a concern.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
