// Package codec provides the value serializers used when dehydrating query
// snapshots into a persist.Store and hydrating them back.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
