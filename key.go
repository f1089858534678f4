package requery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Key is an ordered sequence of JSON-serializable parts identifying one
// cache entry. Sequence order is significant; map/struct properties are not
// (they are sorted during canonicalization) and nil-valued properties are
// elided. A shorter key is a prefix of every longer key that starts with the
// same parts, which is what prefix-scoped invalidation matches on.
type Key []any

// Canonical returns the deterministic string form of the key. Two keys are
// equivalent iff their canonical strings are equal.
func (k Key) Canonical() string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, part := range k {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeCanonical(&buf, reflect.ValueOf(part))
	}
	buf.WriteByte(']')
	return buf.String()
}

// HasPrefix reports whether k starts with all of prefix's parts.
func (k Key) HasPrefix(prefix Key) bool {
	return canonicalHasPrefix(k.Canonical(), prefix.Canonical())
}

// canonicalHasPrefix matches on canonical forms: the prefix's closing
// bracket is dropped and the remainder must be followed by ',' or ']' in the
// candidate, so ["todos"] matches ["todos",5] but not ["todosX"].
func canonicalHasPrefix(canon, prefixCanon string) bool {
	if len(prefixCanon) < 2 || len(canon) < len(prefixCanon) {
		return false
	}
	p := prefixCanon[:len(prefixCanon)-1] // strip trailing ']'
	if canon[:len(p)] != p {
		return false
	}
	rest := canon[len(p):]
	return rest[0] == ',' || rest[0] == ']'
}

func writeCanonical(buf *bytes.Buffer, v reflect.Value) {
	if !v.IsValid() {
		buf.WriteString("null")
		return
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			buf.WriteString("null")
			return
		}
		writeCanonical(buf, v.Elem())
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		buf.WriteString(strconv.FormatFloat(v.Float(), 'g', -1, 64))
	case reflect.String:
		b, _ := json.Marshal(v.String())
		buf.Write(b)
	case reflect.Slice, reflect.Array:
		buf.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, v.Index(i))
		}
		buf.WriteByte(']')
	case reflect.Map:
		writeCanonicalMap(buf, v)
	case reflect.Struct:
		writeCanonicalStruct(buf, v)
	default:
		// funcs, chans and friends have no stable serial form; fall back to
		// their type name so at least the key stays deterministic per type.
		fmt.Fprintf(buf, "%q", v.Type().String())
	}
}

func writeCanonicalMap(buf *bytes.Buffer, v reflect.Value) {
	type pair struct {
		k   string
		val reflect.Value
	}
	pairs := make([]pair, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		mv := iter.Value()
		if isNilValue(mv) {
			continue // elide null-valued properties
		}
		pairs = append(pairs, pair{fmt.Sprintf("%v", iter.Key().Interface()), mv})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(p.k)
		buf.Write(kb)
		buf.WriteByte(':')
		writeCanonical(buf, p.val)
	}
	buf.WriteByte('}')
}

func writeCanonicalStruct(buf *bytes.Buffer, v reflect.Value) {
	t := v.Type()
	type pair struct {
		k   string
		val reflect.Value
	}
	pairs := make([]pair, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := v.Field(i)
		if isNilValue(fv) {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if comma := strings.IndexByte(tag, ','); comma >= 0 {
				tag = tag[:comma]
			}
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		pairs = append(pairs, pair{name, fv})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })

	buf.WriteByte('{')
	for i, p := range pairs {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(p.k)
		buf.Write(kb)
		buf.WriteByte(':')
		writeCanonical(buf, p.val)
	}
	buf.WriteByte('}')
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
