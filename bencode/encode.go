package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

var errNotPointer = errors.New("bencode: expected a pointer")

// Serialize encodes the value s points to. Equal values always encode to equal bytes, which is
// what lets signatures cover the encoding.
func Serialize(s interface{}) ([]byte, error) {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, errNotPointer
	}
	e := &encoder{}
	if err := e.value(v.Elem()); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) bytes(b []byte) {
	e.buf.WriteString(strconv.Itoa(len(b)))
	e.buf.WriteByte(bytesLengthSep)
	e.buf.Write(b)
}

func (e *encoder) int(n int64) {
	e.buf.WriteByte(numberStart)
	e.buf.WriteString(strconv.FormatInt(n, 10))
	e.buf.WriteByte(bencodeEnd)
}

func (e *encoder) uint(n uint64) {
	e.buf.WriteByte(numberStart)
	e.buf.WriteString(strconv.FormatUint(n, 10))
	e.buf.WriteByte(bencodeEnd)
}

// byteString returns the contents of a string, byte slice or byte array value.
func byteString(v reflect.Value) ([]byte, bool) {
	switch v.Kind() {
	case reflect.String:
		return []byte(v.String()), true
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return nil, false
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		return b, true
	}
	return nil, false
}

func (e *encoder) value(v reflect.Value) error {
	if b, ok := byteString(v); ok {
		e.bytes(b)
		return nil
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.uint(1)
		} else {
			e.uint(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.uint(v.Uint())
	case reflect.Slice, reflect.Array:
		e.buf.WriteByte(listStart)
		for i := 0; i < v.Len(); i++ {
			if err := e.value(v.Index(i)); err != nil {
				return err
			}
		}
		e.buf.WriteByte(bencodeEnd)
	case reflect.Map:
		return e.dict(v)
	case reflect.Struct:
		return e.structure(v)
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil %s", v.Type())
		}
		return e.value(v.Elem())
	default:
		return fmt.Errorf("bencode: cannot encode %s", v.Type())
	}
	return nil
}

// dict writes a map with its keys in byte order. Keys must be strings or byte arrays.
func (e *encoder) dict(v reflect.Value) error {
	type entry struct {
		key []byte
		val reflect.Value
	}
	entries := make([]entry, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k, ok := byteString(iter.Key())
		if !ok {
			return fmt.Errorf("bencode: cannot use %s as a dictionary key", v.Type().Key())
		}
		entries = append(entries, entry{k, iter.Value()})
	}
	sort.Slice(entries, func(i, j int) bool { return bytes.Compare(entries[i].key, entries[j].key) < 0 })

	e.buf.WriteByte(dictStart)
	for _, en := range entries {
		e.bytes(en.key)
		if err := e.value(en.val); err != nil {
			return err
		}
	}
	e.buf.WriteByte(bencodeEnd)
	return nil
}

func (e *encoder) structure(v reflect.Value) error {
	fields, names, err := structFields(v.Type())
	if err != nil {
		return err
	}
	sort.Strings(names)

	e.buf.WriteByte(dictStart)
	for _, name := range names {
		f := fields[name]
		field := v.FieldByIndex(f.field.Index)
		if f.optional && (field.IsNil() || (field.Kind() != reflect.Pointer && field.Len() == 0)) {
			continue
		}
		e.bytes([]byte(name))
		if err := e.value(field); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	e.buf.WriteByte(bencodeEnd)
	return nil
}
