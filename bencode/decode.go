package bencode

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
)

// maxDepth bounds how deeply lists, dictionaries and structs may nest in decoded input.
const maxDepth = 32

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target interface, decode the following byte slice to it. The target must be a pointer.
func Deserialize(buf []byte, t interface{}) error {
	r := newReader(buf)

	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected a non-nil pointer, got %T", t)
	}
	out, err := r.readValue(val.Type())
	if err != nil {
		return err
	}
	val.Elem().Set(reflect.Indirect(*out))
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer")
	}
	return nil
}

type reader struct {
	buf   []byte
	pos   int64
	depth int
}

func newReader(buf []byte) reader {
	return reader{
		buf: buf,
		pos: 0,
	}
}

func (r *reader) at(offset int64) (byte, error) {
	if r.pos+offset >= int64(len(r.buf)) {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos+offset)
	}
	return r.buf[r.pos+offset], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.at(0)
	if err != nil {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, r.pos)
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// readDigits returns the run of ascii digits at the current position along with whether it was negative.
func (r *reader) readDigits(allowNeg bool) (string, bool, error) {
	neg := false
	c, err := r.at(0)
	if err != nil {
		return "", false, err
	}
	if c == 0x2d {
		if !allowNeg {
			return "", false, newDecodeError("unexpected negative number at pos %d", r.pos)
		}
		neg = true
		r.pos++
	}
	l := int64(0)
	for {
		c, err := r.at(l)
		if err != nil {
			return "", false, err
		}
		if c < 0x30 || c > 0x39 {
			break
		}
		l++
	}
	if l == 0 {
		return "", false, newDecodeError("expected numbers at pos %d", r.pos)
	}
	if l > 1 && r.buf[r.pos] == '0' {
		return "", false, newDecodeError("leading zero at pos %d", r.pos)
	}
	digits := string(r.buf[r.pos : r.pos+l])
	r.pos += l
	return digits, neg, nil
}

func (r *reader) readInt() (int64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	digits, neg, err := r.readDigits(true)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid number %s: %s", digits, err)
	}
	if val == 0 && neg {
		return 0, newDecodeError("negative 0 not allowed")
	}
	if neg {
		val = -val
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return 0, err
	}

	return val, nil
}

func (r *reader) readUint() (uint64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	digits, _, err := r.readDigits(false)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid number %s: %s", digits, err)
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return 0, err
	}

	return val, nil
}

func (r *reader) readBytes() ([]byte, error) {
	digits, _, err := r.readDigits(false)
	if err != nil {
		return nil, err
	}
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	l, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, newDecodeError("invalid length %s: %s", digits, err)
	}
	if l > int64(len(r.buf))-r.pos {
		return nil, newDecodeError("length %d at pos %d exceeds buffer", l, r.pos)
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

func (r *reader) peek() (byte, error) {
	return r.at(0)
}

func (r *reader) isAtEnd() bool {
	return r.pos >= int64(len(r.buf))
}

func (r *reader) readSigned(t reflect.Type, min, max int64) (*reflect.Value, error) {
	num, err := r.readInt()
	if err != nil {
		return nil, err
	}
	if num < min || num > max {
		return nil, fmt.Errorf("expected number to be within %d and %d, got %d", min, max, num)
	}
	val := reflect.New(t).Elem()
	val.SetInt(num)
	return &val, nil
}

func (r *reader) readUnsigned(t reflect.Type, max uint64) (*reflect.Value, error) {
	num, err := r.readUint()
	if err != nil {
		return nil, err
	}
	if num > max {
		return nil, fmt.Errorf("expected number to be less than %d, got %d", max, num)
	}
	val := reflect.New(t).Elem()
	val.SetUint(num)
	return &val, nil
}

func (r *reader) enter() error {
	r.depth++
	if r.depth > maxDepth {
		return newDecodeError("nesting deeper than %d at pos %d", maxDepth, r.pos)
	}
	return nil
}

func (r *reader) leave() {
	r.depth--
}

func (r *reader) readList(t reflect.Type) (*reflect.Value, error) {
	if err := r.enter(); err != nil {
		return nil, err
	}
	defer r.leave()
	a := reflect.MakeSlice(reflect.SliceOf(t.Elem()), 0, 0)
	if err := r.expectByte(listStart); err != nil {
		return nil, err
	}
	for {
		c, err := r.peek()
		if err != nil {
			return nil, err
		}
		if c == bencodeEnd {
			break
		}
		val, err := r.readValue(t.Elem())
		if err != nil {
			return nil, err
		}
		a = reflect.Append(a, *val)
	}
	if err := r.expectByte(bencodeEnd); err != nil {
		return nil, err
	}
	if t.Kind() == reflect.Slice {
		return &a, nil
	}
	if a.Len() != t.Len() {
		return nil, newDecodeError("expected %d elements for array, got %d", t.Len(), a.Len())
	}
	arr := reflect.New(t).Elem()
	reflect.Copy(arr, a)
	return &arr, nil
}

func (r *reader) readValue(t reflect.Type) (*reflect.Value, error) {
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return nil, err
		}
		if num > 1 {
			return nil, fmt.Errorf("expected number to be 0 or 1, got %d", num)
		}
		val := reflect.New(t).Elem()
		val.SetBool(num == 1)
		return &val, nil
	case reflect.Int64, reflect.Int:
		return r.readSigned(t, math.MinInt64, math.MaxInt64)
	case reflect.Int32:
		return r.readSigned(t, math.MinInt32, math.MaxInt32)
	case reflect.Int16:
		return r.readSigned(t, math.MinInt16, math.MaxInt16)
	case reflect.Int8:
		return r.readSigned(t, math.MinInt8, math.MaxInt8)
	case reflect.Uint8:
		return r.readUnsigned(t, math.MaxUint8)
	case reflect.Uint16:
		return r.readUnsigned(t, math.MaxUint16)
	case reflect.Uint32:
		return r.readUnsigned(t, math.MaxUint32)
	case reflect.Uint64, reflect.Uint:
		return r.readUnsigned(t, math.MaxUint64)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		val := reflect.New(t).Elem()
		val.SetString(string(b))
		return &val, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			val := reflect.New(t).Elem()
			val.SetBytes(append([]byte{}, b...))
			return &val, nil
		}
		return r.readList(t)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return nil, err
			}
			if len(b) != t.Len() {
				return nil, newDecodeError("expected %d bytes, got %d", t.Len(), len(b))
			}
			val := reflect.New(t).Elem()
			reflect.Copy(val, reflect.ValueOf(b))
			return &val, nil
		}
		return r.readList(t)
	case reflect.Struct:
		valPtr := reflect.New(t)
		err := r.readStruct(valPtr.Interface())
		if err != nil {
			return nil, err
		}
		val := reflect.Indirect(valPtr)
		return &val, nil
	case reflect.Map:
		if err := r.enter(); err != nil {
			return nil, err
		}
		defer r.leave()
		if err := r.expectByte(dictStart); err != nil {
			return nil, err
		}
		keyType := t.Key()
		m := reflect.MakeMap(t)
		for {
			c, err := r.peek()
			if err != nil {
				return nil, err
			}
			if c == bencodeEnd {
				break
			}
			keyValue, err := r.readValue(keyType)
			if err != nil {
				return nil, err
			}
			valValue, err := r.readValue(t.Elem())
			if err != nil {
				return nil, err
			}
			m.SetMapIndex(*keyValue, *valValue)
		}
		if err := r.expectByte(bencodeEnd); err != nil {
			return nil, err
		}
		return &m, nil
	case reflect.Pointer:
		out, err := r.readValue(t.Elem())
		if err != nil {
			return nil, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(*out)
		return &v, nil

	default:
		return nil, fmt.Errorf("unhandled kind %v", t.Kind())
	}
}

func (r *reader) readStruct(o interface{}) error {
	if err := r.enter(); err != nil {
		return err
	}
	defer r.leave()
	if err := r.expectByte(dictStart); err != nil {
		return err
	}

	fields, names, err := structFields(reflect.ValueOf(o).Elem().Type())
	if err != nil {
		return newDecodeError(err.Error())
	}
	sort.Strings(names)
	structValue := reflect.ValueOf(o).Elem()
	for _, name := range names {
		f := fields[name]
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			if f.optional {
				continue
			}
			return newDecodeError("missing key for %s", name)
		}
		start := r.pos
		buf, err := r.readBytes()
		if err != nil {
			return err
		}
		if string(buf) != name {
			if f.optional {
				r.pos = start
				continue
			}
			return newDecodeError("missing key for %s got %s instead", name, string(buf))
		}
		val, err := r.readValue(f.field.Type)
		if err != nil {
			return err
		}
		structValue.FieldByIndex(f.field.Index).Set(*val)
	}

	return r.expectByte(bencodeEnd)
}
