// This package defines (yet another) bencode encoding/decoding library. What is special about this
// approach is it uses tags for mapping struct fields to bencode properties. As well, it has support for fixed-byte array
// map keys.
//
// The serialization/deseriazation functions expect to be annotated with `bencode:".."` tags in the structs they serialize/deserialize to.
// A tag of the form `bencode:"k,optional"` marks a pointer, slice or map field which is left out of the encoding when it is empty
// and left untouched when decoding input which does not carry it.
package bencode

import (
	"fmt"
	"reflect"
	"strings"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)

type taggedField struct {
	field    reflect.StructField
	optional bool
}

func structFields(ty reflect.Type) (map[string]taggedField, []string, error) {
	fields := make(map[string]taggedField)
	names := make([]string, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		t := f.Tag.Get("bencode")
		if t == "" {
			return nil, nil, fmt.Errorf("expected bencode tag on %s", f.Name)
		}
		if t == "-" {
			continue
		}
		name, opts, _ := strings.Cut(t, ",")
		optional := opts == "optional"
		if optional {
			switch f.Type.Kind() {
			case reflect.Pointer, reflect.Slice, reflect.Map:
			default:
				return nil, nil, fmt.Errorf("optional field %s must be a pointer, slice or map", f.Name)
			}
		}
		if _, ok := fields[name]; ok {
			return nil, nil, fmt.Errorf("duplicate bencode key %s", name)
		}
		fields[name] = taggedField{field: f, optional: optional}
		names = append(names, name)
	}
	return fields, names, nil
}
