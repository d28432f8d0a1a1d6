package taglink

import (
	"fmt"
	"strconv"
	"strings"

	"taglink/cip"
)

// Family selects the protocol family and its defaults.
type Family int

const (
	FamilyNone Family = iota
	FamilyLogix
	FamilyPLC5
	FamilySLC
	FamilyMicroLogix
	FamilyOmron
)

func (f Family) String() string {
	switch f {
	case FamilyLogix:
		return "ControlLogix"
	case FamilyPLC5:
		return "PLC-5"
	case FamilySLC:
		return "SLC 500"
	case FamilyMicroLogix:
		return "MicroLogix"
	case FamilyOmron:
		return "Omron NJ/NX"
	default:
		return "none"
	}
}

// usesPCCC reports whether the family speaks PCCC tunneled over CIP.
func (f Family) usesPCCC() bool {
	return f == FamilyPLC5 || f == FamilySLC || f == FamilyMicroLogix
}

// attributes is the parsed k=v&k=v attribute string.
type attributes struct {
	raw  map[string]string
	used map[string]bool
}

// parseAttributes splits an attribute string. Duplicate keys keep the
// last value.
func parseAttributes(s string) (*attributes, error) {
	out := &attributes{raw: map[string]string{}, used: map[string]bool{}}

	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("parseAttributes: malformed pair %q", pair)
		}
		key := strings.ToLower(strings.TrimSpace(pair[:eq]))
		out.raw[key] = strings.TrimSpace(pair[eq+1:])
	}

	return out, nil
}

func (a *attributes) str(key, def string) string {
	if v, ok := a.raw[key]; ok {
		a.used[key] = true
		return v
	}
	return def
}

func (a *attributes) has(key string) bool {
	_, ok := a.raw[key]
	return ok
}

func (a *attributes) integer(key string, def int) (int, error) {
	v, ok := a.raw[key]
	if !ok {
		return def, nil
	}
	a.used[key] = true
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q is not an integer", key, v)
	}
	return n, nil
}

func (a *attributes) boolean(key string, def bool) (bool, error) {
	v, ok := a.raw[key]
	if !ok {
		return def, nil
	}
	a.used[key] = true
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("attribute %s=%q must be 0 or 1", key, v)
	}
}

// parseFamily maps the plc/cpu attribute to a protocol family.
func parseFamily(v string) (Family, error) {
	switch strings.ToLower(v) {
	case "lgx", "logix", "controllogix", "contrologix", "compactlogix", "clgx", "micro800":
		return FamilyLogix, nil
	case "plc", "plc5", "plc-5":
		return FamilyPLC5, nil
	case "slc", "slc500", "slc-500":
		return FamilySLC, nil
	case "micrologix", "mlgx":
		return FamilyMicroLogix, nil
	case "omron-njnx", "omron-nj", "omron-nx", "njnx", "omron":
		return FamilyOmron, nil
	default:
		return FamilyNone, fmt.Errorf("unknown plc/cpu type %q", v)
	}
}

// elemType describes a declared element type attribute.
type elemType struct {
	size     int
	cipType  uint16 // 0 when no fixed CIP code applies (strings)
	isString bool
	isBit    bool
}

// parseElemType maps the elem_type attribute to a size and CIP type code.
// String sizes come from the family byte-order descriptor.
func parseElemType(v string, bo *ByteOrder) (elemType, error) {
	switch strings.ToLower(v) {
	case "bool":
		return elemType{size: 1, cipType: cip.TypeBOOL, isBit: true}, nil
	case "bool array":
		return elemType{size: 4, cipType: cip.TypeBitString32}, nil
	case "sint":
		return elemType{size: 1, cipType: cip.TypeSINT}, nil
	case "usint":
		return elemType{size: 1, cipType: cip.TypeUSINT}, nil
	case "int":
		return elemType{size: 2, cipType: cip.TypeINT}, nil
	case "uint":
		return elemType{size: 2, cipType: cip.TypeUINT}, nil
	case "dint":
		return elemType{size: 4, cipType: cip.TypeDINT}, nil
	case "udint":
		return elemType{size: 4, cipType: cip.TypeUDINT}, nil
	case "lint":
		return elemType{size: 8, cipType: cip.TypeLINT}, nil
	case "ulint":
		return elemType{size: 8, cipType: cip.TypeULINT}, nil
	case "real":
		return elemType{size: 4, cipType: cip.TypeREAL}, nil
	case "lreal":
		return elemType{size: 8, cipType: cip.TypeLREAL}, nil
	case "string":
		return elemType{size: bo.StrTotalLength, isString: true}, nil
	case "short string":
		return elemType{size: 256, isString: true}, nil
	default:
		return elemType{}, fmt.Errorf("unknown elem_type %q", v)
	}
}

// stringAttrKeys are the attributes whose presence switches the tag from
// the shared default descriptor to a private copy.
var stringAttrKeys = []string{
	"str_is_counted", "str_is_fixed_length", "str_is_zero_terminated",
	"str_is_byte_swapped", "str_count_word_bytes", "str_max_capacity",
	"str_total_length", "str_pad_bytes", "str_pad_to_multiple_bytes_experimental",
	"int16_byte_order", "int32_byte_order", "int64_byte_order",
	"float32_byte_order", "float64_byte_order",
}

// applyByteOrderAttrs builds the tag's byte-order descriptor: the shared
// family default unless an override attribute is present.
func applyByteOrderAttrs(a *attributes, family Family) (*ByteOrder, error) {
	base := defaultByteOrder(family)

	override := false
	for _, key := range stringAttrKeys {
		if a.has(key) {
			override = true
			break
		}
	}
	if !override {
		return base, nil
	}

	bo := base.clone()

	if v := a.str("int16_byte_order", ""); v != "" {
		order, err := parseOrder(v, 2)
		if err != nil {
			return nil, err
		}
		copy(bo.Int16Order[:], order)
	}
	if v := a.str("int32_byte_order", ""); v != "" {
		order, err := parseOrder(v, 4)
		if err != nil {
			return nil, err
		}
		copy(bo.Int32Order[:], order)
	}
	if v := a.str("int64_byte_order", ""); v != "" {
		order, err := parseOrder(v, 8)
		if err != nil {
			return nil, err
		}
		copy(bo.Int64Order[:], order)
	}
	if v := a.str("float32_byte_order", ""); v != "" {
		order, err := parseOrder(v, 4)
		if err != nil {
			return nil, err
		}
		copy(bo.Float32Order[:], order)
	}
	if v := a.str("float64_byte_order", ""); v != "" {
		order, err := parseOrder(v, 8)
		if err != nil {
			return nil, err
		}
		copy(bo.Float64Order[:], order)
	}

	var err error
	if bo.StrIsCounted, err = a.boolean("str_is_counted", bo.StrIsCounted); err != nil {
		return nil, err
	}
	if bo.StrIsFixedLength, err = a.boolean("str_is_fixed_length", bo.StrIsFixedLength); err != nil {
		return nil, err
	}
	if bo.StrIsZeroTerminated, err = a.boolean("str_is_zero_terminated", bo.StrIsZeroTerminated); err != nil {
		return nil, err
	}
	if bo.StrIsByteSwapped, err = a.boolean("str_is_byte_swapped", bo.StrIsByteSwapped); err != nil {
		return nil, err
	}

	if bo.StrCountWordBytes, err = a.integer("str_count_word_bytes", bo.StrCountWordBytes); err != nil {
		return nil, err
	}
	switch bo.StrCountWordBytes {
	case 0, 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("str_count_word_bytes must be 0, 1, 2, 4 or 8")
	}

	if bo.StrMaxCapacity, err = a.integer("str_max_capacity", bo.StrMaxCapacity); err != nil {
		return nil, err
	}
	if bo.StrTotalLength, err = a.integer("str_total_length", bo.StrTotalLength); err != nil {
		return nil, err
	}
	if bo.StrPadBytes, err = a.integer("str_pad_bytes", bo.StrPadBytes); err != nil {
		return nil, err
	}
	if bo.StrMaxCapacity < 0 || bo.StrTotalLength < 0 || bo.StrPadBytes < 0 {
		return nil, fmt.Errorf("string sizes must be >= 0")
	}

	if bo.StrPadToMultipleBytes, err = a.integer("str_pad_to_multiple_bytes_experimental", bo.StrPadToMultipleBytes); err != nil {
		return nil, err
	}
	switch bo.StrPadToMultipleBytes {
	case 0, 1, 2, 4:
		if bo.StrPadToMultipleBytes == 0 {
			bo.StrPadToMultipleBytes = 1
		}
	default:
		return nil, fmt.Errorf("str_pad_to_multiple_bytes_EXPERIMENTAL must be 0, 1, 2 or 4")
	}

	return bo, nil
}
