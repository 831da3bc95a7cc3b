package table

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// MAT-file level 5 data element types and array classes, per the format's
// published layout. Only the subset behavioral software actually emits for
// trial and channel structs is handled.
const (
	miInt8       = 1
	miUint8      = 2
	miInt16      = 3
	miUint16     = 4
	miInt32      = 5
	miUint32     = 6
	miSingle     = 7
	miDouble     = 9
	miInt64      = 12
	miUint64     = 13
	miMatrix     = 14
	miCompressed = 15
	miUtf8       = 16
	miUtf16      = 17
)

const (
	mxCell   = 1
	mxStruct = 2
	mxChar   = 4
	mxDouble = 6
)

// ReadMAT loads the first struct variable of a level 5 MAT-file as a table.
// A scalar struct maps each field to a column, with array or cell contents
// as the rows; a struct array maps each element to a row of scalar fields.
func ReadMAT(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	if len(raw) < 128 {
		return nil, fmt.Errorf("table: %s: not a MAT-file", path)
	}
	var order binary.ByteOrder
	switch string(raw[126:128]) {
	case "IM":
		order = binary.LittleEndian
	case "MI":
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("table: %s: not a MAT-file", path)
	}

	r := &matReader{buf: raw[128:], order: order}
	for r.more() {
		typ, data, err := r.element()
		if err != nil {
			return nil, fmt.Errorf("table: %s: %w", path, err)
		}
		if typ == miCompressed {
			zr, err := zlib.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("table: %s: %w", path, err)
			}
			dec, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("table: %s: %w", path, err)
			}
			inner := &matReader{buf: dec, order: order}
			typ, data, err = inner.element()
			if err != nil {
				return nil, fmt.Errorf("table: %s: %w", path, err)
			}
		}
		if typ != miMatrix {
			continue
		}
		v, err := parseMatrix(data, order)
		if err != nil {
			return nil, fmt.Errorf("table: %s: %w", path, err)
		}
		if v.class == mxStruct {
			return structTable(v), nil
		}
	}
	return nil, fmt.Errorf("table: %s: no struct variable", path)
}

type matReader struct {
	buf   []byte
	order binary.ByteOrder
}

func (r *matReader) more() bool { return len(r.buf) >= 8 }

// element reads one tagged data element. The small-element format packs
// size and data into the tag itself when the payload fits in 4 bytes.
// Compressed elements are the only ones written without 8-byte padding.
func (r *matReader) element() (typ uint32, data []byte, err error) {
	if len(r.buf) < 8 {
		return 0, nil, fmt.Errorf("truncated element tag")
	}
	w := r.order.Uint32(r.buf[:4])
	if w>>16 != 0 {
		n := int(w >> 16)
		if n > 4 {
			return 0, nil, fmt.Errorf("small element of %d bytes", n)
		}
		typ = w & 0xffff
		data = r.buf[4 : 4+n]
		r.buf = r.buf[8:]
		return typ, data, nil
	}
	typ = w
	n := int(r.order.Uint32(r.buf[4:8]))
	if n < 0 || 8+n > len(r.buf) {
		return 0, nil, fmt.Errorf("element of %d bytes exceeds remaining %d", n, len(r.buf)-8)
	}
	data = r.buf[8 : 8+n]
	adv := 8 + n
	if typ != miCompressed {
		adv += (8 - n%8) % 8
	}
	if adv > len(r.buf) {
		adv = len(r.buf)
	}
	r.buf = r.buf[adv:]
	return typ, data, nil
}

// matValue is one parsed array. For structs, cells holds the field values
// element-major (all fields of element 0, then element 1, ...).
type matValue struct {
	class  uint32
	dims   []int
	name   string
	num    []float64
	chars  []rune
	cells  []*matValue
	fields []string
}

func (v *matValue) elems() int {
	if len(v.dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range v.dims {
		n *= d
	}
	return n
}

func parseMatrix(data []byte, order binary.ByteOrder) (*matValue, error) {
	r := &matReader{buf: data, order: order}

	typ, flags, err := r.element()
	if err != nil || typ != miUint32 || len(flags) < 4 {
		return nil, fmt.Errorf("malformed array flags")
	}
	v := &matValue{class: order.Uint32(flags[:4]) & 0xff}

	typ, dims, err := r.element()
	if err != nil || typ != miInt32 {
		return nil, fmt.Errorf("malformed dimensions")
	}
	for i := 0; i+4 <= len(dims); i += 4 {
		v.dims = append(v.dims, int(int32(order.Uint32(dims[i:i+4]))))
	}

	_, name, err := r.element()
	if err != nil {
		return nil, fmt.Errorf("malformed array name")
	}
	v.name = string(name)

	switch v.class {
	case mxChar:
		typ, raw, err := r.element()
		if err != nil {
			return nil, err
		}
		v.chars = decodeChars(typ, raw, order)
	case mxCell:
		for i := 0; i < v.elems(); i++ {
			c, err := subMatrix(r, order)
			if err != nil {
				return nil, err
			}
			v.cells = append(v.cells, c)
		}
	case mxStruct:
		typ, fl, err := r.element()
		if err != nil || typ != miInt32 || len(fl) < 4 {
			return nil, fmt.Errorf("malformed field name length")
		}
		nameLen := int(int32(order.Uint32(fl[:4])))
		typ, names, err := r.element()
		if err != nil || typ != miInt8 || nameLen <= 0 {
			return nil, fmt.Errorf("malformed field names")
		}
		for i := 0; i+nameLen <= len(names); i += nameLen {
			v.fields = append(v.fields, cstr(names[i:i+nameLen]))
		}
		for i := 0; i < v.elems()*len(v.fields); i++ {
			c, err := subMatrix(r, order)
			if err != nil {
				return nil, err
			}
			v.cells = append(v.cells, c)
		}
	default:
		typ, raw, err := r.element()
		if err != nil {
			return nil, err
		}
		v.num, err = decodeNumeric(typ, raw, order)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// subMatrix reads one nested miMATRIX. An empty array (a [] field or cell)
// is written with a zero-byte payload.
func subMatrix(r *matReader, order binary.ByteOrder) (*matValue, error) {
	typ, raw, err := r.element()
	if err != nil {
		return nil, err
	}
	if typ != miMatrix {
		return nil, fmt.Errorf("nested element has type %d, want matrix", typ)
	}
	if len(raw) == 0 {
		return &matValue{}, nil
	}
	return parseMatrix(raw, order)
}

func decodeNumeric(typ uint32, raw []byte, order binary.ByteOrder) ([]float64, error) {
	var size int
	switch typ {
	case miInt8, miUint8:
		size = 1
	case miInt16, miUint16:
		size = 2
	case miInt32, miUint32, miSingle:
		size = 4
	case miDouble, miInt64, miUint64:
		size = 8
	default:
		return nil, fmt.Errorf("numeric element has type %d", typ)
	}
	out := make([]float64, 0, len(raw)/size)
	for i := 0; i+size <= len(raw); i += size {
		b := raw[i : i+size]
		switch typ {
		case miInt8:
			out = append(out, float64(int8(b[0])))
		case miUint8:
			out = append(out, float64(b[0]))
		case miInt16:
			out = append(out, float64(int16(order.Uint16(b))))
		case miUint16:
			out = append(out, float64(order.Uint16(b)))
		case miInt32:
			out = append(out, float64(int32(order.Uint32(b))))
		case miUint32:
			out = append(out, float64(order.Uint32(b)))
		case miSingle:
			out = append(out, float64(math.Float32frombits(order.Uint32(b))))
		case miDouble:
			out = append(out, math.Float64frombits(order.Uint64(b)))
		case miInt64:
			out = append(out, float64(int64(order.Uint64(b))))
		case miUint64:
			out = append(out, float64(order.Uint64(b)))
		}
	}
	return out, nil
}

func decodeChars(typ uint32, raw []byte, order binary.ByteOrder) []rune {
	switch typ {
	case miUint16, miUtf16:
		out := make([]rune, 0, len(raw)/2)
		for i := 0; i+2 <= len(raw); i += 2 {
			out = append(out, rune(order.Uint16(raw[i:i+2])))
		}
		return out
	default:
		return []rune(string(raw))
	}
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// structTable converts a struct variable to a table.
func structTable(v *matValue) *Table {
	t := New(v.fields...)
	nf := len(v.fields)
	if nf == 0 {
		return t
	}

	if v.elems() == 1 {
		cols := make([][]Value, nf)
		rows := 0
		for i := 0; i < nf && i < len(v.cells); i++ {
			cols[i] = columnValues(v.cells[i])
			if len(cols[i]) > rows {
				rows = len(cols[i])
			}
		}
		for r := 0; r < rows; r++ {
			row := make([]Value, nf)
			for i := range cols {
				if r < len(cols[i]) {
					row[i] = cols[i][r]
				} else {
					row[i] = None()
				}
			}
			t.AppendRow(row...)
		}
		return t
	}

	for e := 0; e*nf+nf <= len(v.cells); e++ {
		row := make([]Value, nf)
		for f := 0; f < nf; f++ {
			row[f] = scalarValue(v.cells[e*nf+f])
		}
		t.AppendRow(row...)
	}
	return t
}

// columnValues flattens one scalar-struct field into a column.
func columnValues(c *matValue) []Value {
	if c == nil || c.elems() == 0 {
		return nil
	}
	switch c.class {
	case mxChar:
		// Char matrices are column-major: row r of an m×n matrix is every
		// m-th rune starting at r.
		rows := c.dims[0]
		if rows <= 1 {
			return []Value{charValue(c.chars)}
		}
		out := make([]Value, rows)
		for r := 0; r < rows; r++ {
			var sb strings.Builder
			for i := r; i < len(c.chars); i += rows {
				sb.WriteRune(c.chars[i])
			}
			out[r] = charValue([]rune(sb.String()))
		}
		return out
	case mxCell:
		out := make([]Value, len(c.cells))
		for i, cc := range c.cells {
			out[i] = scalarValue(cc)
		}
		return out
	case mxStruct:
		return nil
	default:
		out := make([]Value, len(c.num))
		for i, f := range c.num {
			out[i] = numValue(f)
		}
		return out
	}
}

// scalarValue renders one array as a single cell.
func scalarValue(c *matValue) Value {
	if c == nil || c.elems() == 0 {
		return None()
	}
	switch c.class {
	case mxChar:
		return charValue(c.chars)
	case mxCell:
		if len(c.cells) == 1 {
			return scalarValue(c.cells[0])
		}
		items := make([]Value, len(c.cells))
		for i, cc := range c.cells {
			items[i] = scalarValue(cc)
		}
		return ListOf(items...)
	case mxStruct:
		return None()
	default:
		if len(c.num) == 1 {
			return numValue(c.num[0])
		}
		items := make([]Value, len(c.num))
		for i, f := range c.num {
			items[i] = numValue(f)
		}
		return ListOf(items...)
	}
}

func numValue(f float64) Value {
	if math.IsNaN(f) {
		return None()
	}
	return Num(f)
}

func charValue(runes []rune) Value {
	s := strings.TrimSpace(string(runes))
	if s == "" {
		return None()
	}
	return Str(s)
}
