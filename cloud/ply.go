package cloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PLYFormat is the body encoding of a PLY file
type PLYFormat int

const (
	PLYAscii PLYFormat = iota
	PLYBinaryLittleEndian
	PLYBinaryBigEndian
)

func (f PLYFormat) String() string {
	switch f {
	case PLYBinaryLittleEndian:
		return "binary_little_endian"
	case PLYBinaryBigEndian:
		return "binary_big_endian"
	}
	return "ascii"
}

type plyProperty struct {
	name string
	typ  string
	// list properties carry a count type and an item type
	list      bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

func (e *plyElement) propIndex(name string) int {
	for i, p := range e.props {
		if p.name == name {
			return i
		}
	}
	return -1
}

var plyTypeSizes = map[string]int{
	"char": 1, "int8": 1, "uchar": 1, "uint8": 1,
	"short": 2, "int16": 2, "ushort": 2, "uint16": 2,
	"int": 4, "int32": 4, "uint": 4, "uint32": 4,
	"float": 4, "float32": 4, "double": 8, "float64": 8,
}

// ReadPLY decodes the vertex element of a PLY stream. Other elements such as
// faces are read past and dropped.
func ReadPLY(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)
	format, elements, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	var values plyValueReader
	switch format {
	case PLYAscii:
		scanner := bufio.NewScanner(br)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		scanner.Split(bufio.ScanWords)
		values = &plyAsciiReader{scanner: scanner}
	case PLYBinaryLittleEndian:
		values = &plyBinaryReader{r: br, order: binary.LittleEndian}
	default:
		values = &plyBinaryReader{r: br, order: binary.BigEndian}
	}

	var out *Cloud
	for ei := range elements {
		e := &elements[ei]
		if e.name == "vertex" {
			if out, err = readPLYVertices(values, e); err != nil {
				return nil, err
			}
			continue
		}
		if err := skipPLYElement(values, e); err != nil {
			return nil, err
		}
	}
	if out == nil {
		return nil, fmt.Errorf("PLY has no vertex element")
	}
	return out, nil
}

func readPLYHeader(br *bufio.Reader) (PLYFormat, []plyElement, error) {
	magic, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return 0, nil, fmt.Errorf("%w: missing ply magic", ErrUnsupportedFormat)
	}

	var format PLYFormat
	var elements []plyElement
	seenFormat := false
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("reading PLY header: %w", err)
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		switch tokens[0] {
		case "comment", "obj_info":
		case "format":
			if len(tokens) < 2 {
				return 0, nil, fmt.Errorf("PLY format line malformed")
			}
			switch tokens[1] {
			case "ascii":
				format = PLYAscii
			case "binary_little_endian":
				format = PLYBinaryLittleEndian
			case "binary_big_endian":
				format = PLYBinaryBigEndian
			default:
				return 0, nil, fmt.Errorf("%w: PLY format %s", ErrUnsupportedFormat, tokens[1])
			}
			seenFormat = true
		case "element":
			if len(tokens) != 3 {
				return 0, nil, fmt.Errorf("PLY element line malformed: %q", strings.TrimSpace(line))
			}
			count, err := strconv.Atoi(tokens[2])
			if err != nil || count < 0 {
				return 0, nil, fmt.Errorf("PLY element %s count %q", tokens[1], tokens[2])
			}
			elements = append(elements, plyElement{name: tokens[1], count: count})
		case "property":
			if len(elements) == 0 {
				return 0, nil, fmt.Errorf("PLY property before element")
			}
			prop, err := parsePLYProperty(tokens[1:])
			if err != nil {
				return 0, nil, err
			}
			e := &elements[len(elements)-1]
			e.props = append(e.props, prop)
		case "end_header":
			if !seenFormat {
				return 0, nil, fmt.Errorf("PLY header missing format")
			}
			return format, elements, nil
		default:
			return 0, nil, fmt.Errorf("unknown PLY header keyword %q", tokens[0])
		}
	}
}

func parsePLYProperty(tokens []string) (plyProperty, error) {
	if len(tokens) == 4 && tokens[0] == "list" {
		if _, ok := plyTypeSizes[tokens[1]]; !ok {
			return plyProperty{}, fmt.Errorf("PLY list count type %q", tokens[1])
		}
		if _, ok := plyTypeSizes[tokens[2]]; !ok {
			return plyProperty{}, fmt.Errorf("PLY list item type %q", tokens[2])
		}
		return plyProperty{name: tokens[3], typ: tokens[2], list: true, countType: tokens[1]}, nil
	}
	if len(tokens) != 2 {
		return plyProperty{}, fmt.Errorf("PLY property malformed: %v", tokens)
	}
	if _, ok := plyTypeSizes[tokens[0]]; !ok {
		return plyProperty{}, fmt.Errorf("PLY property type %q", tokens[0])
	}
	return plyProperty{name: tokens[1], typ: tokens[0]}, nil
}

// plyValueReader yields one scalar of the given PLY type at a time
type plyValueReader interface {
	next(typ string) (float64, error)
}

type plyAsciiReader struct {
	scanner *bufio.Scanner
}

func (r *plyAsciiReader) next(string) (float64, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return 0, err
		}
		return 0, io.ErrUnexpectedEOF
	}
	return strconv.ParseFloat(r.scanner.Text(), 64)
}

type plyBinaryReader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

func (r *plyBinaryReader) next(typ string) (float64, error) {
	size := plyTypeSizes[typ]
	b := r.buf[:size]
	if _, err := io.ReadFull(r.r, b); err != nil {
		return 0, err
	}
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(r.order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(r.order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(r.order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(r.order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(r.order.Uint32(b))), nil
	default:
		return math.Float64frombits(r.order.Uint64(b)), nil
	}
}

func skipPLYElement(values plyValueReader, e *plyElement) error {
	for i := 0; i < e.count; i++ {
		for _, p := range e.props {
			if err := skipPLYProperty(values, p); err != nil {
				return fmt.Errorf("reading PLY %s %d: %w", e.name, i, err)
			}
		}
	}
	return nil
}

func skipPLYProperty(values plyValueReader, p plyProperty) error {
	if !p.list {
		_, err := values.next(p.typ)
		return err
	}
	n, err := values.next(p.countType)
	if err != nil {
		return err
	}
	for k := 0; k < int(n); k++ {
		if _, err := values.next(p.typ); err != nil {
			return err
		}
	}
	return nil
}

func knownPLYProperty(name string) bool {
	switch name {
	case "x", "y", "z", "red", "green", "blue", "alpha", "intensity", "nx", "ny", "nz", "curvature":
		return true
	}
	return false
}

func readPLYVertices(values plyValueReader, e *plyElement) (*Cloud, error) {
	for _, axis := range []string{"x", "y", "z"} {
		if e.propIndex(axis) < 0 {
			return nil, fmt.Errorf("PLY vertex missing property %s", axis)
		}
	}
	has := func(name string) bool { return e.propIndex(name) >= 0 }

	c := NewWithCapacity(e.count)
	hasColor := has("red") && has("green") && has("blue")
	hasNormals := has("nx") && has("ny") && has("nz")
	if hasColor {
		c.Colors = make([]color.NRGBA, 0, e.count)
	}
	if has("intensity") {
		c.Intensity = make([]float64, 0, e.count)
	}
	if hasNormals {
		c.Normals = make([]r3.Vector, 0, e.count)
	}
	if has("curvature") {
		c.Curvature = make([]float64, 0, e.count)
	}
	for _, p := range e.props {
		if !p.list && !knownPLYProperty(p.name) {
			if c.Fields == nil {
				c.Fields = make(map[string][]float64)
			}
			c.Fields[p.name] = make([]float64, 0, e.count)
		}
	}

	row := make([]float64, len(e.props))
	get := func(name string) float64 { return row[e.propIndex(name)] }
	for i := 0; i < e.count; i++ {
		for j, p := range e.props {
			if p.list {
				if err := skipPLYProperty(values, p); err != nil {
					return nil, fmt.Errorf("reading PLY vertex %d: %w", i, err)
				}
				continue
			}
			v, err := values.next(p.typ)
			if err != nil {
				return nil, fmt.Errorf("reading PLY vertex %d: %w", i, err)
			}
			row[j] = v
		}

		c.Points = append(c.Points, r3.Vector{X: get("x"), Y: get("y"), Z: get("z")})
		if hasColor {
			a := 255.0
			if has("alpha") {
				a = get("alpha")
			}
			c.Colors = append(c.Colors, color.NRGBA{
				R: clampByte(get("red")), G: clampByte(get("green")), B: clampByte(get("blue")), A: clampByte(a),
			})
		}
		if c.Intensity != nil {
			c.Intensity = append(c.Intensity, get("intensity"))
		}
		if hasNormals {
			c.Normals = append(c.Normals, r3.Vector{X: get("nx"), Y: get("ny"), Z: get("nz")})
		}
		if c.Curvature != nil {
			c.Curvature = append(c.Curvature, get("curvature"))
		}
		for name := range c.Fields {
			c.Fields[name] = append(c.Fields[name], get(name))
		}
	}
	c.Metadata.Width = c.Len()
	return c, nil
}

func clampByte(v float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(v))))
}

// WritePLY encodes the cloud as a PLY vertex element
func WritePLY(w io.Writer, c *Cloud, format PLYFormat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	type column struct {
		name string
		typ  string
		get  func(i int) float64
	}
	cols := []column{
		{"x", "double", func(i int) float64 { return c.Points[i].X }},
		{"y", "double", func(i int) float64 { return c.Points[i].Y }},
		{"z", "double", func(i int) float64 { return c.Points[i].Z }},
	}
	if c.Colors != nil {
		cols = append(cols,
			column{"red", "uchar", func(i int) float64 { return float64(c.Colors[i].R) }},
			column{"green", "uchar", func(i int) float64 { return float64(c.Colors[i].G) }},
			column{"blue", "uchar", func(i int) float64 { return float64(c.Colors[i].B) }},
		)
	}
	if c.Intensity != nil {
		cols = append(cols, column{"intensity", "double", func(i int) float64 { return c.Intensity[i] }})
	}
	if c.Normals != nil {
		cols = append(cols,
			column{"nx", "double", func(i int) float64 { return c.Normals[i].X }},
			column{"ny", "double", func(i int) float64 { return c.Normals[i].Y }},
			column{"nz", "double", func(i int) float64 { return c.Normals[i].Z }},
		)
	}
	if c.Curvature != nil {
		cols = append(cols, column{"curvature", "double", func(i int) float64 { return c.Curvature[i] }})
	}
	for _, name := range c.FieldNames() {
		values := c.Fields[name]
		cols = append(cols, column{name, "double", func(i int) float64 { return values[i] }})
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "ply")
	fmt.Fprintf(bw, "format %s 1.0\n", format)
	fmt.Fprintln(bw, "comment generated by cloudmesh")
	fmt.Fprintf(bw, "element vertex %d\n", c.Len())
	for _, col := range cols {
		fmt.Fprintf(bw, "property %s %s\n", col.typ, col.name)
	}
	fmt.Fprintln(bw, "end_header")

	var order binary.ByteOrder = binary.LittleEndian
	if format == PLYBinaryBigEndian {
		order = binary.BigEndian
	}
	buf := make([]byte, 8)
	line := make([]string, len(cols))
	for i := range c.Points {
		for j, col := range cols {
			v := col.get(i)
			switch {
			case format == PLYAscii && col.typ == "uchar":
				line[j] = strconv.Itoa(int(v))
			case format == PLYAscii:
				line[j] = formatFloat(v)
			case col.typ == "uchar":
				bw.WriteByte(uint8(v))
			default:
				order.PutUint64(buf, math.Float64bits(v))
				bw.Write(buf)
			}
		}
		if format == PLYAscii {
			fmt.Fprintln(bw, strings.Join(line, " "))
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing PLY: %w", err)
	}
	return nil
}
