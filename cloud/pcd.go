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

// PCDFormat is the DATA encoding of a PCD file
type PCDFormat int

const (
	PCDAscii PCDFormat = iota
	PCDBinary
)

func (f PCDFormat) String() string {
	if f == PCDBinary {
		return "binary"
	}
	return "ascii"
}

// pcdField is one FIELDS entry with its SIZE, TYPE and COUNT
type pcdField struct {
	name  string
	size  int
	typ   byte
	count int
}

type pcdHeader struct {
	fields    []pcdField
	width     int
	height    int
	points    int
	viewpoint [7]float64
	data      PCDFormat
}

// rowSize is the byte length of one binary record
func (h *pcdHeader) rowSize() int {
	n := 0
	for _, f := range h.fields {
		n += f.size * f.count
	}
	return n
}

// ReadPCD decodes a PCD v0.7 stream with ascii or binary data
func ReadPCD(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)
	h, err := readPCDHeader(br)
	if err != nil {
		return nil, err
	}

	b := newPCDBuilder(h)
	switch h.data {
	case PCDAscii:
		err = readPCDAscii(br, h, b)
	case PCDBinary:
		err = readPCDBinary(br, h, b)
	}
	if err != nil {
		return nil, err
	}
	return b.finish(), nil
}

func readPCDHeader(br *bufio.Reader) (*pcdHeader, error) {
	h := &pcdHeader{height: 1, points: -1, viewpoint: [7]float64{0, 0, 0, 1, 0, 0, 0}}
	var sizes, counts []int
	var types []string

	for {
		line, readErr := br.ReadString('\n')
		if readErr != nil && (readErr != io.EOF || line == "") {
			return nil, fmt.Errorf("reading PCD header: %w", readErr)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)
		key, values := strings.ToUpper(tokens[0]), tokens[1:]
		var err error

		switch key {
		case "VERSION":
		case "FIELDS":
			h.fields = make([]pcdField, len(values))
			for i, name := range values {
				h.fields[i] = pcdField{name: name, size: 4, typ: 'F', count: 1}
			}
		case "SIZE":
			if sizes, err = parseInts(values); err != nil {
				return nil, fmt.Errorf("parsing PCD SIZE: %w", err)
			}
		case "TYPE":
			types = values
		case "COUNT":
			if counts, err = parseInts(values); err != nil {
				return nil, fmt.Errorf("parsing PCD COUNT: %w", err)
			}
		case "WIDTH":
			if h.width, err = parseSingleInt(values); err != nil {
				return nil, fmt.Errorf("parsing PCD WIDTH: %w", err)
			}
		case "HEIGHT":
			if h.height, err = parseSingleInt(values); err != nil {
				return nil, fmt.Errorf("parsing PCD HEIGHT: %w", err)
			}
		case "VIEWPOINT":
			if len(values) != 7 {
				return nil, fmt.Errorf("PCD VIEWPOINT needs 7 values, got %d", len(values))
			}
			for i, v := range values {
				if h.viewpoint[i], err = strconv.ParseFloat(v, 64); err != nil {
					return nil, fmt.Errorf("parsing PCD VIEWPOINT: %w", err)
				}
			}
		case "POINTS":
			if h.points, err = parseSingleInt(values); err != nil {
				return nil, fmt.Errorf("parsing PCD POINTS: %w", err)
			}
		case "DATA":
			if len(values) != 1 {
				return nil, fmt.Errorf("PCD DATA needs one value")
			}
			switch values[0] {
			case "ascii":
				h.data = PCDAscii
			case "binary":
				h.data = PCDBinary
			default:
				return nil, fmt.Errorf("%w: PCD DATA %s", ErrUnsupportedFormat, values[0])
			}
			if err := h.finalize(sizes, types, counts); err != nil {
				return nil, err
			}
			return h, nil
		default:
			return nil, fmt.Errorf("unknown PCD header key %q", tokens[0])
		}
		if readErr == io.EOF {
			return nil, fmt.Errorf("PCD header ended before DATA")
		}
	}
}

func (h *pcdHeader) finalize(sizes []int, types []string, counts []int) error {
	if len(h.fields) == 0 {
		return fmt.Errorf("PCD header has no FIELDS")
	}
	if sizes != nil && len(sizes) != len(h.fields) {
		return fmt.Errorf("PCD SIZE has %d entries for %d fields", len(sizes), len(h.fields))
	}
	if types != nil && len(types) != len(h.fields) {
		return fmt.Errorf("PCD TYPE has %d entries for %d fields", len(types), len(h.fields))
	}
	if counts != nil && len(counts) != len(h.fields) {
		return fmt.Errorf("PCD COUNT has %d entries for %d fields", len(counts), len(h.fields))
	}
	for i := range h.fields {
		f := &h.fields[i]
		if sizes != nil {
			f.size = sizes[i]
		}
		if types != nil {
			if len(types[i]) != 1 || !strings.Contains("FIU", types[i]) {
				return fmt.Errorf("PCD TYPE %q for field %s", types[i], f.name)
			}
			f.typ = types[i][0]
		}
		if counts != nil {
			f.count = counts[i]
		}
		if !validPCDSize(f.typ, f.size) {
			return fmt.Errorf("PCD field %s: unsupported TYPE %c SIZE %d", f.name, f.typ, f.size)
		}
	}
	if h.points < 0 {
		h.points = h.width * h.height
	}
	if h.points != h.width*h.height {
		return fmt.Errorf("PCD POINTS %d does not match WIDTH*HEIGHT %d", h.points, h.width*h.height)
	}
	for _, axis := range []string{"x", "y", "z"} {
		if h.fieldIndex(axis) < 0 {
			return fmt.Errorf("PCD header missing field %s", axis)
		}
	}
	return nil
}

func (h *pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f.name == name {
			return i
		}
	}
	return -1
}

func validPCDSize(typ byte, size int) bool {
	switch typ {
	case 'F':
		return size == 4 || size == 8
	case 'I', 'U':
		return size == 1 || size == 2 || size == 4 || size == 8
	}
	return false
}

func parseInts(values []string) ([]int, error) {
	out := make([]int, len(values))
	for i, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func parseSingleInt(values []string) (int, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("expected one value, got %d", len(values))
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, nil
}

// pcdBuilder maps decoded field values onto cloud columns
type pcdBuilder struct {
	h     *pcdHeader
	cloud *Cloud
	// offsets[i] is the first value slot of field i within a record
	offsets []int
	values  []float64
	dense   bool
}

func newPCDBuilder(h *pcdHeader) *pcdBuilder {
	b := &pcdBuilder{h: h, cloud: NewWithCapacity(h.points), dense: true}
	total := 0
	for _, f := range h.fields {
		b.offsets = append(b.offsets, total)
		total += f.count
	}
	b.values = make([]float64, total)

	c := b.cloud
	if h.fieldIndex("rgb") >= 0 || h.fieldIndex("rgba") >= 0 {
		c.Colors = make([]color.NRGBA, 0, h.points)
	}
	if h.fieldIndex("intensity") >= 0 {
		c.Intensity = make([]float64, 0, h.points)
	}
	if h.fieldIndex("normal_x") >= 0 && h.fieldIndex("normal_y") >= 0 && h.fieldIndex("normal_z") >= 0 {
		c.Normals = make([]r3.Vector, 0, h.points)
	}
	if h.fieldIndex("curvature") >= 0 {
		c.Curvature = make([]float64, 0, h.points)
	}
	for _, f := range h.fields {
		if f.count == 1 && !knownPCDField(f.name) {
			if c.Fields == nil {
				c.Fields = make(map[string][]float64)
			}
			c.Fields[f.name] = make([]float64, 0, h.points)
		}
	}
	return b
}

func knownPCDField(name string) bool {
	switch name {
	case "x", "y", "z", "rgb", "rgba", "intensity", "normal_x", "normal_y", "normal_z", "curvature", "_":
		return true
	}
	return false
}

func (b *pcdBuilder) value(name string) float64 {
	return b.values[b.offsets[b.h.fieldIndex(name)]]
}

// addRecord appends the point held in b.values
func (b *pcdBuilder) addRecord() {
	c := b.cloud
	p := r3.Vector{X: b.value("x"), Y: b.value("y"), Z: b.value("z")}
	if !finiteVector(p) {
		b.dense = false
	}
	c.Points = append(c.Points, p)
	if c.Colors != nil {
		name := "rgb"
		if b.h.fieldIndex(name) < 0 {
			name = "rgba"
		}
		c.Colors = append(c.Colors, unpackRGB(b.packedColor(name)))
	}
	if c.Intensity != nil {
		c.Intensity = append(c.Intensity, b.value("intensity"))
	}
	if c.Normals != nil {
		c.Normals = append(c.Normals, r3.Vector{X: b.value("normal_x"), Y: b.value("normal_y"), Z: b.value("normal_z")})
	}
	if c.Curvature != nil {
		c.Curvature = append(c.Curvature, b.value("curvature"))
	}
	for name := range c.Fields {
		c.Fields[name] = append(c.Fields[name], b.value(name))
	}
}

// packedColor reads a packed rgb field. Float fields carry the bits of a uint32.
func (b *pcdBuilder) packedColor(name string) uint32 {
	f := b.h.fields[b.h.fieldIndex(name)]
	v := b.value(name)
	if f.typ == 'F' {
		return math.Float32bits(float32(v))
	}
	return uint32(v)
}

func (b *pcdBuilder) finish() *Cloud {
	c := b.cloud
	c.Metadata.Width = b.h.width
	c.Metadata.Height = b.h.height
	c.Metadata.Dense = b.dense
	vp := b.h.viewpoint
	if vp[0] != 0 || vp[1] != 0 || vp[2] != 0 {
		c.Metadata.SensorOrigin = &r3.Vector{X: vp[0], Y: vp[1], Z: vp[2]}
	}
	c.Metadata.SensorOrientation = [4]float64{vp[3], vp[4], vp[5], vp[6]}
	return c
}

func readPCDAscii(br *bufio.Reader, h *pcdHeader, b *pcdBuilder) error {
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	read := 0
	for read < h.points && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tokens := strings.Fields(line)
		if len(tokens) != len(b.values) {
			return fmt.Errorf("PCD point %d: expected %d values, got %d", read, len(b.values), len(tokens))
		}
		for i, tok := range tokens {
			v, err := parsePCDValue(tok)
			if err != nil {
				return fmt.Errorf("PCD point %d value %d: %w", read, i, err)
			}
			b.values[i] = v
		}
		b.addRecord()
		read++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading PCD data: %w", err)
	}
	if read != h.points {
		return fmt.Errorf("PCD data has %d points, header declares %d", read, h.points)
	}
	return nil
}

func parsePCDValue(tok string) (float64, error) {
	switch strings.ToLower(tok) {
	case "nan":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(tok, 64)
}

func readPCDBinary(br *bufio.Reader, h *pcdHeader, b *pcdBuilder) error {
	row := make([]byte, h.rowSize())
	for p := 0; p < h.points; p++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return fmt.Errorf("reading PCD binary point %d: %w", p, err)
		}
		off, slot := 0, 0
		for _, f := range h.fields {
			for k := 0; k < f.count; k++ {
				b.values[slot] = decodePCDBinary(row[off:off+f.size], f)
				off += f.size
				slot++
			}
		}
		b.addRecord()
	}
	return nil
}

func decodePCDBinary(buf []byte, f pcdField) float64 {
	le := binary.LittleEndian
	switch f.typ {
	case 'F':
		if f.size == 4 {
			return float64(math.Float32frombits(le.Uint32(buf)))
		}
		return math.Float64frombits(le.Uint64(buf))
	case 'I':
		switch f.size {
		case 1:
			return float64(int8(buf[0]))
		case 2:
			return float64(int16(le.Uint16(buf)))
		case 4:
			return float64(int32(le.Uint32(buf)))
		default:
			return float64(int64(le.Uint64(buf)))
		}
	default:
		switch f.size {
		case 1:
			return float64(buf[0])
		case 2:
			return float64(le.Uint16(buf))
		case 4:
			return float64(le.Uint32(buf))
		default:
			return float64(le.Uint64(buf))
		}
	}
}

// packRGB packs a color as r<<16 | g<<8 | b
func packRGB(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

func unpackRGB(v uint32) color.NRGBA {
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// pcdColumns lists the fields written for a cloud, in file order
func pcdColumns(c *Cloud) []pcdField {
	f8 := func(name string) pcdField { return pcdField{name: name, size: 8, typ: 'F', count: 1} }
	cols := []pcdField{f8("x"), f8("y"), f8("z")}
	if c.Colors != nil {
		cols = append(cols, pcdField{name: "rgb", size: 4, typ: 'U', count: 1})
	}
	if c.Intensity != nil {
		cols = append(cols, f8("intensity"))
	}
	if c.Normals != nil {
		cols = append(cols, f8("normal_x"), f8("normal_y"), f8("normal_z"))
	}
	if c.Curvature != nil {
		cols = append(cols, f8("curvature"))
	}
	for _, name := range c.FieldNames() {
		cols = append(cols, f8(name))
	}
	return cols
}

// pcdValue returns field name's value for point i
func pcdValue(c *Cloud, i int, name string) float64 {
	switch name {
	case "x":
		return c.Points[i].X
	case "y":
		return c.Points[i].Y
	case "z":
		return c.Points[i].Z
	case "rgb":
		return float64(packRGB(c.Colors[i]))
	case "intensity":
		return c.Intensity[i]
	case "normal_x":
		return c.Normals[i].X
	case "normal_y":
		return c.Normals[i].Y
	case "normal_z":
		return c.Normals[i].Z
	case "curvature":
		return c.Curvature[i]
	}
	return c.Fields[name][i]
}

// WritePCD encodes the cloud as PCD v0.7
func WritePCD(w io.Writer, c *Cloud, format PCDFormat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	cols := pcdColumns(c)
	bw := bufio.NewWriter(w)

	width, height := c.Len(), 1
	if c.Metadata.IsOrganized() && c.Metadata.Width*c.Metadata.Height == c.Len() {
		width, height = c.Metadata.Width, c.Metadata.Height
	}
	var origin r3.Vector
	if c.Metadata.SensorOrigin != nil {
		origin = *c.Metadata.SensorOrigin
	}
	q := c.Metadata.SensorOrientation
	if q == ([4]float64{}) {
		q = [4]float64{1, 0, 0, 0}
	}

	names := make([]string, len(cols))
	sizes := make([]string, len(cols))
	types := make([]string, len(cols))
	counts := make([]string, len(cols))
	for i, f := range cols {
		names[i] = f.name
		sizes[i] = strconv.Itoa(f.size)
		types[i] = string(f.typ)
		counts[i] = "1"
	}

	fmt.Fprintln(bw, "# .PCD v0.7 - Point Cloud Data file format")
	fmt.Fprintln(bw, "VERSION 0.7")
	fmt.Fprintf(bw, "FIELDS %s\n", strings.Join(names, " "))
	fmt.Fprintf(bw, "SIZE %s\n", strings.Join(sizes, " "))
	fmt.Fprintf(bw, "TYPE %s\n", strings.Join(types, " "))
	fmt.Fprintf(bw, "COUNT %s\n", strings.Join(counts, " "))
	fmt.Fprintf(bw, "WIDTH %d\n", width)
	fmt.Fprintf(bw, "HEIGHT %d\n", height)
	fmt.Fprintf(bw, "VIEWPOINT %s %s %s %s %s %s %s\n",
		formatFloat(origin.X), formatFloat(origin.Y), formatFloat(origin.Z),
		formatFloat(q[0]), formatFloat(q[1]), formatFloat(q[2]), formatFloat(q[3]))
	fmt.Fprintf(bw, "POINTS %d\n", c.Len())
	fmt.Fprintf(bw, "DATA %s\n", format)

	switch format {
	case PCDBinary:
		buf := make([]byte, 8)
		for i := range c.Points {
			for _, f := range cols {
				v := pcdValue(c, i, f.name)
				if f.typ == 'U' {
					binary.LittleEndian.PutUint32(buf, uint32(v))
					bw.Write(buf[:4])
					continue
				}
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
				bw.Write(buf)
			}
		}
	default:
		line := make([]string, len(cols))
		for i := range c.Points {
			for j, f := range cols {
				v := pcdValue(c, i, f.name)
				if f.typ == 'U' {
					line[j] = strconv.FormatUint(uint64(v), 10)
				} else {
					line[j] = formatFloat(v)
				}
			}
			fmt.Fprintln(bw, strings.Join(line, " "))
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing PCD: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
