package cloud

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sort"

	"go.uber.org/multierr"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ColorMode selects how the renderers color points
type ColorMode int

const (
	// ColorBySensor uses the sensor's configured color
	ColorBySensor ColorMode = iota
	// ColorByHeight maps Z onto a blue-to-red ramp
	ColorByHeight
	// ColorByRGB uses per-point colors, falling back to the sensor color
	ColorByRGB
)

// ParseColorMode converts "sensor", "height" or "rgb" to a ColorMode
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "", "sensor":
		return ColorBySensor, nil
	case "height":
		return ColorByHeight, nil
	case "rgb":
		return ColorByRGB, nil
	}
	return ColorBySensor, fmt.Errorf("unknown color mode %q", s)
}

const (
	defaultRenderSize = 800  // longest image side when Scale is unset
	maxRenderSize     = 4000 // hard cap on either image side
)

var backgroundColor = color.RGBA{240, 240, 240, 255}

// TopDownRenderer rasterizes clouds projected onto the XY plane, +Y up
type TopDownRenderer struct {
	Clouds  map[string]*Cloud
	Colors  map[string]color.RGBA
	Mode    ColorMode
	Scale   float64 // pixels per world unit; 0 fits the longest side to 800px
	Padding int
	Legend  bool
}

// NewTopDownRenderer creates a renderer with default colors per sensor
func NewTopDownRenderer(clouds map[string]*Cloud) *TopDownRenderer {
	r := &TopDownRenderer{
		Clouds:  clouds,
		Colors:  make(map[string]color.RGBA),
		Padding: 20,
		Legend:  true,
	}
	palette := DefaultPalette()
	for i, id := range sortedIDs(clouds) {
		r.Colors[id] = palette[i%len(palette)]
	}
	return r
}

// DefaultPalette returns distinct colors assigned to sensors in ID order
func DefaultPalette() []color.RGBA {
	return []color.RGBA{
		{0, 0, 139, 255},    // dark blue
		{139, 0, 0, 255},    // dark red
		{0, 100, 0, 255},    // dark green
		{184, 134, 11, 255}, // dark goldenrod
		{128, 0, 128, 255},  // purple
		{0, 128, 128, 255},  // teal
	}
}

func sortedIDs(clouds map[string]*Cloud) []string {
	ids := make([]string, 0, len(clouds))
	for id := range clouds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasDrawableContent reports whether any cloud has points
func (r *TopDownRenderer) HasDrawableContent() bool {
	for _, c := range r.Clouds {
		if !c.Empty() {
			return true
		}
	}
	return false
}

// CalculateBounds returns the box enclosing every cloud; ok is false when
// all clouds are empty
func (r *TopDownRenderer) CalculateBounds() (Box, bool) {
	var box Box
	found := false
	for _, c := range r.Clouds {
		b, ok := c.Bounds()
		if !ok {
			continue
		}
		if !found {
			box = b
			found = true
			continue
		}
		box.Min.X = math.Min(box.Min.X, b.Min.X)
		box.Min.Y = math.Min(box.Min.Y, b.Min.Y)
		box.Min.Z = math.Min(box.Min.Z, b.Min.Z)
		box.Max.X = math.Max(box.Max.X, b.Max.X)
		box.Max.Y = math.Max(box.Max.Y, b.Max.Y)
		box.Max.Z = math.Max(box.Max.Z, b.Max.Z)
	}
	return box, found
}

// scaleFor resolves the pixels-per-unit factor for the given bounds
func (r *TopDownRenderer) scaleFor(box Box) float64 {
	extent := math.Max(box.Max.X-box.Min.X, box.Max.Y-box.Min.Y)
	scale := r.Scale
	if scale <= 0 {
		if extent <= 0 {
			return 1
		}
		scale = defaultRenderSize / extent
	}
	if extent*scale > maxRenderSize {
		scale = maxRenderSize / extent
	}
	return scale
}

// Render creates the image
func (r *TopDownRenderer) Render() *image.RGBA {
	box, ok := r.CalculateBounds()
	scale := 1.0
	width, height := 2*r.Padding+1, 2*r.Padding+1
	if ok {
		scale = r.scaleFor(box)
		width = int((box.Max.X-box.Min.X)*scale) + 2*r.Padding + 1
		height = int((box.Max.Y-box.Min.Y)*scale) + 2*r.Padding + 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, backgroundColor)
		}
	}
	if !ok {
		return img
	}

	toImage := func(x, y float64) (int, int) {
		ix := int((x-box.Min.X)*scale) + r.Padding
		iy := height - 1 - (int((y-box.Min.Y)*scale) + r.Padding)
		return ix, iy
	}

	for _, id := range sortedIDs(r.Clouds) {
		c := r.Clouds[id]
		base := r.sensorColor(id)
		for i, p := range c.Points {
			ix, iy := toImage(p.X, p.Y)
			if ix < 0 || ix >= width || iy < 0 || iy >= height {
				continue
			}
			fg := r.pointColor(c, i, base, box)
			img.Set(ix, iy, blendColors(img.RGBAAt(ix, iy), color.NRGBA{fg.R, fg.G, fg.B, 200}))
		}
	}

	if r.Legend {
		r.drawLegend(img)
	}
	return img
}

func (r *TopDownRenderer) sensorColor(id string) color.RGBA {
	if c, ok := r.Colors[id]; ok {
		return c
	}
	return ParseHexColor("")
}

func (r *TopDownRenderer) pointColor(c *Cloud, i int, base color.RGBA, box Box) color.RGBA {
	switch r.Mode {
	case ColorByHeight:
		return heightColor(c.Points[i].Z, box.Min.Z, box.Max.Z)
	case ColorByRGB:
		if c.HasColors() {
			col := c.Colors[i]
			return color.RGBA{col.R, col.G, col.B, 255}
		}
	}
	return base
}

// heightColor maps z in [lo, hi] to a blue-to-red ramp
func heightColor(z, lo, hi float64) color.RGBA {
	t := 0.5
	if hi > lo {
		t = (z - lo) / (hi - lo)
	}
	t = math.Max(0, math.Min(1, t))
	return color.RGBA{
		R: uint8(math.Round(255 * t)),
		G: uint8(math.Round(255 * (1 - math.Abs(2*t-1)) * 0.6)),
		B: uint8(math.Round(255 * (1 - t))),
		A: 255,
	}
}

// SavePNG renders and writes the image to path
func (r *TopDownRenderer) SavePNG(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return r.WritePNG(f)
}

// WritePNG renders and encodes the image to w
func (r *TopDownRenderer) WritePNG(w io.Writer) error {
	return png.Encode(w, r.Render())
}

// blendColors alpha-blends fg over bg
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	var base color.NRGBA
	switch bg.A {
	case 0:
	case 255:
		base = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		// un-premultiply
		a := uint32(bg.A)
		base = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / a),
			G: uint8((uint32(bg.G) * 255) / a),
			B: uint8((uint32(bg.B) * 255) / a),
			A: bg.A,
		}
	}

	alpha := float64(fg.A) / 255.0
	inv := 1.0 - alpha
	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(base.R)*inv),
		G: uint8(float64(fg.G)*alpha + float64(base.G)*inv),
		B: uint8(float64(fg.B)*alpha + float64(base.B)*inv),
		A: 255,
	}
}

// drawLegend lists sensor IDs with their color and point count, top-left
func (r *TopDownRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, id := range sortedIDs(r.Clouds) {
		swatch := r.sensorColor(id)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-10, swatch)
			}
		}
		label := fmt.Sprintf("%s (%d)", id, r.Clouds[id].Len())
		drawText(img, 28, y, label, color.RGBA{0, 0, 0, 255})
		y += 18
	}
}

// drawText renders text with its baseline at (x, y)
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// ParseHexColor parses "#RRGGBB"; anything else yields red
func ParseHexColor(hex string) color.RGBA {
	fallback := color.RGBA{255, 0, 0, 255}
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return fallback
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return fallback
	}
	return color.RGBA{r, g, b, 255}
}

// RenderTopDown renders clouds to a PNG at path, using configured sensor
// colors where present
func RenderTopDown(clouds map[string]*Cloud, sensors []SensorConfig, mode ColorMode, path string) error {
	r := NewTopDownRenderer(clouds)
	r.Mode = mode
	for _, sc := range sensors {
		if sc.Color != "" {
			r.Colors[sc.ID] = ParseHexColor(sc.Color)
		}
	}
	if !r.HasDrawableContent() {
		return fmt.Errorf("nothing to render: all clouds are empty")
	}
	return r.SavePNG(path)
}
