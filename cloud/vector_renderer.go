package cloud

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA premultiplies alpha; canvas expects premultiplied colors
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	switch c.A {
	case 0:
		return color.RGBA{}
	case 255:
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	a := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * a) / 255),
		G: uint8((uint32(c.G) * a) / 255),
		B: uint8((uint32(c.B) * a) / 255),
		A: c.A,
	}
}

// VectorRenderer draws clouds top-down as vector graphics: one dot per
// point, optional normal ticks, footprint outlines and a world grid.
// Canvas units are millimetres.
type VectorRenderer struct {
	Clouds       map[string]*Cloud
	Colors       map[string]color.RGBA
	Mode         ColorMode
	Size         float64 // longest drawing side in mm, padding excluded
	Padding      float64 // mm
	PointRadius  float64 // mm
	Resolution   canvas.Resolution
	GridSpacing  float64 // world units; 0 disables the grid
	ShowNormals  bool
	NormalLength float64 // mm
	Footprints   bool
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(clouds map[string]*Cloud) *VectorRenderer {
	colors := make(map[string]color.RGBA)
	palette := DefaultPalette()
	for i, id := range sortedIDs(clouds) {
		colors[id] = palette[i%len(palette)]
	}
	return &VectorRenderer{
		Clouds:       clouds,
		Colors:       colors,
		Size:         200,
		Padding:      10,
		PointRadius:  0.3,
		Resolution:   canvas.DPI(300),
		GridSpacing:  1,
		NormalLength: 2,
		Footprints:   true,
	}
}

// maxGridLines skips the grid when spacing is too fine for the extent
const maxGridLines = 500

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps world XY onto the drawing
type layout struct {
	box           Box
	scale         float64 // mm per world unit
	width, height float64
	padding       float64
}

func (l layout) toCanvas(x, y float64) (float64, float64) {
	return (x-l.box.Min.X)*l.scale + l.padding, (y-l.box.Min.Y)*l.scale + l.padding
}

func (r *VectorRenderer) layout() (layout, error) {
	tr := TopDownRenderer{Clouds: r.Clouds}
	box, ok := tr.CalculateBounds()
	if !ok {
		return layout{}, fmt.Errorf("nothing to render: all clouds are empty")
	}
	extent := math.Max(box.Max.X-box.Min.X, box.Max.Y-box.Min.Y)
	scale := 1.0
	if extent > 0 {
		scale = r.Size / extent
	}
	return layout{
		box:     box,
		scale:   scale,
		width:   (box.Max.X-box.Min.X)*scale + 2*r.Padding,
		height:  (box.Max.Y-box.Min.Y)*scale + 2*r.Padding,
		padding: r.Padding,
	}, nil
}

// RenderToSVG writes the drawing as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the drawing at r.Resolution and writes it as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	extent := math.Max(l.box.Max.X-l.box.Min.X, l.box.Max.Y-l.box.Min.Y)
	if r.GridSpacing > 0 && extent/r.GridSpacing <= maxGridLines {
		r.renderGrid(renderer, l)
	}

	ids := sortedIDs(r.Clouds)
	if r.Footprints {
		for _, id := range ids {
			r.renderFootprint(renderer, l, id)
		}
	}
	for _, id := range ids {
		r.renderPoints(renderer, l, id)
	}
}

func (r *VectorRenderer) renderGrid(renderer canvasRenderer, l layout) {
	gridStyle := canvas.DefaultStyle
	gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
	gridStyle.StrokeWidth = 0.2
	gridStyle.Dashes = []float64{1.0, 1.0}

	b := l.box
	for x := math.Ceil(b.Min.X/r.GridSpacing) * r.GridSpacing; x <= b.Max.X; x += r.GridSpacing {
		p := &canvas.Path{}
		p.MoveTo(l.toCanvas(x, b.Min.Y))
		p.LineTo(l.toCanvas(x, b.Max.Y))
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
	for y := math.Ceil(b.Min.Y/r.GridSpacing) * r.GridSpacing; y <= b.Max.Y; y += r.GridSpacing {
		p := &canvas.Path{}
		p.MoveTo(l.toCanvas(b.Min.X, y))
		p.LineTo(l.toCanvas(b.Max.X, y))
		renderer.RenderPath(p, gridStyle, canvas.Identity)
	}
}

func (r *VectorRenderer) renderFootprint(renderer canvasRenderer, l layout, id string) {
	fp, err := ComputeFootprint(r.Clouds[id])
	if err != nil {
		return
	}
	base := r.sensorColor(id)

	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{base.R, base.G, base.B, 40})}
	style.Stroke = canvas.Paint{Color: base}
	style.StrokeWidth = 0.4

	p := &canvas.Path{}
	for i, pt := range fp.Hull {
		x, y := l.toCanvas(pt[0], pt[1])
		if i == 0 {
			p.MoveTo(x, y)
		} else {
			p.LineTo(x, y)
		}
	}
	p.Close()
	renderer.RenderPath(p, style, canvas.Identity)
}

func (r *VectorRenderer) renderPoints(renderer canvasRenderer, l layout, id string) {
	c := r.Clouds[id]
	base := r.sensorColor(id)
	dot := canvas.Circle(r.PointRadius)

	tr := TopDownRenderer{Mode: r.Mode}
	style := canvas.DefaultStyle
	style.Stroke = canvas.Paint{Color: canvas.Transparent}

	normalStyle := canvas.DefaultStyle
	normalStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	normalStyle.Stroke = canvas.Paint{Color: canvas.Black}
	normalStyle.StrokeWidth = 0.1

	drawNormals := r.ShowNormals && c.HasNormals()
	for i, p := range c.Points {
		x, y := l.toCanvas(p.X, p.Y)
		style.Fill = canvas.Paint{Color: tr.pointColor(c, i, base, l.box)}
		renderer.RenderPath(dot, style, canvas.Identity.Translate(x, y))

		if drawNormals {
			n := c.Normals[i]
			if n.X == 0 && n.Y == 0 {
				continue
			}
			tick := &canvas.Path{}
			tick.MoveTo(x, y)
			tick.LineTo(x+n.X*r.NormalLength, y+n.Y*r.NormalLength)
			renderer.RenderPath(tick, normalStyle, canvas.Identity)
		}
	}
}

func (r *VectorRenderer) sensorColor(id string) color.RGBA {
	if c, ok := r.Colors[id]; ok {
		return c
	}
	return ParseHexColor("")
}
