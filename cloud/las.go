package cloud

import (
	"fmt"
	"image/color"
	"math"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
)

// ReadLAS loads a LAS file. Point format 2 supplies colors; intensity is
// always read.
func ReadLAS(path string) (c *Cloud, err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, fmt.Errorf("opening LAS %s: %w", path, err)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	n := lf.Header.NumberPoints
	c = NewWithCapacity(n)
	c.Intensity = make([]float64, 0, n)
	hasColor := lf.Header.PointFormatID == 2
	if hasColor {
		c.Colors = make([]color.NRGBA, 0, n)
	}

	for i := 0; i < n; i++ {
		p, perr := lf.LasPoint(i)
		if perr != nil {
			return nil, fmt.Errorf("reading LAS point %d: %w", i, perr)
		}
		data := p.PointData()
		c.Points = append(c.Points, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
		c.Intensity = append(c.Intensity, float64(data.Intensity))
		if hasColor {
			col := color.NRGBA{A: 255}
			if rgb := p.RgbData(); rgb != nil {
				col.R = uint8(rgb.Red / 256)
				col.G = uint8(rgb.Green / 256)
				col.B = uint8(rgb.Blue / 256)
			}
			c.Colors = append(c.Colors, col)
		}
	}
	c.Metadata.Width = c.Len()
	return c, nil
}

// WriteLAS saves the cloud as LAS point format 2 when it has colors and
// format 0 otherwise. Intensity is clamped to the uint16 range; normals and
// named fields are not representable and are dropped.
func WriteLAS(path string, c *Cloud) (err error) {
	if err := c.Validate(); err != nil {
		return err
	}
	lf, err := lidario.NewLasFile(path, "w")
	if err != nil {
		return fmt.Errorf("creating LAS %s: %w", path, err)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	pointFormatID := 0
	if c.HasColors() {
		pointFormatID = 2
	}
	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: byte(pointFormatID)}); err != nil {
		return fmt.Errorf("writing LAS header: %w", err)
	}

	for i, p := range c.Points {
		pr0 := &lidario.PointRecord0{
			X: p.X,
			Y: p.Y,
			Z: p.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3),
			},
			ClassBitField: lidario.ClassificationBitField{
				Value: 0,
			},
			PointSourceID: 1,
		}
		if c.HasIntensity() {
			pr0.Intensity = uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(c.Intensity[i]))))
		}

		var lp lidario.LasPointer = pr0
		if c.HasColors() {
			col := c.Colors[i]
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(col.R) * 256,
					Green: uint16(col.G) * 256,
					Blue:  uint16(col.B) * 256,
				},
			}
		}
		if err = lf.AddLasPoint(lp); err != nil {
			return fmt.Errorf("writing LAS point %d: %w", i, err)
		}
	}
	return nil
}
