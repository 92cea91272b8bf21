// Package gridimage renders visited tiles as a PNG overview: one filled
// cell per tile, the largest cluster in a brighter shade, the largest
// square outlined, and an optional caption strip with the headline
// numbers.  Everything works on plain tile coordinates so the renderer
// stays independent of storage and transport.
package gridimage

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"explorer-tile-map/pkg/tiles"
)

const (
	defaultCellPx = 8
	defaultMaxPx  = 2048
	marginPx      = 8
	captionPx     = 24
)

var (
	colorBackground = color.NRGBA{R: 16, G: 18, B: 24, A: 255}
	colorCaption    = color.NRGBA{R: 28, G: 32, B: 42, A: 255}
	colorVisited    = color.NRGBA{R: 58, G: 134, B: 222, A: 255}
	colorCluster    = color.NRGBA{R: 104, G: 196, B: 255, A: 255}
	colorSquare     = color.NRGBA{R: 255, G: 193, B: 7, A: 255}
	colorText       = color.NRGBA{R: 232, G: 234, B: 237, A: 255}
)

// Options tune the rendering.  Zero values give an overview bounded to
// 2048 pixels per side with 8-pixel cells.
type Options struct {
	CellPx int    // pixels per tile cell before shrinking to fit
	MaxPx  int    // bound on the grid's width and height in pixels
	Title  string // caption drawn in a strip above the grid, empty for none
}

// Render draws the tile grid.  North stays up: slippy tile Y grows
// southward, which matches screen coordinates.  When one pixel per tile
// still overflows MaxPx, several tiles collapse into one pixel.
func Render(coords []tiles.Coord, square tiles.Square, cluster tiles.Cluster, opt Options) ([]byte, error) {
	if len(coords) == 0 {
		return nil, errors.New("no tiles to draw")
	}

	cell := opt.CellPx
	if cell <= 0 {
		cell = defaultCellPx
	}
	maxPx := opt.MaxPx
	if maxPx <= 0 {
		maxPx = defaultMaxPx
	}

	minX, minY, maxX, maxY := coords[0].X, coords[0].Y, coords[0].X, coords[0].Y
	for _, c := range coords[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}
	gridW := int(maxX-minX) + 1
	gridH := int(maxY-minY) + 1

	span := gridW
	if gridH > span {
		span = gridH
	}
	if cell*span > maxPx {
		cell = maxPx / span
	}
	stride := 1
	if cell < 1 {
		cell = 1
		stride = (span + maxPx - 1) / maxPx
	}

	plotW := (gridW + stride - 1) / stride * cell
	plotH := (gridH + stride - 1) / stride * cell

	captionH := 0
	if opt.Title != "" {
		captionH = captionPx
	}
	width := plotW + 2*marginPx
	height := captionH + plotH + 2*marginPx

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	fillRect(img, img.Bounds(), colorBackground)

	inCluster := make(map[[2]uint32]struct{}, len(cluster.Tiles))
	for _, c := range cluster.Tiles {
		inCluster[[2]uint32{c.X, c.Y}] = struct{}{}
	}

	// Leave a one-pixel gap between cells when they are big enough to
	// show one, so individual tiles stay distinguishable.
	cw := cell
	if cell >= 4 {
		cw = cell - 1
	}
	for _, c := range coords {
		px := marginPx + int(c.X-minX)/stride*cell
		py := captionH + marginPx + int(c.Y-minY)/stride*cell
		fill := colorVisited
		if _, ok := inCluster[[2]uint32{c.X, c.Y}]; ok {
			fill = colorCluster
		}
		fillRect(img, image.Rect(px, py, px+cw, py+cw), fill)
	}

	if square.Size > 0 {
		x0 := marginPx + int(square.TopLeft.X-minX)/stride*cell
		y0 := captionH + marginPx + int(square.TopLeft.Y-minY)/stride*cell
		side := (square.Size + stride - 1) / stride * cell
		strokeWidth := cell / 4
		if strokeWidth < 1 {
			strokeWidth = 1
		}
		strokeRect(img, image.Rect(x0, y0, x0+side, y0+side), colorSquare, strokeWidth)
	}

	if captionH > 0 {
		fillRect(img, image.Rect(0, 0, width, captionH), colorCaption)
		face := basicfont.Face7x13
		textX := (width - font.MeasureString(face, opt.Title).Ceil()) / 2
		if textX < marginPx {
			textX = marginPx
		}
		textY := (captionH-face.Metrics().Height.Ceil())/2 + face.Metrics().Ascent.Ceil()
		drawText(img, textX, textY, colorText, opt.Title)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func fillRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Over)
}

func strokeRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA, width int) {
	for i := 0; i < width; i++ {
		rr := r.Inset(i)
		if rr.Empty() {
			return
		}
		fillRect(img, image.Rect(rr.Min.X, rr.Min.Y, rr.Max.X, rr.Min.Y+1), c)
		fillRect(img, image.Rect(rr.Min.X, rr.Max.Y-1, rr.Max.X, rr.Max.Y), c)
		fillRect(img, image.Rect(rr.Min.X, rr.Min.Y, rr.Min.X+1, rr.Max.Y), c)
		fillRect(img, image.Rect(rr.Max.X-1, rr.Min.Y, rr.Max.X, rr.Max.Y), c)
	}
}

func drawText(img *image.NRGBA, x, y int, c color.NRGBA, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
