package tiles

// Square is the largest axis-aligned block of visited tiles, identified by
// its top-left corner and edge length in tiles.
type Square struct {
	Size    int   `json:"size"`
	TopLeft Coord `json:"topLeft"`
}

// Bounds returns the geographic box covering the whole square.
func (s Square) Bounds() Bounds {
	if s.Size == 0 {
		return Bounds{}
	}
	tl := s.TopLeft.Bounds()
	br := Coord{
		X: s.TopLeft.X + uint32(s.Size) - 1,
		Y: s.TopLeft.Y + uint32(s.Size) - 1,
		Z: s.TopLeft.Z,
	}.Bounds()
	return Bounds{MinLat: br.MinLat, MinLon: tl.MinLon, MaxLat: tl.MaxLat, MaxLon: br.MaxLon}
}

// MaxSquare finds the largest fully-visited square via dynamic programming
// over the bounding box of the input. Each cell stores the edge of the
// largest square ending at that cell as its bottom-right corner: 1 on the
// box edge, otherwise min(above, left, above-left)+1 when the tile is
// visited. Memory is width*height of the bounding box, which stays small
// for real-world tracks that hug a home region.
//
// When several squares share the maximal size the first one encountered in
// row-major scan order wins, so results are stable across runs.
func MaxSquare(coords []Coord) Square {
	if len(coords) == 0 {
		return Square{}
	}

	minX, maxX := coords[0].X, coords[0].X
	minY, maxY := coords[0].Y, coords[0].Y
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

	width := int(maxX-minX) + 1
	height := int(maxY-minY) + 1

	grid := make([]bool, width*height)
	for _, c := range coords {
		grid[int(c.Y-minY)*width+int(c.X-minX)] = true
	}

	dp := make([]int, width*height)
	best := Square{}
	zoom := coords[0].Z
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			if !grid[i] {
				continue
			}
			size := 1
			if x > 0 && y > 0 {
				size = dp[i-width]
				if left := dp[i-1]; left < size {
					size = left
				}
				if diag := dp[i-width-1]; diag < size {
					size = diag
				}
				size++
			}
			dp[i] = size
			if size > best.Size {
				best = Square{
					Size: size,
					TopLeft: Coord{
						X: minX + uint32(x-size+1),
						Y: minY + uint32(y-size+1),
						Z: zoom,
					},
				}
			}
		}
	}
	return best
}
