// Package export renders the annotation document into a PDF. The image itself
// is not embedded; pins and lines are drawn as vectors from their normalized
// coordinates.
package export

import (
	"strconv"

	"github.com/jung-kurt/gofpdf"

	"MapBoard/internal/state"
)

// A4 content area in millimetres, with a small margin.
const (
	pageWidth  = 190.0
	pageHeight = 277.0
	margin     = 10.0
)

// PDF writes the document's lines and pins to path.
func PDF(path string, snap state.Snapshot) error {
	p := gofpdf.New("P", "mm", "A4", "")
	p.AddPage()
	p.SetFont("Helvetica", "", 8)

	w, h := contentSize(snap.ImageSize)

	for _, line := range snap.Lines {
		r, g, b := parseHexColor(line.Color)
		p.SetDrawColor(r, g, b)
		p.SetLineWidth(line.StrokeWidth * 0.25)
		pts := line.Points
		for i := 3; i < len(pts); i += 2 {
			p.Line(
				margin+pts[i-3]*w, margin+pts[i-2]*h,
				margin+pts[i-1]*w, margin+pts[i]*h,
			)
		}
	}

	for i, pin := range snap.Pins {
		r, g, b := parseHexColor(pin.Color)
		p.SetFillColor(r, g, b)
		x, y := margin+pin.X*w, margin+pin.Y*h
		p.Circle(x, y, 1.5, "F")
		label := pin.Text
		if label == "" {
			label = strconv.Itoa(i + 1)
		}
		p.Text(x+2.5, y+1, label)
	}

	return p.OutputFileAndClose(path)
}

// contentSize fits the image aspect ratio into the page content area.
func contentSize(size *state.ImageSize) (w, h float64) {
	w, h = pageWidth, pageHeight
	if size == nil || size.Width == 0 || size.Height == 0 {
		return w, h
	}
	aspect := float64(size.Height) / float64(size.Width)
	if pageWidth*aspect <= pageHeight {
		return pageWidth, pageWidth * aspect
	}
	return pageHeight / aspect, pageHeight
}

// parseHexColor reads "#rrggbb"; anything else comes back black.
func parseHexColor(s string) (r, g, b int) {
	if len(s) != 7 || s[0] != '#' {
		return 0, 0, 0
	}
	rv, err1 := strconv.ParseInt(s[1:3], 16, 0)
	gv, err2 := strconv.ParseInt(s[3:5], 16, 0)
	bv, err3 := strconv.ParseInt(s[5:7], 16, 0)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0
	}
	return int(rv), int(gv), int(bv)
}
