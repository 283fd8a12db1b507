package vision

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/LucaChen/stream-client/pkg/types"
)

var (
	boxColor   = color.RGBA{0, 255, 0, 0}
	labelColor = color.RGBA{255, 255, 255, 0}
	trackColor = color.RGBA{70, 100, 255, 0}
)

// DrawDetections outlines each detection in green with its label at the top-left corner.
func DrawDetections(img *gocv.Mat, detections []types.Detection) {
	for _, d := range detections {
		r := d.Box.Rect()
		gocv.Rectangle(img, r, boxColor, 3)
		gocv.PutText(img, d.Label, r.Min, gocv.FontHersheySimplex, 1, labelColor, 2)
	}
}

// DrawTrack outlines the tracked motion region.
func DrawTrack(img *gocv.Mat, box image.Rectangle) {
	gocv.Rectangle(img, box, trackColor, 2)
	gocv.PutText(img, "Motion", image.Pt(box.Min.X, box.Min.Y-5), gocv.FontHersheyPlain, 1.2, trackColor, 2)
}

// EncodeJPEG encodes img as JPEG.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}
