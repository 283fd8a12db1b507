// Package vision wraps the OpenCV operations used for motion detection, visual
// tracking and annotation.
package vision

import (
	"image"

	"gocv.io/x/gocv"
)

// Background subtraction parameters.
const (
	BlurKernel       = 21
	DiffThreshold    = 25
	DilateIterations = 2
)

// Region is one external contour of the motion mask.
type Region struct {
	Rect image.Rectangle
	Area float64
}

// Preprocess converts a BGR frame to a blurred grayscale image suitable as a
// background model. The caller owns the returned Mat.
func Preprocess(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	gocv.GaussianBlur(gray, &gray, image.Pt(BlurKernel, BlurKernel), 0, 0, gocv.BorderDefault)
	return gray
}

// MotionMask returns the dilated binary difference between background and current,
// both preprocessed. The caller owns the returned Mat.
func MotionMask(background, current gocv.Mat) gocv.Mat {
	mask := gocv.NewMat()
	gocv.AbsDiff(background, current, &mask)
	gocv.Threshold(mask, &mask, DiffThreshold, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	for i := 0; i < DilateIterations; i++ {
		gocv.Dilate(mask, &mask, kernel)
	}
	return mask
}

// FindRegions extracts the external contours of a binary mask.
func FindRegions(mask gocv.Mat) []Region {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	regions := make([]Region, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		regions = append(regions, Region{
			Rect: gocv.BoundingRect(c),
			Area: gocv.ContourArea(c),
		})
	}
	return regions
}

// Largest returns the region with the greatest area. The first of several equal
// areas wins.
func Largest(regions []Region) (Region, bool) {
	if len(regions) == 0 {
		return Region{}, false
	}
	best := 0
	for i := 1; i < len(regions); i++ {
		if regions[i].Area > regions[best].Area {
			best = i
		}
	}
	return regions[best], true
}

// Detector is the gocv background-subtraction pipeline.
type Detector struct{}

// Prepare implements the tracker's frame preprocessing.
func (Detector) Prepare(frame gocv.Mat) gocv.Mat {
	return Preprocess(frame)
}

// Regions returns the motion regions between a background and the current frame.
func (Detector) Regions(background, current gocv.Mat) []Region {
	mask := MotionMask(background, current)
	defer mask.Close()
	return FindRegions(mask)
}
