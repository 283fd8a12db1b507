package motion

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/LucaChen/stream-client/pkg/types"
)

// Exercises the real OpenCV pipeline and MIL tracker on synthetic frames.
func TestPipelineTracksBrightBlock(t *testing.T) {
	sink := &recordingSink{}
	tr := New(Options{
		Config: DefaultConfig(),
		Sink:   sink,
		Clock:  clock.NewMock(),
	})
	defer tr.Close()

	block := image.Rect(120, 90, 180, 150)
	frames := []gocv.Mat{syntheticFrame(nil), syntheticFrame(nil), syntheticFrame(&block), syntheticFrame(&block)}
	defer func() {
		for _, f := range frames {
			f.Close()
		}
	}()

	for i, img := range frames[:2] {
		tr.Step(types.NewFrame(img, uint64(i+1), time.Now()))
		if tr.State() != Searching {
			t.Fatalf("frame %d: state = %v without motion", i+1, tr.State())
		}
	}

	tr.Step(types.NewFrame(frames[2], 3, time.Now()))
	if tr.State() != Tracking {
		t.Fatalf("bright block did not start tracking")
	}
	box, ok := tr.Box()
	if !ok {
		t.Fatalf("no box after entering tracking")
	}
	if !image.Pt(150, 120).In(box) {
		t.Fatalf("box %v does not cover the block", box)
	}
}

func syntheticFrame(block *image.Rectangle) gocv.Mat {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 30, 30, 0), 240, 320, gocv.MatTypeCV8UC3)
	if block != nil {
		gocv.Rectangle(&img, *block, color.RGBA{255, 255, 255, 0}, -1)
	}
	return img
}
