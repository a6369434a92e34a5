// Command constellation plots the I/Q samples of one stream in a capture
// database as a scatter chart.
//
// Usage:
//
//	constellation -db capture.db [-stream BPSK_OUT] [-limit 10000] [-out constellation.png]
package main

import (
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/bpskmod/internal/capture"
)

var (
	dbPath   = flag.String("db", "", "Capture database (required)")
	streamID = flag.String("stream", "", "Stream to plot (default: first stream in the capture)")
	limit    = flag.Int("limit", 10000, "Maximum samples to plot (0 = all)")
	outPath  = flag.String("out", "constellation.png", "Output PNG path")
)

func main() {
	flag.Parse()
	if *dbPath == "" {
		log.Fatal("-db is required")
	}

	store, err := capture.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer store.Close()

	id, err := pickStream(store, *streamID)
	if err != nil {
		log.Fatal(err)
	}
	samples, err := store.Samples(id, *limit)
	if err != nil {
		log.Fatalf("failed to read samples: %v", err)
	}

	sum := summarise(samples)
	log.Printf("stream %s: %d samples, |s| mean %.4f stddev %.4f", id, sum.Count, sum.MeanMagnitude, sum.StdDevMagnitude)

	if err := plotConstellation(samples, fmt.Sprintf("%s (%d samples)", id, len(samples)), *outPath); err != nil {
		log.Fatalf("failed to plot: %v", err)
	}
	log.Printf("wrote %s", *outPath)
}

func pickStream(store *capture.Store, want string) (string, error) {
	if want != "" {
		return want, nil
	}
	streams, err := store.Streams()
	if err != nil {
		return "", err
	}
	for _, s := range streams {
		if s.Samples > 0 {
			return s.StreamID, nil
		}
	}
	return "", errors.New("capture has no samples")
}

type summary struct {
	Count           int
	MeanMagnitude   float64
	StdDevMagnitude float64
}

func summarise(samples []complex64) summary {
	if len(samples) == 0 {
		return summary{}
	}
	mags := make([]float64, len(samples))
	for i, s := range samples {
		mags[i] = cmplx.Abs(complex128(s))
	}
	mean, std := stat.MeanStdDev(mags, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return summary{Count: len(samples), MeanMagnitude: mean, StdDevMagnitude: std}
}

func plotConstellation(samples []complex64, title, path string) error {
	if len(samples) == 0 {
		return errors.New("no samples to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "In-phase"
	p.Y.Label.Text = "Quadrature"

	// Square axes that always include the unit circle.
	extent := 1.2
	for _, s := range samples {
		extent = math.Max(extent, 1.1*math.Max(math.Abs(float64(real(s))), math.Abs(float64(imag(s)))))
	}
	p.X.Min, p.X.Max = -extent, extent
	p.Y.Min, p.Y.Max = -extent, extent
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: float64(real(s)), Y: float64(imag(s))}
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	scatter.GlyphStyle.Radius = vg.Points(2)
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(scatter)

	if err := p.Save(6*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save constellation plot: %w", err)
	}
	return nil
}
