package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/menta2k/floorplan-analyzer/pkg/geometry"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Supported crop encodings
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// Options controls how crops are encoded before they are sent to a model
type Options struct {
	Format   string
	Quality  int
	Lossless bool
	// MaxDim downscales images whose longer side exceeds it; 0 disables
	MaxDim int
	// Contrast in [-1,1] is applied before encoding; 0 leaves pixels untouched
	Contrast float64
}

// DefaultOptions encodes crops as RGB JPEG at quality 90
func DefaultOptions() Options {
	return Options{Format: FormatJPEG, Quality: 90}
}

// Processor handles image processing operations
type Processor struct {
	opts Options
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{opts: DefaultOptions()}
}

// NewProcessorWithOptions creates a processor with custom encoding options
func NewProcessorWithOptions(opts Options) *Processor {
	if opts.Format == "" {
		opts.Format = FormatJPEG
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 90
	}
	return &Processor{opts: opts}
}

// Options returns the encoding options in use
func (p *Processor) Options() Options { return p.opts }

// Crop extracts the pixel rectangle from img
func (p *Processor) Crop(img image.Image, r geometry.PixelRect) (image.Image, error) {
	b := img.Bounds()
	rect := r.Rect().Add(b.Min).Intersect(b)
	if rect.Empty() {
		return nil, fmt.Errorf("empty crop rectangle %v", r)
	}
	return imaging.Crop(img, rect), nil
}

// CropDetection converts a detection box to pixels and crops it with margin
func (p *Processor) CropDetection(img image.Image, box types.BoundingBox, margin int) (image.Image, geometry.PixelRect, error) {
	b := img.Bounds()
	r := geometry.ToPixelRect(box, b.Dx(), b.Dy(), margin)
	crop, err := p.Crop(img, r)
	if err != nil {
		return nil, r, err
	}
	return crop, r, nil
}

// Encode serializes img with the processor options and returns the MIME type
func (p *Processor) Encode(img image.Image) ([]byte, string, error) {
	return encode(img, p.opts)
}

func encode(img image.Image, opts Options) ([]byte, string, error) {
	if opts.MaxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > opts.MaxDim || h > opts.MaxDim {
			if w >= h {
				img = imaging.Resize(img, opts.MaxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, opts.MaxDim, imaging.Lanczos)
			}
		}
	}
	if opts.Contrast != 0 {
		img = adjust.Contrast(img, math.Max(-1, math.Min(1, opts.Contrast)))
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}

	var buf bytes.Buffer
	switch strings.ToLower(opts.Format) {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	case FormatWebP:
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: opts.Lossless, Quality: float32(quality)}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/webp", nil
	default: // jpg
		if err := jpeg.Encode(&buf, flatten(img), &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/jpeg", nil
	}
}

// flatten drops transparency so JPEG output is plain RGB on white
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	bg := imaging.New(img.Bounds().Dx(), img.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case FormatWebP:
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case FormatPNG:
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// OverlayLabel returns the text drawn above the i-th box
type OverlayLabel func(i int, det types.Detection) string

// DefaultLabel renders "tag 93%"
func DefaultLabel(_ int, det types.Detection) string {
	return fmt.Sprintf("%s %.0f%%", det.Tag, det.Probability*100)
}

// RenderOverlay draws every detection box on a copy of img, one colour per tag
func (p *Processor) RenderOverlay(img image.Image, detections []types.Detection, label OverlayLabel) *image.NRGBA {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()
	stroke := int(math.Max(3, 0.003*float64(minInt(w, h))))

	palette := TagPalette(detections)
	for i, det := range detections {
		r := geometry.ToPixelRect(det.BoundingBox, w, h, 0)
		if r.Empty() {
			continue
		}
		c := palette[det.Tag]
		drawBox(nrgba, r, c, stroke)
		if label != nil {
			drawLabel(nrgba, r, label(i, det), c)
		}
	}
	return nrgba
}

// TagPalette assigns each distinct tag a stable colour, starting at red
func TagPalette(detections []types.Detection) map[string]color.NRGBA {
	seen := make(map[string]struct{})
	var tags []string
	for _, d := range detections {
		if _, ok := seen[d.Tag]; !ok {
			seen[d.Tag] = struct{}{}
			tags = append(tags, d.Tag)
		}
	}
	sort.Strings(tags)

	palette := make(map[string]color.NRGBA, len(tags))
	for i, tag := range tags {
		hue := math.Mod(float64(i)*137.508, 360)
		r, g, b := colorful.Hsv(hue, 0.9, 0.95).RGB255()
		palette[tag] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return palette
}

// drawLabel writes text 10px above the box, or just inside it near the top edge
func drawLabel(img *image.NRGBA, r geometry.PixelRect, text string, c color.NRGBA) {
	face := basicfont.Face7x13
	baseline := r.Top - 10
	if baseline-face.Ascent < 0 {
		baseline = r.Top + face.Ascent + 2
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(r.Left, baseline),
	}
	d.DrawString(text)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawBox(img *image.NRGBA, r geometry.PixelRect, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := r.Left, r.Top, r.Right, r.Bottom
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
