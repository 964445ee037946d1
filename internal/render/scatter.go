// Package render draws match-set views using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/wishgale/cytokit/internal/feature"
	"github.com/wishgale/cytokit/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	ViewSize        int
	DefaultColormap string
}

// ViewRenderer renders scatter views of sampled cell positions.
type ViewRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormaps   map[string]colormap.Colormap
}

// NewViewRenderer creates a new view renderer.
func NewViewRenderer(cfg Config) *ViewRenderer {
	r := &ViewRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.ViewSize, cfg.ViewSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
		colormaps: make(map[string]colormap.Colormap),
	}

	r.colormaps["viridis"] = colormap.Viridis
	r.colormaps["plasma"] = colormap.Plasma
	r.colormaps["inferno"] = colormap.Inferno
	r.colormaps["magma"] = colormap.Magma
	r.colormaps["hot"] = colormap.Hot
	r.colormaps["categorical"] = colormap.Categorical

	return r
}

// viewTransform maps dataset coordinates into the square canvas, preserving
// aspect ratio and leaving a small margin at the edges.
type viewTransform struct {
	scale   float64
	offsetX float64
	offsetY float64
}

func (r *ViewRenderer) transformFor(bounds feature.Bounds) viewTransform {
	const margin = 8.0
	size := float64(r.config.ViewSize)
	usable := size - 2*margin

	spanX := bounds.MaxX - bounds.MinX
	spanY := bounds.MaxY - bounds.MinY
	span := spanX
	if spanY > span {
		span = spanY
	}
	if span <= 0 {
		span = 1
	}

	scale := usable / span
	return viewTransform{
		scale:   scale,
		offsetX: margin + (usable-spanX*scale)/2 - bounds.MinX*scale,
		offsetY: margin + (usable-spanY*scale)/2 - bounds.MinY*scale,
	}
}

// RenderView renders positions colored by a continuous value on a white canvas.
// Values outside [vmin, vmax] are clamped.
func (r *ViewRenderer) RenderView(
	xs, ys []float64,
	values []float64,
	bounds feature.Bounds,
	vmin, vmax float64,
	colormapName string,
	pointSize float64,
) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(xs) == 0 {
		return r.encodeContext(dc)
	}

	cmap, ok := r.colormaps[colormapName]
	if !ok {
		cmap = r.colormaps[r.config.DefaultColormap]
	}

	vrange := vmax - vmin
	if vrange == 0 {
		vrange = 1
	}

	tf := r.transformFor(bounds)
	radius := pointSize
	if radius <= 0 {
		radius = 1.5
	}

	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			continue
		}
		px := xs[i]*tf.scale + tf.offsetX
		py := ys[i]*tf.scale + tf.offsetY

		normalized := 0.5
		if i < len(values) {
			if math.IsNaN(values[i]) {
				continue
			}
			normalized = (values[i] - vmin) / vrange
			if normalized < 0 {
				normalized = 0
			}
			if normalized > 1 {
				normalized = 1
			}
		}

		dc.SetColor(cmap.At(normalized))
		dc.DrawCircle(px, py, radius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

// RenderCategoryView renders positions colored by a category index using the
// categorical palette. Negative indices are skipped.
func (r *ViewRenderer) RenderCategoryView(
	xs, ys []float64,
	categoryIdx []int,
	bounds feature.Bounds,
	pointSize float64,
) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if len(xs) == 0 {
		return r.encodeContext(dc)
	}

	cmap := r.colormaps["categorical"]
	tf := r.transformFor(bounds)
	radius := pointSize
	if radius <= 0 {
		radius = 1.5
	}

	for i := range xs {
		catIdx := 0
		if i < len(categoryIdx) {
			catIdx = categoryIdx[i]
		}
		if catIdx < 0 {
			continue
		}
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			continue
		}

		px := xs[i]*tf.scale + tf.offsetX
		py := ys[i]*tf.scale + tf.offsetY

		dc.SetColor(cmap.AtIndex(catIdx))
		dc.DrawCircle(px, py, radius)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *ViewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyView creates a transparent placeholder view.
func (r *ViewRenderer) CreateEmptyView() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.ViewSize, r.config.ViewSize))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255   // R
		img.Pix[i+1] = 255 // G
		img.Pix[i+2] = 255 // B
		img.Pix[i+3] = 0   // A (transparent)
	}

	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
