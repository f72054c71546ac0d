package vipsprov

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"rastercache/internal/cache"
	"rastercache/internal/provider"
	"rastercache/internal/raster"
)

// Extensions lists the file extensions the provider can open.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

const bandPrefix = "band_"

// Provider serves the bands of an image file as 2D variables named band_1,
// band_2, ... Tiles are decoded by libvips and handed over as PNG.
type Provider struct {
	path     string
	width    int
	height   int
	bands    int
	dataType raster.DataType
	tileSize int
	log      *zap.Logger
}

// Open reads the image header of path and probes its sample depth.
func Open(path string, tileSize int, log *zap.Logger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("%w: tile size %d", raster.ErrConfiguration, tileSize)
	}

	img, err := loadImage(path, vips.AccessSequential)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	width, height, bands := img.Width(), img.Height(), img.Bands()
	img.Close()

	if bands < 1 || bands > 4 {
		return nil, fmt.Errorf("%w: %d bands in %s", raster.ErrUnsupported, bands, filepath.Base(path))
	}

	p := &Provider{
		path:     path,
		width:    width,
		height:   height,
		bands:    bands,
		tileSize: tileSize,
		log:      log,
	}

	probe, err := p.decode(0, 0, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to probe sample depth: %w", err)
	}
	p.dataType = raster.TypeUint8
	if is16Bit(probe) {
		p.dataType = raster.TypeUint16
	}

	log.Debug("Opened image",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int("bands", bands),
		zap.Stringer("data_type", p.dataType),
	)
	return p, nil
}

// Width returns the image width in pixels.
func (p *Provider) Width() int { return p.width }

// Height returns the image height in pixels.
func (p *Provider) Height() int { return p.height }

// VariableNames returns band_1 ... band_N.
func (p *Provider) VariableNames() []string {
	names := make([]string, p.bands)
	for i := range names {
		names[i] = bandPrefix + strconv.Itoa(i+1)
	}
	return names
}

func (p *Provider) band(name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(name, bandPrefix))
	if !strings.HasPrefix(name, bandPrefix) || err != nil || n < 1 || n > p.bands {
		return 0, fmt.Errorf("%w: %q", cache.ErrUnknownVariable, name)
	}
	return n - 1, nil
}

func (p *Provider) VariableDescriptor(_ context.Context, name string) (cache.VariableDescriptor, error) {
	if _, err := p.band(name); err != nil {
		return cache.VariableDescriptor{}, err
	}
	return p.descriptor(name), nil
}

func (p *Provider) descriptor(name string) cache.VariableDescriptor {
	return cache.VariableDescriptor{
		Name:       name,
		DataType:   p.dataType,
		Width:      p.width,
		Height:     p.height,
		Layers:     -1,
		TileWidth:  min(p.tileSize, p.width),
		TileHeight: min(p.tileSize, p.height),
		TileLayers: -1,
	}
}

// ReadCacheBlock decodes the (y, x) block of one band.
func (p *Provider) ReadCacheBlock(ctx context.Context, name string, offsets, shapes []int, target *raster.Array) (*raster.DataBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	band, err := p.band(name)
	if err != nil {
		return nil, err
	}
	target, err = provider.PrepareTarget(p.descriptor(name), offsets, shapes, target)
	if err != nil {
		return nil, err
	}
	if target.Len() == 0 {
		return raster.NewDataBuffer(target, offsets, shapes)
	}

	img, err := p.decode(offsets[1], offsets[0], shapes[1], shapes[0])
	if err != nil {
		return nil, err
	}
	if err := copyBand(target, img, band, p.bands); err != nil {
		return nil, err
	}
	return raster.NewDataBuffer(target, offsets, shapes)
}

// decode extracts the w×h area at (x, y) and returns it as a Go image.
func (p *Provider) decode(x, y, w, h int) (image.Image, error) {
	img, err := loadImage(p.path, vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	if err := img.ExtractArea(x, y, w, h); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}
	buf, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	decoded, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}
	return decoded, nil
}

func is16Bit(img image.Image) bool {
	switch img.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		return true
	}
	return false
}

// copyBand copies one band of img into target in row-major order.
func copyBand(target *raster.Array, img image.Image, band, bands int) error {
	b := img.Bounds()
	if b.Dx()*b.Dy() != target.Len() {
		return fmt.Errorf("%w: decoded %dx%d tile for %d elements", raster.ErrConfiguration, b.Dx(), b.Dy(), target.Len())
	}

	// Gray+alpha images decode to NRGBA; the alpha sample sits in the fourth channel.
	channel := band
	if bands == 2 && band == 1 {
		channel = 3
	}

	var pix []uint8
	var stride, pixelSize, sampleSize int
	switch m := img.(type) {
	case *image.Gray:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 1, 1
	case *image.Gray16:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 2, 2
	case *image.RGBA:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 4, 1
	case *image.NRGBA:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 4, 1
	case *image.RGBA64:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 8, 2
	case *image.NRGBA64:
		pix, stride, pixelSize, sampleSize = m.Pix, m.Stride, 8, 2
	default:
		return fmt.Errorf("%w: decoded tile of type %T", raster.ErrUnsupported, img)
	}
	if channel*sampleSize >= pixelSize {
		return fmt.Errorf("%w: band %d not present in decoded tile", raster.ErrConfiguration, band+1)
	}

	i := 0
	for y := 0; y < b.Dy(); y++ {
		row := pix[y*stride:]
		for x := 0; x < b.Dx(); x++ {
			off := x*pixelSize + channel*sampleSize
			v := int(row[off])
			if sampleSize == 2 {
				v = v<<8 | int(row[off+1])
			}
			target.SetFloat64(i, float64(v))
			i++
		}
	}
	return nil
}

// loadImage loads an image based on file extension
func loadImage(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
