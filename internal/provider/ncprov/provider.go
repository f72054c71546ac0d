package ncprov

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"go.uber.org/zap"

	"rastercache/internal/cache"
	"rastercache/internal/provider"
	"rastercache/internal/raster"
)

// Extensions lists the file extensions the provider can open.
var Extensions = map[string]bool{
	".nc":  true,
	".nc4": true,
	".cdf": true,
}

const chunkSizesAttribute = "_ChunkSizes"

// Provider serves the numeric 2D and 3D variables of a NetCDF file. Tile shapes
// come from the _ChunkSizes attribute; variables without it are read in strips
// of defaultTileHeight rows.
type Provider struct {
	mu          sync.Mutex
	path        string
	group       api.Group
	getters     map[string]api.VarGetter
	descriptors map[string]cache.VariableDescriptor
	log         *zap.Logger
}

// Open opens path and inspects every variable. Variables that are not numeric
// rasters are skipped.
func Open(path string, defaultTileHeight int, log *zap.Logger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if defaultTileHeight <= 0 {
		return nil, fmt.Errorf("%w: default tile height %d", raster.ErrConfiguration, defaultTileHeight)
	}

	group, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open NetCDF file: %w", err)
	}

	p := &Provider{
		path:        path,
		group:       group,
		getters:     make(map[string]api.VarGetter),
		descriptors: make(map[string]cache.VariableDescriptor),
		log:         log,
	}
	for _, name := range group.ListVariables() {
		getter, err := group.GetVarGetter(name)
		if err != nil {
			log.Debug("Skipping variable", zap.String("variable", name), zap.Error(err))
			continue
		}
		desc, err := describe(name, getter, defaultTileHeight)
		if err != nil {
			log.Debug("Skipping variable", zap.String("variable", name), zap.Error(err))
			continue
		}
		p.getters[name] = getter
		p.descriptors[name] = desc
	}

	log.Debug("Opened NetCDF file", zap.String("path", path), zap.Int("variables", len(p.descriptors)))
	return p, nil
}

func describe(name string, getter api.VarGetter, defaultTileHeight int) (cache.VariableDescriptor, error) {
	dataType, err := raster.ParseDataType(getter.GoType())
	if err != nil {
		return cache.VariableDescriptor{}, err
	}
	rank := len(getter.Dimensions())
	if rank != 2 && rank != 3 {
		return cache.VariableDescriptor{}, fmt.Errorf("%w: rank %d", raster.ErrUnsupported, rank)
	}
	if getter.Len() <= 0 {
		return cache.VariableDescriptor{}, fmt.Errorf("%w: empty variable", raster.ErrUnsupported)
	}
	sample, err := getter.GetSlice(0, 1)
	if err != nil {
		return cache.VariableDescriptor{}, err
	}
	shape := append([]int{int(getter.Len())}, innerShape(sample)...)
	if len(shape) != rank {
		return cache.VariableDescriptor{}, fmt.Errorf("%w: shape %v for %d dimensions", raster.ErrUnsupported, shape, rank)
	}

	var chunks []int
	if attrs := getter.Attributes(); attrs != nil {
		if v, ok := attrs.Get(chunkSizesAttribute); ok {
			chunks = toInts(v)
		}
	}
	return newDescriptor(name, dataType, shape, chunks, defaultTileHeight), nil
}

// newDescriptor builds the descriptor of a variable of the given shape. chunks
// is used as tile shape when it matches the rank.
func newDescriptor(name string, dataType raster.DataType, shape, chunks []int, defaultTileHeight int) cache.VariableDescriptor {
	desc := cache.VariableDescriptor{
		Name:       name,
		DataType:   dataType,
		Layers:     -1,
		TileLayers: -1,
	}
	n := len(shape)
	desc.Height, desc.Width = shape[n-2], shape[n-1]
	desc.TileHeight, desc.TileWidth = min(defaultTileHeight, desc.Height), desc.Width
	if n == 3 {
		desc.Layers, desc.TileLayers = shape[0], 1
	}

	if len(chunks) == n && !slices.ContainsFunc(chunks, func(c int) bool { return c <= 0 }) {
		desc.TileHeight, desc.TileWidth = min(chunks[n-2], desc.Height), min(chunks[n-1], desc.Width)
		if n == 3 {
			desc.TileLayers = min(chunks[0], desc.Layers)
		}
	}
	return desc
}

// VariableNames returns the raster variables in sorted order.
func (p *Provider) VariableNames() []string {
	names := make([]string, 0, len(p.descriptors))
	for name := range p.descriptors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (p *Provider) VariableDescriptor(_ context.Context, name string) (cache.VariableDescriptor, error) {
	desc, ok := p.descriptors[name]
	if !ok {
		return cache.VariableDescriptor{}, fmt.Errorf("%w: %q", cache.ErrUnknownVariable, name)
	}
	return desc, nil
}

// ReadCacheBlock reads the rows of the block along the outermost dimension and
// crops the inner dimensions.
func (p *Provider) ReadCacheBlock(ctx context.Context, name string, offsets, shapes []int, target *raster.Array) (*raster.DataBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	desc, ok := p.descriptors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cache.ErrUnknownVariable, name)
	}
	target, err := provider.PrepareTarget(desc, offsets, shapes, target)
	if err != nil {
		return nil, err
	}
	if target.Len() == 0 {
		return raster.NewDataBuffer(target, offsets, shapes)
	}

	p.mu.Lock()
	slab, err := p.getters[name].GetSlice(int64(offsets[0]), int64(offsets[0]+shapes[0]))
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", name, err)
	}

	starts := append([]int{0}, offsets[1:]...)
	pos := 0
	if err := flattenInto(target, &pos, reflect.ValueOf(slab), starts, shapes, 0); err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", name, err)
	}
	return raster.NewDataBuffer(target, offsets, shapes)
}

// Close releases the file.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.group.Close()
}

// innerShape returns the lengths of the nested slices below the outermost one.
func innerShape(sample any) []int {
	var shape []int
	v := reflect.ValueOf(sample)
	for v.Kind() == reflect.Slice && v.Len() > 0 {
		v = v.Index(0)
		if v.Kind() != reflect.Slice {
			break
		}
		shape = append(shape, v.Len())
	}
	return shape
}

// flattenInto copies the box starts+counts of the nested slice v into dst at
// *pos, row-major.
func flattenInto(dst *raster.Array, pos *int, v reflect.Value, starts, counts []int, dim int) error {
	if v.Kind() != reflect.Slice || v.Len() < starts[dim]+counts[dim] {
		return fmt.Errorf("%w: dimension %d too short", raster.ErrOutOfBounds, dim)
	}
	if dim == len(counts)-1 {
		row, err := raster.WrapSlice(v.Slice(starts[dim], starts[dim]+counts[dim]).Interface())
		if err != nil {
			return err
		}
		if err := raster.CopyElems(dst, *pos, row, 0, counts[dim]); err != nil {
			return err
		}
		*pos += counts[dim]
		return nil
	}
	for i := starts[dim]; i < starts[dim]+counts[dim]; i++ {
		if err := flattenInto(dst, pos, v.Index(i), starts, counts, dim+1); err != nil {
			return err
		}
	}
	return nil
}

// toInts converts a scalar or slice attribute value to ints.
func toInts(v any) []int {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		rv = reflect.ValueOf([]any{v})
	}
	out := make([]int, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		e := reflect.Indirect(rv.Index(i))
		if e.Kind() == reflect.Interface {
			e = e.Elem()
		}
		switch {
		case e.CanInt():
			out = append(out, int(e.Int()))
		case e.CanUint():
			out = append(out, int(e.Uint()))
		default:
			return nil
		}
	}
	return out
}
