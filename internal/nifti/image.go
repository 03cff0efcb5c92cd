package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	knifti "github.com/KyungWonPark/nifti"
	gzip "github.com/klauspost/pgzip"
	"gonum.org/v1/gonum/mat"
)

// Image is a 3-D volume with its header. Data is stored x fastest.
type Image struct {
	Header Header
	Dims   [3]int
	Data   []float64
}

// Len returns the number of voxels.
func (img *Image) Len() int {
	return img.Dims[0] * img.Dims[1] * img.Dims[2]
}

// Index converts voxel coordinates to a flat data index.
func (img *Image) Index(x, y, z int) int {
	return x + img.Dims[0]*(y+img.Dims[1]*z)
}

// Coords converts a flat data index to voxel coordinates.
func (img *Image) Coords(i int) (x, y, z int) {
	nx, ny := img.Dims[0], img.Dims[1]
	x = i % nx
	y = (i / nx) % ny
	z = i / (nx * ny)
	return x, y, z
}

// At returns the value at voxel (x, y, z).
func (img *Image) At(x, y, z int) float64 {
	return img.Data[img.Index(x, y, z)]
}

// New returns a zero-filled image on the same grid as like, with a copy of its header.
func New(like *Image) *Image {
	return &Image{
		Header: like.Header,
		Dims:   like.Dims,
		Data:   make([]float64, like.Len()),
	}
}

// SameGrid reports whether a and b have identical dimensions.
func SameGrid(a, b *Image) bool {
	return a.Dims == b.Dims
}

// CheckGrid returns ErrShapeMismatch when a and b differ in dimensions.
func CheckGrid(a, b *Image) error {
	if !SameGrid(a, b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Dims, b.Dims)
	}
	return nil
}

// Affine returns the 4x4 voxel-to-world transform. The sform is preferred,
// then the qform quaternion, then plain pixdim scaling.
func (img *Image) Affine() *mat.Dense {
	h := img.Header
	switch {
	case h.SformCode > 0:
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	case h.QformCode > 0:
		return quaternAffine(h)
	default:
		return mat.NewDense(4, 4, []float64{
			pixdim(h, 1), 0, 0, 0,
			0, pixdim(h, 2), 0, 0,
			0, 0, pixdim(h, 3), 0,
			0, 0, 0, 1,
		})
	}
}

// World maps voxel index i to world (e.g. MNI millimetre) coordinates.
func World(aff mat.Matrix, img *Image, i int) [3]float64 {
	x, y, z := img.Coords(i)
	return WorldAt(aff, float64(x), float64(y), float64(z))
}

// WorldAt maps fractional voxel coordinates through aff.
func WorldAt(aff mat.Matrix, x, y, z float64) [3]float64 {
	var out mat.VecDense
	out.MulVec(aff, mat.NewVecDense(4, []float64{x, y, z, 1}))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

func pixdim(h Header, i int) float64 {
	if h.Pixdim[i] == 0 {
		return 1
	}
	return float64(h.Pixdim[i])
}

func quaternAffine(h Header) *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// nearly 180 degree rotation: renormalise b, c, d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	xd, yd, zd := pixdim(h, 1), pixdim(h, 2), pixdim(h, 3)*qfac

	return mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * xd, 2 * (b*c - a*d) * yd, 2 * (b*d + a*c) * zd, float64(h.QoffsetX),
		2 * (b*c + a*d) * xd, (a*a + c*c - b*b - d*d) * yd, 2 * (c*d - a*b) * zd, float64(h.QoffsetY),
		2 * (b*d - a*c) * xd, 2 * (c*d + a*b) * yd, (a*a + d*d - c*c - b*b) * zd, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
}

// Read loads the first 3-D volume of a .nii or .nii.gz file. Little-endian
// float32 and unsigned integer volumes are read through knifti; everything
// else goes through Decode.
func Read(path string) (*Image, error) {
	h, order, gzipped, err := readHeader(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var img *Image
	if order == binary.LittleEndian && libraryReadable(h) && gzipped == strings.HasSuffix(path, ".gz") {
		img, err = loadWithLibrary(path, h)
	} else {
		img, err = decodeFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	applyScaling(img)
	return img, nil
}

func readHeader(path string) (Header, binary.ByteOrder, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, false, err
	}
	defer f.Close()

	src, done, gzipped, err := maybeGzip(f)
	if err != nil {
		return Header{}, nil, false, err
	}
	defer done()
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(src, buf); err != nil {
		return Header{}, nil, false, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	h, order, err := decodeHeader(buf)
	return h, order, gzipped, err
}

// loadWithLibrary reads voxel data through knifti, which reports failures by
// printing or panicking; a panic becomes an error here.
func loadWithLibrary(path string, h Header) (img *Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("%w: truncated or unreadable voxel data (%v)", ErrInvalidHeader, r)
		}
	}()

	var src knifti.Nifti1Image
	src.LoadImage(path, true)

	img = &Image{Header: h, Dims: gridDims(h)}
	img.Data = make([]float64, img.Len())
	for i := range img.Data {
		x, y, z := img.Coords(i)
		img.Data[i] = float64(src.GetAt(uint32(x), uint32(y), uint32(z), 0))
	}
	return img, nil
}

func decodeFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func gridDims(h Header) [3]int {
	var dims [3]int
	for i := 0; i < 3; i++ {
		n := 1
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			n = int(h.Dim[i+1])
		}
		dims[i] = n
	}
	return dims
}

// maybeGzip un-gzips r when it starts with the gzip magic. The returned
// close func stops the decompressor's read-ahead.
func maybeGzip(r io.Reader) (io.Reader, func(), bool, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, false, err
		}
		return zr, func() { zr.Close() }, true, nil
	}
	return br, func() {}, false, nil
}

// Decode reads a NIfTI-1 stream in either byte order, transparently
// un-gzipping it, and applies scl_slope/scl_inter.
func Decode(r io.Reader) (*Image, error) {
	img, err := decode(r)
	if err != nil {
		return nil, err
	}
	applyScaling(img)
	return img, nil
}

func decode(r io.Reader) (*Image, error) {
	src, done, _, err := maybeGzip(r)
	if err != nil {
		return nil, err
	}
	defer done()
	raw, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}

	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, err
	}
	img := &Image{Header: h, Dims: gridDims(h)}

	bpv, err := bytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, err
	}
	offset := int(h.VoxOffset)
	if offset < minVoxOffset {
		offset = minVoxOffset
	}
	size := img.Len() * bpv
	if len(raw) < offset+size {
		return nil, fmt.Errorf("%w: truncated data, have %d bytes, need %d", ErrInvalidHeader, len(raw)-offset, size)
	}
	img.Data = decodeVoxels(raw[offset:offset+size], h.Datatype, order, img.Len())
	return img, nil
}

func applyScaling(img *Image) {
	slope, inter := float64(img.Header.SclSlope), float64(img.Header.SclInter)
	if slope == 0 || (slope == 1 && inter == 0) {
		return
	}
	for i, v := range img.Data {
		img.Data[i] = v*slope + inter
	}
}

func decodeVoxels(b []byte, dt int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		switch dt {
		case DTUint8:
			out[i] = float64(b[i])
		case DTInt8:
			out[i] = float64(int8(b[i]))
		case DTInt16:
			out[i] = float64(int16(order.Uint16(b[2*i:])))
		case DTUint16:
			out[i] = float64(order.Uint16(b[2*i:]))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(b[4*i:])))
		case DTUint32:
			out[i] = float64(order.Uint32(b[4*i:]))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b[4*i:])))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	}
	return out
}

// Write stores img as a single-file NIfTI-1 volume using datatype dt
// (DTFloat32 or DTInt32). Float32 .nii.gz maps are saved through knifti;
// label volumes and uncompressed files use Encode.
func Write(path string, img *Image, dt int16) error {
	h, err := outputHeader(img, dt)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if dt == DTFloat32 && strings.HasSuffix(path, ".nii.gz") {
		if err := saveWithLibrary(path, img, h); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}
	if err := encode(w, img, h); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// saveWithLibrary writes a gzipped float32 volume through knifti. Its Save
// appends ".gz" to the name it is given and panics when the file cannot be
// created.
func saveWithLibrary(path string, img *Image, h Header) (err error) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save: %v", r)
		}
	}()

	out := knifti.NewImg(img.Dims[0], img.Dims[1], img.Dims[2], 1)
	out.SetNewHeader(h.Nifti1Header)
	for i, v := range img.Data {
		x, y, z := img.Coords(i)
		out.SetAt(uint32(x), uint32(y), uint32(z), 0, float32(v))
	}
	out.Save(strings.TrimSuffix(path, ".gz"))

	if fi, err := os.Stat(path); err != nil {
		return err
	} else if fi.Size() == 0 {
		return fmt.Errorf("save: %s is empty", path)
	}
	return nil
}

// Encode writes img to w as an uncompressed NIfTI-1 stream.
func Encode(w io.Writer, img *Image, dt int16) error {
	h, err := outputHeader(img, dt)
	if err != nil {
		return err
	}
	return encode(w, img, h)
}

func outputHeader(img *Image, dt int16) (Header, error) {
	if dt != DTFloat32 && dt != DTInt32 {
		return Header{}, fmt.Errorf("%w: cannot encode %d", ErrUnsupportedDataType, dt)
	}
	if len(img.Data) != img.Len() {
		return Header{}, fmt.Errorf("%w: %d values for %v grid", ErrShapeMismatch, len(img.Data), img.Dims)
	}

	h := img.Header
	h.SizeofHdr = headerSize
	h.Dim = [8]int16{3, int16(img.Dims[0]), int16(img.Dims[1]), int16(img.Dims[2]), 1, 1, 1, 1}
	h.Datatype = dt
	h.Bitpix = 32
	h.VoxOffset = minVoxOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.Magic = magicSingle
	h.CalMin, h.CalMax = dataRange(img.Data)
	for i := 1; i <= 3; i++ {
		if h.Pixdim[i] == 0 {
			h.Pixdim[i] = 1
		}
	}
	return h, nil
}

func encode(w io.Writer, img *Image, h Header) error {
	var buf bytes.Buffer
	buf.Grow(minVoxOffset + 4*len(img.Data))
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	// extension flag: no extensions follow
	buf.Write([]byte{0, 0, 0, 0})
	word := make([]byte, 4)
	for _, v := range img.Data {
		if h.Datatype == DTFloat32 {
			binary.LittleEndian.PutUint32(word, math.Float32bits(float32(v)))
		} else {
			binary.LittleEndian.PutUint32(word, uint32(int32(math.Round(v))))
		}
		buf.Write(word)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func dataRange(data []float64) (lo, hi float32) {
	if len(data) == 0 {
		return 0, 0
	}
	l, h := data[0], data[0]
	for _, v := range data[1:] {
		if v < l {
			l = v
		}
		if v > h {
			h = v
		}
	}
	return float32(l), float32(h)
}
