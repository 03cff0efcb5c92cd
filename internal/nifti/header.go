// Package nifti reads and writes single-file NIfTI-1 volumes (.nii, .nii.gz).
//
// Float volumes stored little-endian go through github.com/KyungWonPark/nifti.
// The local decoder covers what that package cannot: signed and 32-bit
// integer voxels, big-endian files, scl_slope scaling, uncompressed output,
// and errors in place of panics.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	knifti "github.com/KyungWonPark/nifti"
)

// Header is the on-disk NIfTI-1 header.
type Header struct {
	knifti.Nifti1Header
}

const (
	headerSize    = 348
	minVoxOffset  = 352 // header plus the 4-byte extension flag
	maxDimensions = 7
)

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// Intent codes used by statistical maps.
const (
	IntentNone  int16 = 0
	IntentTTest int16 = 3
	IntentLabel int16 = 1002
)

var (
	magicSingle = [4]byte{'n', '+', '1', 0}
	magicPair   = [4]byte{'n', 'i', '1', 0}
)

var (
	// ErrUnsupportedDataType is returned for voxel types this package cannot decode.
	ErrUnsupportedDataType = errors.New("nifti: unsupported data type")
	// ErrShapeMismatch is returned when two volumes do not share a voxel grid.
	ErrShapeMismatch = errors.New("nifti: volumes have different dimensions")
	// ErrInvalidHeader is returned for headers that fail validation.
	ErrInvalidHeader = errors.New("nifti: invalid header")
)

// SetIntent records the statistical meaning of the voxel values.
func (h *Header) SetIntent(code int16, p1, p2, p3 float64, name string) {
	h.IntentCode = code
	h.IntentP1 = float32(p1)
	h.IntentP2 = float32(p2)
	h.IntentP3 = float32(p3)
	h.IntentName = [16]byte{}
	copy(h.IntentName[:15], name)
}

// Intent returns the intent name as a Go string.
func (h Header) Intent() string {
	b := h.IntentName[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// decodeHeader reads the header and infers byte order from dim[0].
func decodeHeader(b []byte) (Header, binary.ByteOrder, error) {
	if len(b) < headerSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrInvalidHeader, len(b), headerSize)
	}

	var h Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
		return Header{}, nil, err
	}

	if h.Dim[0] < 1 || h.Dim[0] > maxDimensions {
		h = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(b[:headerSize]), order, &h); err != nil {
			return Header{}, nil, err
		}
	}

	if err := validateHeader(h); err != nil {
		return Header{}, nil, err
	}
	return h, order, nil
}

func validateHeader(h Header) error {
	switch {
	case h.Dim[0] < 1 || h.Dim[0] > maxDimensions:
		return fmt.Errorf("%w: cannot infer byte order, dim[0]=%d", ErrInvalidHeader, h.Dim[0])
	case h.SizeofHdr != headerSize:
		return fmt.Errorf("%w: sizeof_hdr=%d", ErrInvalidHeader, h.SizeofHdr)
	case h.Magic == magicPair:
		return fmt.Errorf("%w: header/image pairs (.hdr/.img) are not supported", ErrInvalidHeader)
	case h.Magic != magicSingle:
		return fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, h.Magic[:])
	}
	return nil
}

// libraryReadable reports whether the voxels can be read through knifti,
// which picks its converter from bitpix alone and assumes little-endian
// unsigned integers or IEEE floats.
func libraryReadable(h Header) bool {
	switch h.Datatype {
	case DTUint8, DTUint16, DTFloat32:
		bpv, _ := bytesPerVoxel(h.Datatype)
		return int(h.Bitpix) == 8*bpv && h.VoxOffset >= minVoxOffset
	}
	return false
}

func bytesPerVoxel(dt int16) (int, error) {
	switch dt {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDataType, dt)
	}
}
