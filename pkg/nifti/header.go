// Package nifti decodes NIfTI-1 headers from gzip-compressed byte-stream
// prefixes, without requiring the full image volume.
package nifti

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
)

const (
	// ReadBudget is the maximum number of compressed bytes a caller should
	// feed ExtractHeader; 1 MiB is enough to decompress the fixed header.
	ReadBudget = 1024 * 1024

	// headerSize is the fixed NIfTI-1 header size declared in sizeof_hdr
	headerSize = 348

	// decompressedMin is the minimum decompressed prefix needed to decode
	// the header (348-byte header plus the 4-byte extension flag)
	decompressedMin = 352

	// minCompressedLen guards against obviously truncated inputs before
	// attempting decompression
	minCompressedLen = 100

	dimOffset    = 40
	pixdimOffset = 76
)

// Header carries the decoded shape and temporal resolution of one volume
type Header struct {
	// Shape is the image dimensions (3 to 7 entries)
	Shape []int

	// TR is the sampling interval (temporal resolution) in seconds
	TR float64
}

// Voxels returns the product of the first three shape dimensions
func (h *Header) Voxels() int64 {
	v := int64(1)
	for i := 0; i < 3 && i < len(h.Shape); i++ {
		v *= int64(h.Shape[i])
	}
	return v
}

// Duration returns TR times the fourth dimension (number of volumes), and
// false when the volume is not a time series or TR is not positive.
func (h *Header) Duration() (float64, bool) {
	if len(h.Shape) < 4 || h.TR <= 0 {
		return 0, false
	}
	return h.TR * float64(h.Shape[3]), true
}

// ExtractHeader decodes a NIfTI-1 header from a gzip-compressed prefix of at
// most ReadBudget bytes. Returns ok=false for anything that is not a
// decodable header: missing gzip magic, failed decompression, a short
// decompressed prefix, a sizeof_hdr other than 348, or an out-of-range
// dimension count. It performs no I/O.
func ExtractHeader(buf []byte) (Header, bool) {
	if len(buf) < minCompressedLen {
		return Header{}, false
	}
	if buf[0] != 0x1f || buf[1] != 0x8b {
		return Header{}, false
	}

	zr, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return Header{}, false
	}
	defer func() {
		_ = zr.Close()
	}()

	// A truncated compressed tail is fine as long as the first 352 bytes
	// decompress cleanly.
	hdr := make([]byte, decompressedMin)
	if _, err := io.ReadFull(zr, hdr); err != nil {
		return Header{}, false
	}

	return decode(hdr)
}

// decode parses the fixed-offset header fields from a decompressed prefix
func decode(hdr []byte) (Header, bool) {
	if len(hdr) < decompressedMin {
		return Header{}, false
	}

	sizeofHdr := int32(binary.LittleEndian.Uint32(hdr[0:4]))
	if sizeofHdr != headerSize {
		return Header{}, false
	}

	var dims [8]int16
	for i := range dims {
		dims[i] = int16(binary.LittleEndian.Uint16(hdr[dimOffset+2*i : dimOffset+2*i+2]))
	}
	ndim := int(dims[0])
	if ndim < 3 || ndim > 7 {
		return Header{}, false
	}

	shape := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		shape[i] = int(dims[i+1])
	}

	var pixdim [8]float32
	for i := range pixdim {
		bits := binary.LittleEndian.Uint32(hdr[pixdimOffset+4*i : pixdimOffset+4*i+4])
		pixdim[i] = math.Float32frombits(bits)
	}

	return Header{Shape: shape, TR: float64(pixdim[4])}, true
}
