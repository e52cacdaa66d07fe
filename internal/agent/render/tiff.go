package render

import (
	"encoding/binary"

	"github.com/feichai0017/ingest-pipeline/internal/apperr"
)

// checkSingleFrameTIFF rejects TIFFs whose first IFD links to another one.
// The image decoder only reads the first frame, so later pages would be
// dropped without notice.
func checkSingleFrameTIFF(data []byte) error {
	if len(data) < 8 {
		return corrupt(errShortTIFF)
	}
	var order binary.ByteOrder
	switch string(data[:4]) {
	case "II*\x00":
		order = binary.LittleEndian
	case "MM\x00*":
		order = binary.BigEndian
	default:
		return corrupt(errTIFFHeader)
	}
	off := int64(order.Uint32(data[4:8]))
	if off < 8 || off+2 > int64(len(data)) {
		return corrupt(errShortTIFF)
	}
	entries := int64(order.Uint16(data[off : off+2]))
	nextAt := off + 2 + 12*entries
	if nextAt+4 > int64(len(data)) {
		return corrupt(errShortTIFF)
	}
	next := int64(order.Uint32(data[nextAt : nextAt+4]))
	if next != 0 && next+2 <= int64(len(data)) {
		return apperr.Validation("multi_frame_tiff", "multi-page TIFF files are not supported; upload a PDF instead")
	}
	return nil
}

type tiffError string

func (e tiffError) Error() string { return string(e) }

const (
	errShortTIFF  tiffError = "tiff: truncated image file directory"
	errTIFFHeader tiffError = "tiff: bad header"
)
