// Package snapshot encodes still frames as JPEG with an EXIF orientation.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/bryanchriswhite/OverlayCam/internal/orientation"
)

const (
	DefaultQuality = 90

	tagOrientation = 0x0112
	typeShort      = 3
)

var (
	ErrNotJPEG = errors.New("not a JPEG image")
	ErrNoEXIF  = errors.New("no EXIF orientation")
)

var exifHeader = []byte("Exif\x00\x00")

// Encode writes img as a JPEG whose EXIF Orientation matches degrees.
func Encode(w io.Writer, img image.Image, degrees, quality int) error {
	tag, err := orientation.EXIF(degrees)
	if err != nil {
		return err
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	data := buf.Bytes()

	// SOI, then our APP1, then the rest of the encoder output.
	if _, err := w.Write(data[:2]); err != nil {
		return err
	}
	if _, err := w.Write(exifSegment(tag)); err != nil {
		return err
	}
	_, err = w.Write(data[2:])
	return err
}

// exifSegment builds an APP1 segment holding a big-endian TIFF structure
// with a single IFD entry.
func exifSegment(tag uint16) []byte {
	var tiff bytes.Buffer
	be := binary.BigEndian
	tiff.WriteString("MM")
	_ = binary.Write(&tiff, be, uint16(42))
	_ = binary.Write(&tiff, be, uint32(8)) // IFD0 offset
	_ = binary.Write(&tiff, be, uint16(1)) // entry count
	_ = binary.Write(&tiff, be, uint16(tagOrientation))
	_ = binary.Write(&tiff, be, uint16(typeShort))
	_ = binary.Write(&tiff, be, uint32(1))
	_ = binary.Write(&tiff, be, tag)
	_ = binary.Write(&tiff, be, uint16(0)) // value padding
	_ = binary.Write(&tiff, be, uint32(0)) // no next IFD

	payload := append(append([]byte(nil), exifHeader...), tiff.Bytes()...)
	seg := []byte{0xff, 0xe1, 0, 0}
	be.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// ReadOrientation returns the rotation recorded in a JPEG's EXIF segment.
func ReadOrientation(data []byte) (int, error) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return 0, ErrNotJPEG
	}
	for i := 2; i+4 <= len(data); {
		if data[i] != 0xff {
			return 0, ErrNoEXIF
		}
		marker := data[i+1]
		size := int(binary.BigEndian.Uint16(data[i+2:]))
		if marker == 0xda || i+2+size > len(data) {
			break
		}
		seg := data[i+4 : i+2+size]
		if marker == 0xe1 && bytes.HasPrefix(seg, exifHeader) {
			v, err := tiffOrientation(seg[len(exifHeader):])
			if err != nil {
				return 0, err
			}
			return orientation.FromEXIF(v)
		}
		i += 2 + size
	}
	return 0, ErrNoEXIF
}

func tiffOrientation(tiff []byte) (uint16, error) {
	if len(tiff) < 8 {
		return 0, ErrNoEXIF
	}
	var bo binary.ByteOrder
	switch string(tiff[:2]) {
	case "MM":
		bo = binary.BigEndian
	case "II":
		bo = binary.LittleEndian
	default:
		return 0, ErrNoEXIF
	}
	off := int(bo.Uint32(tiff[4:]))
	if off+2 > len(tiff) {
		return 0, ErrNoEXIF
	}
	n := int(bo.Uint16(tiff[off:]))
	for e := 0; e < n; e++ {
		p := off + 2 + e*12
		if p+12 > len(tiff) {
			break
		}
		if bo.Uint16(tiff[p:]) == tagOrientation {
			return bo.Uint16(tiff[p+8:]), nil
		}
	}
	return 0, ErrNoEXIF
}
