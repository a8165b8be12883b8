package mux

import (
	"bytes"
	"fmt"

	gomp4 "github.com/abema/go-mp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
)

// displayMatrices are tkhd transformation matrices (16.16 fixed point, w in
// 2.30) for clockwise display rotations.
var displayMatrices = map[int][9]int32{
	0:   {0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000},
	90:  {0, 0x00010000, 0, -0x00010000, 0, 0, 0, 0, 0x40000000},
	180: {-0x00010000, 0, 0, 0, -0x00010000, 0, 0, 0, 0x40000000},
	270: {0, -0x00010000, 0, 0x00010000, 0, 0, 0, 0, 0x40000000},
}

// DisplayMatrix returns the tkhd matrix for a rotation in degrees.
func DisplayMatrix(degrees int) ([9]int32, bool) {
	m, ok := displayMatrices[degrees]
	return m, ok
}

// setDisplayMatrix rewrites the tkhd of trackID inside an init segment.
// Every other box is copied through unchanged.
func setDisplayMatrix(init []byte, trackID int, degrees int) ([]byte, error) {
	matrix, ok := displayMatrices[degrees]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrientation, degrees)
	}

	r := bytes.NewReader(init)
	var out seekablebuffer.Buffer
	w := gomp4.NewWriter(&out)

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case gomp4.BoxTypeMoov(), gomp4.BoxTypeTrak():
			if _, err := w.StartBox(&h.BoxInfo); err != nil {
				return nil, err
			}
			if _, err := h.Expand(); err != nil {
				return nil, err
			}
			_, err := w.EndBox()
			return nil, err

		case gomp4.BoxTypeTkhd():
			box, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			tkhd, ok := box.(*gomp4.Tkhd)
			if !ok {
				return nil, fmt.Errorf("unexpected tkhd payload %T", box)
			}
			if int(tkhd.TrackID) == trackID {
				tkhd.Matrix = matrix
			}
			if _, err := w.StartBox(&h.BoxInfo); err != nil {
				return nil, err
			}
			if _, err := gomp4.Marshal(w, tkhd, h.BoxInfo.Context); err != nil {
				return nil, err
			}
			_, err = w.EndBox()
			return nil, err

		default:
			return nil, w.CopyBox(r, &h.BoxInfo)
		}
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
