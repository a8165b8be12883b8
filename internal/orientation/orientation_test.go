package orientation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[int]int{0: 0, 90: 90, 44: 0, 46: 90, 359: 0, -90: 270, 450: 90, 225: 270}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), "Normalize(%d)", in)
	}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		sensor, device int
		front          bool
		want           int
	}{
		{90, 0, false, 90},
		{90, 90, false, 180},
		{90, 270, false, 0},
		{270, 0, true, 270},
		{270, 90, true, 180},
		{270, 270, true, 0},
		{90, 90, true, 0},
		{0, 180, false, 180},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Derive(tt.sensor, tt.device, tt.front), "%+v", tt)
	}
}

func TestEXIFRoundTrip(t *testing.T) {
	want := map[int]uint16{0: 1, 90: 6, 180: 3, 270: 8}
	for _, deg := range Rotations {
		v, err := EXIF(deg)
		require.NoError(t, err)
		assert.Equal(t, want[deg], v)

		back, err := FromEXIF(v)
		require.NoError(t, err)
		assert.Equal(t, deg, back)
	}

	_, err := EXIF(45)
	assert.Error(t, err)
	_, err = FromEXIF(2)
	assert.Error(t, err)
}
