// Package orientation derives the display rotation stamped into recorded
// media. The same value feeds the MP4 track matrix and the JPEG EXIF tag.
package orientation

import "fmt"

// Valid rotations in degrees clockwise.
var Rotations = []int{0, 90, 180, 270}

// Normalize snaps any angle to the nearest multiple of 90 in [0, 360).
func Normalize(degrees int) int {
	d := ((degrees % 360) + 360) % 360
	return ((d + 45) / 90 * 90) % 360
}

// Derive returns how far recorded frames must be rotated clockwise to
// appear upright, given the sensor mounting angle and the device rotation.
// Back cameras add the device rotation to the mounting angle. Front cameras
// are mirrored, so it is subtracted instead.
func Derive(sensorDegrees, deviceRotation int, frontFacing bool) int {
	sign := -1
	if frontFacing {
		sign = 1
	}
	return Normalize(Normalize(sensorDegrees) - sign*Normalize(deviceRotation))
}

// EXIF Orientation tag values.
const (
	EXIFNormal    = 1
	EXIFRotate180 = 3
	EXIFRotate90  = 6
	EXIFRotate270 = 8
)

// EXIF maps a rotation to its EXIF Orientation value.
func EXIF(degrees int) (uint16, error) {
	switch degrees {
	case 0:
		return EXIFNormal, nil
	case 90:
		return EXIFRotate90, nil
	case 180:
		return EXIFRotate180, nil
	case 270:
		return EXIFRotate270, nil
	}
	return 0, fmt.Errorf("no EXIF orientation for %d degrees", degrees)
}

// FromEXIF is the inverse of EXIF.
func FromEXIF(v uint16) (int, error) {
	switch v {
	case EXIFNormal:
		return 0, nil
	case EXIFRotate90:
		return 90, nil
	case EXIFRotate180:
		return 180, nil
	case EXIFRotate270:
		return 270, nil
	}
	return 0, fmt.Errorf("unsupported EXIF orientation %d", v)
}
