// Package video defines the raw-video pixel formats and transfer functions
// the negotiation records can express. The numeric values are the wire ids
// exchanged with the media service and must not be reordered.
package video

import "strconv"

// Format identifies a raw video pixel format.
type Format uint32

const (
	FormatUnknown Format = iota
	FormatEncoded

	FormatI420
	FormatYV12
	FormatYUY2
	FormatUYVY
	FormatAYUV
	FormatRGBx
	FormatBGRx
	FormatXRGB
	FormatXBGR
	FormatRGBA
	FormatBGRA
	FormatARGB
	FormatABGR
	FormatRGB
	FormatBGR
	FormatY41B
	FormatY42B
	FormatYVYU
	FormatY444
	FormatV210
	FormatV216
	FormatNV12
	FormatNV21
	FormatGRAY8
	FormatGRAY16BE
	FormatGRAY16LE
	FormatV308
	FormatRGB16
	FormatBGR16
	FormatRGB15
	FormatBGR15
	FormatUYVP
	FormatA420
	FormatRGB8P
	FormatYUV9
	FormatYVU9
	FormatIYU1
	FormatARGB64
	FormatAYUV64
	FormatR210
	FormatI420_10BE
	FormatI420_10LE
	FormatI422_10BE
	FormatI422_10LE
	FormatY444_10BE
	FormatY444_10LE
	FormatGBR
	FormatGBR_10BE
	FormatGBR_10LE
	FormatNV16
	FormatNV24
	FormatNV12_64Z32
	FormatA420_10BE
	FormatA420_10LE
	FormatA422_10BE
	FormatA422_10LE
	FormatA444_10BE
	FormatA444_10LE
	FormatNV61
	FormatP010_10BE
	FormatP010_10LE
	FormatIYU2
	FormatVYUY
	FormatGBRA
	FormatGBRA_10BE
	FormatGBRA_10LE
	FormatGBR_12BE
	FormatGBR_12LE
	FormatGBRA_12BE
	FormatGBRA_12LE
	FormatI420_12BE
	FormatI420_12LE
	FormatI422_12BE
	FormatI422_12LE
	FormatY444_12BE
	FormatY444_12LE

	FormatRGBA_F16
	FormatRGBA_F32

	FormatXRGB_210LE // 32-bit x:R:G:B 2:10:10:10 little endian
	FormatXBGR_210LE // 32-bit x:B:G:R 2:10:10:10 little endian
	FormatRGBx_102LE // 32-bit R:G:B:x 10:10:10:2 little endian
	FormatBGRx_102LE // 32-bit B:G:R:x 10:10:10:2 little endian
	FormatARGB_210LE // 32-bit A:R:G:B 2:10:10:10 little endian
	FormatABGR_210LE // 32-bit A:B:G:R 2:10:10:10 little endian
	FormatRGBA_102LE // 32-bit R:G:B:A 10:10:10:2 little endian
	FormatBGRA_102LE // 32-bit B:G:R:A 10:10:10:2 little endian

	formatMax
)

var formatNames = map[Format]string{
	FormatUnknown:    "UNKNOWN",
	FormatEncoded:    "ENCODED",
	FormatI420:       "I420",
	FormatYV12:       "YV12",
	FormatYUY2:       "YUY2",
	FormatUYVY:       "UYVY",
	FormatAYUV:       "AYUV",
	FormatRGBx:       "RGBx",
	FormatBGRx:       "BGRx",
	FormatXRGB:       "xRGB",
	FormatXBGR:       "xBGR",
	FormatRGBA:       "RGBA",
	FormatBGRA:       "BGRA",
	FormatARGB:       "ARGB",
	FormatABGR:       "ABGR",
	FormatRGB:        "RGB",
	FormatBGR:        "BGR",
	FormatNV12:       "NV12",
	FormatNV21:       "NV21",
	FormatNV16:       "NV16",
	FormatNV24:       "NV24",
	FormatGRAY8:      "GRAY8",
	FormatP010_10LE:  "P010_10LE",
	FormatRGBA_F16:   "RGBA_F16",
	FormatRGBA_F32:   "RGBA_F32",
	FormatXRGB_210LE: "xRGB_210LE",
	FormatXBGR_210LE: "xBGR_210LE",
	FormatRGBx_102LE: "RGBx_102LE",
	FormatBGRx_102LE: "BGRx_102LE",
	FormatARGB_210LE: "ARGB_210LE",
	FormatABGR_210LE: "ABGR_210LE",
	FormatRGBA_102LE: "RGBA_102LE",
	FormatBGRA_102LE: "BGRA_102LE",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "format(" + strconv.FormatUint(uint64(f), 10) + ")"
}

// ParseFormat resolves a format name as printed by String. The lookup is
// case sensitive.
func ParseFormat(name string) (Format, bool) {
	for f, n := range formatNames {
		if n == name {
			return f, true
		}
	}
	return FormatUnknown, false
}

// Valid reports whether f is a format the negotiation records can express.
func (f Format) Valid() bool {
	return f > FormatUnknown && f < formatMax
}

// Transfer identifies the transfer function / numeric encoding a frontend
// associates with a pixel format.
type Transfer uint32

const (
	TransferUnknown Transfer = iota
	TransferSRGB
	TransferUNORM
	TransferSNORM
	TransferUINT
	TransferSINT
	TransferUSCALED
	TransferSSCALED
	TransferUFLOAT
)

func (t Transfer) String() string {
	switch t {
	case TransferSRGB:
		return "SRGB"
	case TransferUNORM:
		return "UNORM"
	case TransferSNORM:
		return "SNORM"
	case TransferUINT:
		return "UINT"
	case TransferSINT:
		return "SINT"
	case TransferUSCALED:
		return "USCALED"
	case TransferSSCALED:
		return "SSCALED"
	case TransferUFLOAT:
		return "UFLOAT"
	default:
		return "UNKNOWN"
	}
}
