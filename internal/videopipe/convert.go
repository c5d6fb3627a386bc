package videopipe

// NeedsConverter reports whether a converter stage must sit between capture
// and encode because the encoder cannot ingest the surface as captured.
func NeedsConverter(inputW, inputH, streamW, streamH int, hdrRequested, encoderSupportsHDR, studioRangeRequired, inputFormatSupported, dccSurface, srgbView bool) bool {
	if inputW != streamW || inputH != streamH {
		return true
	}
	if hdrRequested && !encoderSupportsHDR {
		return true
	}
	if studioRangeRequired {
		return true
	}
	if !inputFormatSupported {
		return true
	}
	if dccSurface {
		return true
	}
	if srgbView {
		return true
	}
	return false
}

// Converter scales a packed RGBA surface from its captured resolution to the
// stream's target resolution using nearest-neighbor sampling, grounded on
// the legacy capture pipeline's fast-path scaler.
type Converter struct {
	srcW, srcH int
	dstW, dstH int
}

func NewConverter(srcW, srcH, dstW, dstH int) *Converter {
	return &Converter{srcW: srcW, srcH: srcH, dstW: dstW, dstH: dstH}
}

// Scale resizes a tightly-packed RGBA buffer (srcW*srcH*4 bytes) into a
// freshly allocated dstW*dstH*4 buffer.
func (c *Converter) Scale(src []byte) []byte {
	if c.srcW == c.dstW && c.srcH == c.dstH {
		out := make([]byte, len(src))
		copy(out, src)
		return out
	}

	dst := make([]byte, c.dstW*c.dstH*4)
	srcStride := c.srcW * 4
	dstStride := c.dstW * 4

	xOffsets := make([]int, c.dstW)
	for x := 0; x < c.dstW; x++ {
		xOffsets[x] = (x * c.srcW / c.dstW) * 4
	}

	for y := 0; y < c.dstH; y++ {
		srcY := y * c.srcH / c.dstH
		srcRowBase := srcY * srcStride
		dstRowBase := y * dstStride
		for x := 0; x < c.dstW; x++ {
			si := srcRowBase + xOffsets[x]
			di := dstRowBase + x*4
			if si+4 > len(src) || di+4 > len(dst) {
				continue
			}
			copy(dst[di:di+4], src[si:si+4])
		}
	}
	return dst
}

// ToNV12 converts a packed RGBA surface to NV12 (Y plane followed by
// interleaved subsampled UV) using BT.601 coefficients. It exists for
// encoder backends that require planar YUV input rather than RGBA; the
// current software backend consumes RGBA directly, but any hardware backend
// added later would call this during its converter stage.
func ToNV12(rgba []byte, width, height int) []byte {
	out := make([]byte, width*height+width*height/2)
	yPlane := out[:width*height]
	uvPlane := out[width*height:]

	for y := 0; y < height; y++ {
		rowOff := y * width * 4
		yOff := y * width
		for x := 0; x < width; x++ {
			pi := rowOff + x*4
			if pi+3 >= len(rgba) {
				continue
			}
			r := int(rgba[pi+0])
			g := int(rgba[pi+1])
			b := int(rgba[pi+2])

			yVal := clampByte((66*r+129*g+25*b+128)>>8 + 16)
			yPlane[yOff+x] = yVal

			if y%2 == 0 && x%2 == 0 {
				uVal := clampByte((-38*r-74*g+112*b+128)>>8 + 128)
				vVal := clampByte((112*r-94*g-18*b+128)>>8 + 128)
				uvIdx := (y/2)*width + (x/2)*2
				if uvIdx+1 < len(uvPlane) {
					uvPlane[uvIdx+0] = uVal
					uvPlane[uvIdx+1] = vVal
				}
			}
		}
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
