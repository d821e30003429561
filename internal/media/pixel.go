package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
)

// Image returns the frame contents as an image.Image. Raw formats are
// interpreted in place where the layout allows it (Grayscale, YUV422), so the
// result must not be used after the frame is released.
func (fb *FrameBuffer) Image() (image.Image, error) {
	if fb.Format == PixelFormatJPEG {
		img, err := jpeg.Decode(bytes.NewReader(fb.Data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg frame: %w", err)
		}
		return img, nil
	}

	w, h := fb.Width, fb.Height
	bpp := fb.Format.BytesPerPixel()
	if w <= 0 || h <= 0 || bpp == 0 {
		return nil, fmt.Errorf("invalid %s frame geometry %dx%d", fb.Format, w, h)
	}
	if need := w * h * bpp; len(fb.Data) < need {
		return nil, fmt.Errorf("short %s frame: have %d bytes, need %d", fb.Format, len(fb.Data), need)
	}
	rect := image.Rect(0, 0, w, h)

	switch fb.Format {
	case PixelFormatGrayscale:
		return &image.Gray{Pix: fb.Data[:w*h], Stride: w, Rect: rect}, nil

	case PixelFormatYUV422:
		if w%2 != 0 {
			return nil, fmt.Errorf("YUV422 frame width %d is odd", w)
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < h; y++ {
			row := fb.Data[y*w*2 : (y+1)*w*2]
			for x := 0; x < w; x += 2 {
				p := row[x*2 : x*2+4]
				img.Y[y*img.YStride+x] = p[0]
				img.Y[y*img.YStride+x+1] = p[2]
				ci := y*img.CStride + x/2
				img.Cb[ci] = p[1]
				img.Cr[ci] = p[3]
			}
		}
		return img, nil

	case PixelFormatRGB565:
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			v := uint16(fb.Data[i*2])<<8 | uint16(fb.Data[i*2+1])
			r := uint8(v>>11) & 0x1f
			g := uint8(v>>5) & 0x3f
			b := uint8(v) & 0x1f
			img.Pix[i*4] = r<<3 | r>>2
			img.Pix[i*4+1] = g<<2 | g>>4
			img.Pix[i*4+2] = b<<3 | b>>2
			img.Pix[i*4+3] = 0xff
		}
		return img, nil

	case PixelFormatRGB888:
		img := image.NewRGBA(rect)
		for i := 0; i < w*h; i++ {
			img.Pix[i*4] = fb.Data[i*3]
			img.Pix[i*4+1] = fb.Data[i*3+1]
			img.Pix[i*4+2] = fb.Data[i*3+2]
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	}

	return nil, fmt.Errorf("unsupported pixel format %s", fb.Format)
}

// Pack renders img in the given format, reusing dst's capacity. quality is
// the image/jpeg quality (1-100) and only applies to PixelFormatJPEG.
func Pack(dst []byte, img image.Image, format PixelFormat, quality int) ([]byte, error) {
	if format == PixelFormatJPEG {
		buf := bytes.NewBuffer(dst[:0])
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return dst, fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), nil
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return dst, fmt.Errorf("unsupported pixel format %s", format)
	}
	if format == PixelFormatYUV422 && w%2 != 0 {
		return dst, fmt.Errorf("YUV422 frame width %d is odd", w)
	}
	out := dst[:0]
	if cap(out) < w*h*bpp {
		out = make([]byte, 0, w*h*bpp)
	}
	out = out[:w*h*bpp]

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl := rgbAt(img, b.Min.X+x, b.Min.Y+y)
			i := y*w + x
			switch format {
			case PixelFormatGrayscale:
				out[i] = color.GrayModel.Convert(color.RGBA{r, g, bl, 0xff}).(color.Gray).Y
			case PixelFormatRGB888:
				out[i*3], out[i*3+1], out[i*3+2] = r, g, bl
			case PixelFormatRGB565:
				v := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(bl>>3)
				out[i*2], out[i*2+1] = byte(v>>8), byte(v)
			case PixelFormatYUV422:
				yy, cb, cr := color.RGBToYCbCr(r, g, bl)
				out[i*2] = yy
				if x%2 == 0 {
					out[i*2+1] = cb
				} else {
					out[i*2+1] = cr
				}
			}
		}
	}
	return out, nil
}

func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	if rgba, ok := img.(*image.RGBA); ok {
		p := rgba.Pix[rgba.PixOffset(x, y):]
		return p[0], p[1], p[2]
	}
	r32, g32, b32, _ := img.At(x, y).RGBA()
	return uint8(r32 >> 8), uint8(g32 >> 8), uint8(b32 >> 8)
}
