// Package imgio reads stereo pairs and disparity maps into tensors and writes
// masks back out as images.
package imgio

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/tiff"
	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/sugarme/gotch/ts"
	"golang.org/x/image/draw"
)

// ReadImage reads image from file.
func ReadImage(filename string) (image.Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".bmp":
		return imaging.Open(filename)
	case ".tiff", ".tif":
		f, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tiff.Decode(f)
	default:
		return nil, fmt.Errorf("unsupported image format: %v", ext)
	}
}

// Reduce shrinks an image by an integer factor. Factors below 2 return img
// unchanged.
func Reduce(img image.Image, factor int) image.Image {
	if factor < 2 {
		return img
	}
	w := img.Bounds().Dx() / factor
	h := img.Bounds().Dy() / factor
	return resize.Resize(uint(w), uint(h), img, resize.Lanczos3)
}

// ReduceDisparity shrinks a disparity map without mixing neighbouring values.
// Pixel values are left in the source units; divide the resulting tensor by
// factor to keep disparities consistent with the new width.
func ReduceDisparity(img image.Image, factor int) image.Image {
	if factor < 2 {
		return img
	}
	w := img.Bounds().Dx() / factor
	h := img.Bounds().Dy() / factor
	return resize.Resize(uint(w), uint(h), img, resize.NearestNeighbor)
}

// ImageTensor converts img to a float tensor of shape (3, H, W) in [0, 1].
func ImageTensor(img image.Image) *ts.Tensor {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	plane := w * h
	vals := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := rgba.NRGBAAt(x, y)
			i := y*w + x
			vals[i] = float32(c.R) / 255
			vals[plane+i] = float32(c.G) / 255
			vals[2*plane+i] = float32(c.B) / 255
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{3, int64(h), int64(w)}, true)
}

// DisparityTensor converts a disparity map to a float tensor of shape
// (1, H, W). 16-bit values are divided by scale (256 for KITTI maps); 8-bit
// maps store whole pixels and are read as raw values.
func DisparityTensor(img image.Image, scale float64) *ts.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	vals := make([]float32, w*h)

	switch g := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vals[y*w+x] = float32(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		g16 := image.NewGray16(image.Rect(0, 0, w, h))
		draw.Draw(g16, g16.Bounds(), img, b.Min, draw.Src)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vals[y*w+x] = float32(float64(g16.Gray16At(x, y).Y) / scale)
			}
		}
	}

	return ts.MustOfSlice(vals).MustView([]int64{1, int64(h), int64(w)}, true)
}

// MaskImage renders a (H, W) or (1, H, W) mask with values in [0, 1] as a
// grayscale image.
func MaskImage(mask *ts.Tensor) (image.Image, error) {
	size := mask.MustSize()
	switch {
	case len(size) == 3 && size[0] == 1:
		size = size[1:]
	case len(size) == 2:
	default:
		return nil, fmt.Errorf("expect mask of shape (H, W) or (1, H, W), got %v", size)
	}
	h, w := int(size[0]), int(size[1])

	vals := mask.MustDetach(false).MustClamp(ts.FloatScalar(0), ts.FloatScalar(1), true)
	flat := vals.Float64Values()
	vals.MustDrop()

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(flat[y*w+x]*255 + 0.5)})
		}
	}

	return img, nil
}

// SaveMask writes a mask tensor to filename; the format follows the
// extension.
func SaveMask(mask *ts.Tensor, filename string) error {
	img, err := MaskImage(mask)
	if err != nil {
		return err
	}
	return imaging.Save(img, filename)
}
