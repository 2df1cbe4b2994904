package vision

import (
	"bytes"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"sort"

	fderr "github.com/your-org/facerec/pkg/errors"
)

// Normalisation constants, (pixel - mean) / std per channel.
var (
	detMean = [3]float32{127.5, 127.5, 127.5}
	detStd  = [3]float32{128, 128, 128}
	embMean = [3]float32{127.5, 127.5, 127.5}
	embStd  = [3]float32{127.5, 127.5, 127.5}
)

// cropPadding widens a face box on each side before embedding.
const cropPadding = 0.1

// DecodeImage decodes a JPEG or PNG upload.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fderr.Wrap(err, fderr.CodeVisionImageInvalid, "decode image")
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fderr.New(fderr.CodeVisionImageInvalid, "image is empty")
	}
	return img, nil
}

// EncodeJPEG encodes img as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toCHW resizes img to w x h and lays it out as normalised planar RGB.
func toCHW(img image.Image, w, h int, mean, std [3]float32) []float32 {
	rgba := resizeNearest(img, w, h)
	plane := w * h
	out := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			i := y*w + x
			out[i] = (float32(px[0]) - mean[0]) / std[0]
			out[plane+i] = (float32(px[1]) - mean[1]) / std[1]
			out[2*plane+i] = (float32(px[2]) - mean[2]) / std[2]
		}
	}
	return out
}

// resizeNearest scales img to w x h by nearest-neighbour sampling.
func resizeNearest(img image.Image, w, h int) *image.RGBA {
	src := toRGBA(img)
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			si := src.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return rgba
}

// cropFace cuts the padded box out of img. It returns nil when the box does
// not overlap the image.
func cropFace(img image.Image, box [4]float32) image.Image {
	b := img.Bounds()

	w := box[2] - box[0]
	h := box[3] - box[1]
	if w <= 0 || h <= 0 {
		return nil
	}
	padW := w * cropPadding
	padH := h * cropPadding

	r := image.Rect(
		int(box[0]-padW), int(box[1]-padH),
		int(box[2]+padW), int(box[3]+padH),
	).Intersect(b)
	if r.Empty() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(crop, crop.Bounds(), img, r.Min, draw.Src)
	return crop
}

// nms keeps the most confident detection of every overlapping cluster. The
// result is sorted by confidence, best first.
func nms(dets []Detection, iouThreshold float32) []Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := dets[:0:0]
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if iou(d.BBox, k.BBox) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	ix := max(0, min(a[2], b[2])-max(a[0], b[0]))
	iy := max(0, min(a[3], b[3])-max(a[1], b[1]))
	inter := ix * iy

	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float32) float32 {
	return max(lo, min(v, hi))
}
