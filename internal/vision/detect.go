package vision

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is one face found by the detector, in source image pixels.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
	Landmarks  [5][2]float32
}

// Detector runs the RetinaFace det_10g model. It is not safe for concurrent
// use; the tensors are bound to the session.
type Detector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	scores    [3]*ort.Tensor[float32]
	boxes     [3]*ort.Tensor[float32]
	marks     [3]*ort.Tensor[float32]
	threshold float32
	inputW    int
	inputH    int
}

const (
	detInputSize    = 640
	anchorsPerCell  = 2
	detNMSThreshold = 0.4
	detInputName    = "input.1"
)

var detStrides = [3]int{8, 16, 32}

// Output tensor names of det_10g, per stride.
var (
	detScoreNames = [3]string{"448", "471", "494"}
	detBoxNames   = [3]string{"451", "474", "497"}
	detMarkNames  = [3]string{"454", "477", "500"}
)

// NewDetector loads the detection model. opts may be nil.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	d := &Detector{threshold: threshold, inputW: detInputSize, inputH: detInputSize}

	var err error
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detInputSize, detInputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	var names []string
	var outputs []ort.Value
	for i, stride := range detStrides {
		anchors := int64((detInputSize / stride) * (detInputSize / stride) * anchorsPerCell)
		if d.scores[i], err = ort.NewEmptyTensor[float32](ort.NewShape(anchors, 1)); err != nil {
			d.Close()
			return nil, fmt.Errorf("create score tensor stride %d: %w", stride, err)
		}
		if d.boxes[i], err = ort.NewEmptyTensor[float32](ort.NewShape(anchors, 4)); err != nil {
			d.Close()
			return nil, fmt.Errorf("create bbox tensor stride %d: %w", stride, err)
		}
		if d.marks[i], err = ort.NewEmptyTensor[float32](ort.NewShape(anchors, 10)); err != nil {
			d.Close()
			return nil, fmt.Errorf("create landmark tensor stride %d: %w", stride, err)
		}
	}
	// Session outputs are ordered scores, then boxes, then landmarks.
	for i := range detStrides {
		names = append(names, detScoreNames[i])
		outputs = append(outputs, d.scores[i])
	}
	for i := range detStrides {
		names = append(names, detBoxNames[i])
		outputs = append(outputs, d.boxes[i])
	}
	for i := range detStrides {
		names = append(names, detMarkNames[i])
		outputs = append(outputs, d.marks[i])
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{detInputName},
		names,
		[]ort.Value{d.input},
		outputs,
		opts,
	)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create detector session: %w", err)
	}
	return d, nil
}

// Detect runs the model on a preprocessed CHW input and returns faces in the
// coordinates of an origW x origH source image, best first.
func (d *Detector) Detect(chw []float32, origW, origH int) ([]Detection, error) {
	copy(d.input.GetData(), chw)

	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	var found []Detection
	for i, stride := range detStrides {
		found = append(found, decodeStride(
			d.scores[i].GetData(), d.boxes[i].GetData(), d.marks[i].GetData(),
			stride, d.inputW, d.inputH, origW, origH, d.threshold,
		)...)
	}
	return nms(found, detNMSThreshold), nil
}

// decodeStride turns the anchor-relative outputs of one stride into
// detections. Box and landmark offsets are in units of the stride.
func decodeStride(scores, boxes, marks []float32, stride, inW, inH, origW, origH int, threshold float32) []Detection {
	var out []Detection

	sx := float32(origW) / float32(inW)
	sy := float32(origH) / float32(inH)
	st := float32(stride)
	cols := inW / stride
	rows := inH / stride

	for idx := 0; idx < rows*cols*anchorsPerCell && idx < len(scores); idx++ {
		if scores[idx] < threshold {
			continue
		}
		cell := idx / anchorsPerCell
		ax := float32(cell%cols) * st
		ay := float32(cell/cols) * st

		b := boxes[idx*4 : idx*4+4]
		det := Detection{
			BBox: [4]float32{
				clampF((ax-b[0]*st)*sx, 0, float32(origW)),
				clampF((ay-b[1]*st)*sy, 0, float32(origH)),
				clampF((ax+b[2]*st)*sx, 0, float32(origW)),
				clampF((ay+b[3]*st)*sy, 0, float32(origH)),
			},
			Confidence: scores[idx],
		}
		for l := 0; l < 5; l++ {
			det.Landmarks[l][0] = (ax + marks[idx*10+l*2]*st) * sx
			det.Landmarks[l][1] = (ay + marks[idx*10+l*2+1]*st) * sy
		}
		out = append(out, det)
	}
	return out
}

// InputSize returns the model's expected input dimensions.
func (d *Detector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	for i := range detStrides {
		for _, t := range []*ort.Tensor[float32]{d.scores[i], d.boxes[i], d.marks[i]} {
			if t != nil {
				t.Destroy()
			}
		}
	}
}
