package entity

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
)

// Mask is the segmentation raster for one frame: Height*Width bytes, 0 for
// background and 255 for object. PNG (8-bit grayscale) is its durable and
// wire encoding.
type Mask struct {
	VideoID  int64
	FrameIdx int
	Width    int
	Height   int
	Data     []byte
}

func NewMask(videoID int64, frameIdx, width, height int, data []byte) (*Mask, error) {
	m := &Mask{VideoID: videoID, FrameIdx: frameIdx, Width: width, Height: height, Data: data}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mask) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("mask %dx%d: bad dimensions", m.Width, m.Height)
	}
	if len(m.Data) != m.Width*m.Height {
		return fmt.Errorf("mask %dx%d: got %d bytes, want %d", m.Width, m.Height, len(m.Data), m.Width*m.Height)
	}
	return nil
}

// Empty reports whether no pixel is set.
func (m *Mask) Empty() bool {
	for _, v := range m.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

func (m *Mask) EncodePNG() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	copy(img.Pix, m.Data)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode mask png: %w", err)
	}
	return buf.Bytes(), nil
}

// MaskFromPNG decodes a grayscale PNG back into a raster. Non-gray source
// images are converted; any nonzero pixel becomes 255.
func MaskFromPNG(videoID int64, frameIdx int, data []byte) (*Mask, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode mask png: %w", err)
	}
	b := img.Bounds()
	m := &Mask{
		VideoID:  videoID,
		FrameIdx: frameIdx,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Data:     make([]byte, b.Dx()*b.Dy()),
	}
	if gray, ok := img.(*image.Gray); ok && gray.Stride == m.Width {
		copy(m.Data, gray.Pix)
		return m, nil
	}
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r|g|bl != 0 {
				m.Data[i] = 255
			}
			i++
		}
	}
	return m, nil
}

// Bbox is the derived bounding box for one frame, in pixels. A zero value
// means the frame's mask is empty.
type Bbox struct {
	VideoID  int64   `json:"video_id"`
	FrameIdx int     `json:"frame_idx"`
	X1       float64 `json:"x1"`
	Y1       float64 `json:"y1"`
	X2       float64 `json:"x2"`
	Y2       float64 `json:"y2"`
}

func (b Bbox) IsZero() bool {
	return b.X1 == 0 && b.Y1 == 0 && b.X2 == 0 && b.Y2 == 0
}
