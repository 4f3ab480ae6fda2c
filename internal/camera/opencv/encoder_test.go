//go:build opencv

package opencv

import (
	"bytes"
	"image/jpeg"
	"testing"

	"camfeed/internal/frame"
)

func TestEncoder_Encode(t *testing.T) {
	tests := []struct {
		name   string
		format frame.PixelFormat
	}{
		{"BGR24", frame.FormatBGR24},
		{"GRAY8", frame.FormatGray8},
		{"RGBA", frame.FormatRGBA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pix := make([]byte, 16*8*tt.format.BytesPerPixel())
			for i := range pix {
				pix[i] = byte(i)
			}
			f, err := frame.New(16, 8, tt.format, pix)
			if err != nil {
				t.Fatal(err)
			}

			data, err := NewEncoder(70).Encode(f)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Output is not a JPEG: %v", err)
			}
			if cfg.Width != 16 || cfg.Height != 8 {
				t.Errorf("Unexpected size %dx%d", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestEncoderRegistered(t *testing.T) {
	if _, err := frame.NewEncoder("opencv", 80); err != nil {
		t.Errorf("Expected opencv encoder to be registered: %v", err)
	}
}
