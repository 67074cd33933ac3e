package preview

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	fontOnce sync.Once
	font     *truetype.Font
	fontErr  error
)

func Font() (*truetype.Font, error) {
	fontOnce.Do(func() {
		font, fontErr = truetype.Parse(goregular.TTF)
	})
	return font, fontErr
}

// CreatePlaceholder
// draw text in the middle of a width x height image,
// and the current time in YYYY-MM-dd HH:mm:ss.SSS pattern at the right bottom corner if timestamp is set
func CreatePlaceholder(
	width, height int,
	backgroundColor, color color.Color,
	text string,
	timestamp bool,
) (image.Image, error) {
	f, err := Font()
	if err != nil {
		return nil, err
	}

	dc := gg.NewContext(width, height)
	dc.SetColor(backgroundColor)
	dc.DrawRectangle(0, 0, float64(width), float64(height))
	dc.Fill()

	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: float64(height) / 9}))
	dc.SetColor(color)
	dc.DrawStringAnchored(text, float64(width/2), float64(height/2), 0.5, 0.5)

	if timestamp {
		nowStr := time.Now().Format("2006-01-02 15:04:05.000")
		dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: float64(height) / 30}))
		dc.DrawStringAnchored(nowStr, float64(width)-float64(width)/40, float64(height)-float64(height)/20, 1, 0)
	}

	return dc.Image(), nil
}
