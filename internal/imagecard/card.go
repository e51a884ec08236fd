// Package imagecard renders PNG title cards for social posts and stores them
// under the media directory.
package imagecard

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	Width  = 1200
	Height = 630

	titleSize    = 64
	subtitleSize = 30
	margin       = 80
	maxLines     = 4
)

var (
	background = color.RGBA{R: 0x1f, G: 0x29, B: 0x37, A: 0xff}
	accent     = color.RGBA{R: 0x10, G: 0xb9, B: 0x81, A: 0xff}
	foreground = color.White
	muted      = color.RGBA{R: 0xd1, G: 0xd5, B: 0xdb, A: 0xff}
)

type Renderer struct {
	bold    *truetype.Font
	regular *truetype.Font
	dir     string
	secret  []byte
}

// NewRenderer prepares the embedded Go fonts. dir is the media root served at /media/.
func NewRenderer(dir string, secret []byte) (*Renderer, error) {
	bold, err := freetype.ParseFont(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("imagecard: parse bold font: %w", err)
	}
	regular, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("imagecard: parse regular font: %w", err)
	}
	if dir == "" {
		dir = "media"
	}
	return &Renderer{bold: bold, regular: regular, dir: dir, secret: secret}, nil
}

// Render draws title (wrapped) and an optional subtitle into a PNG.
func (r *Renderer) Render(title, subtitle string) ([]byte, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("imagecard: title is required")
	}
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(0, 0, 16, Height), image.NewUniform(accent), image.Point{}, draw.Src)

	lines := wrap(r.face(r.bold, titleSize), title, Width-2*margin)
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		lines[maxLines-1] = strings.TrimRight(lines[maxLines-1], " .,;:") + "..."
	}

	c := r.context(img, r.bold, titleSize, foreground)
	lineHeight := titleSize * 5 / 4
	y := (Height-len(lines)*lineHeight)/2 + titleSize
	for _, line := range lines {
		if _, err := c.DrawString(line, freetype.Pt(margin, y)); err != nil {
			return nil, fmt.Errorf("imagecard: draw title: %w", err)
		}
		y += lineHeight
	}

	if subtitle = strings.TrimSpace(subtitle); subtitle != "" {
		sc := r.context(img, r.regular, subtitleSize, muted)
		if _, err := sc.DrawString(subtitle, freetype.Pt(margin, Height-margin)); err != nil {
			return nil, fmt.Errorf("imagecard: draw subtitle: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("imagecard: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Save writes a rendered card to <dir>/<hmac(account)>/cards/<name>.png and
// returns its public /media/ path.
func (r *Renderer) Save(accountID, name string, data []byte) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == "/" {
		return "", errors.New("imagecard: name is required")
	}
	owner := r.ownerHash(accountID)
	dir := filepath.Join(r.dir, owner, "cards")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("imagecard: create dir: %w", err)
	}
	fn := name + ".png"
	if err := os.WriteFile(filepath.Join(dir, fn), data, 0o644); err != nil {
		return "", fmt.Errorf("imagecard: write: %w", err)
	}
	return fmt.Sprintf("/media/%s/cards/%s", owner, fn), nil
}

func (r *Renderer) ownerHash(accountID string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte("account:" + strings.TrimSpace(accountID)))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

func (r *Renderer) context(dst draw.Image, f *truetype.Font, size float64, col color.Color) *freetype.Context {
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(f)
	c.SetFontSize(size)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(col))
	c.SetHinting(font.HintingFull)
	return c
}

func (r *Renderer) face(f *truetype.Font, size float64) font.Face {
	return truetype.NewFace(f, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// wrap breaks text into lines no wider than maxWidth pixels. A single word
// wider than the line is kept on its own line.
func wrap(face font.Face, text string, maxWidth int) []string {
	words := strings.Fields(text)
	var (
		lines []string
		cur   string
	)
	for _, w := range words {
		candidate := w
		if cur != "" {
			candidate = cur + " " + w
		}
		if cur != "" && font.MeasureString(face, candidate).Ceil() > maxWidth {
			lines = append(lines, cur)
			cur = w
			continue
		}
		cur = candidate
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}
