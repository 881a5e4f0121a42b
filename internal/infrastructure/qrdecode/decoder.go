// Package qrdecode reads the text payload out of a QR code image.
package qrdecode

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"qrguard-lab/internal/domain/models"
	"qrguard-lab/pkg/logger"
)

// DefaultMaxImageBytes caps how much image data is read
const DefaultMaxImageBytes = 4 << 20

var errImageTooLarge = errors.New("image exceeds size limit")

// Decoder turns an image reference into a trimmed QR payload.
// A reference is either a filesystem path or a data URI
// ("data:image/png;base64,...").
type Decoder struct {
	maxBytes int64
	logger   *logger.Logger
}

// New creates a decoder. maxBytes <= 0 selects DefaultMaxImageBytes.
func New(maxBytes int64, log *logger.Logger) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Decoder{
		maxBytes: maxBytes,
		logger:   log.WithComponent("qrdecode"),
	}
}

// Decode returns the payload of the first QR code found in the image.
// Every failure is a *models.DecodeError.
func (d *Decoder) Decode(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", models.NewDecodeError(models.ErrDecodeFailed, err)
	}

	data, err := d.load(ref)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", models.NewDecodeError(models.ErrDecodeFailed, fmt.Errorf("decode image: %w", err))
	}

	text, err := d.DecodeImage(img)
	if err != nil {
		return "", err
	}
	d.logger.Debug().Int("payload_len", len(text)).Msg("qr decoded")
	return text, nil
}

// DecodeImage scans an already decoded image
func (d *Decoder) DecodeImage(img image.Image) (text string, err error) {
	// gozxing panics on some degenerate bitmaps
	defer func() {
		if r := recover(); r != nil {
			text, err = "", models.NewDecodeError(models.ErrDecodeFailed, fmt.Errorf("%v", r))
		}
	}()

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", models.NewDecodeError(models.ErrDecodeFailed, err)
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		var notFound gozxing.NotFoundException
		if errors.As(err, &notFound) {
			return "", &models.DecodeError{Kind: models.ErrNoQRCode}
		}
		return "", models.NewDecodeError(models.ErrDecodeFailed, err)
	}

	text = strings.TrimSpace(result.GetText())
	if text == "" {
		return "", &models.DecodeError{Kind: models.ErrEmptyPayload}
	}
	return text, nil
}

func (d *Decoder) load(ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return d.loadDataURI(ref)
	}

	f, err := os.Open(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &models.DecodeError{Kind: models.ErrImageNotFound}
		}
		return nil, models.NewDecodeError(models.ErrDecodeFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, err)
	}
	if info.IsDir() {
		return nil, &models.DecodeError{Kind: models.ErrImageNotFound}
	}

	data, err := io.ReadAll(io.LimitReader(f, d.maxBytes+1))
	if err != nil {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, errImageTooLarge)
	}
	return data, nil
}

func (d *Decoder) loadDataURI(ref string) ([]byte, error) {
	meta, encoded, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, errors.New("unsupported data URI"))
	}
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > d.maxBytes+2 {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, errImageTooLarge)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, models.NewDecodeError(models.ErrDecodeFailed, errImageTooLarge)
	}
	return data, nil
}
