package session

import (
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

// RenderPairingCode turns a raw pairing code into a PNG data URL that the
// pairing page can drop into an img tag.
func RenderPairingCode(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", errors.Wrap(err, "encode pairing code")
	}
	return dataurl.New(png, "image/png").String(), nil
}
