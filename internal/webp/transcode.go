package webp

import (
	"bytes"
	"fmt"

	"github.com/HugoSmits86/nativewebp"
	xwebp "golang.org/x/image/webp"

	"github.com/homewalk/tourforge/internal/errs"
)

// ConvertToLossless re-encodes buf as lossless WebP. Already-lossless input
// is returned unchanged so repeated conversion is idempotent and cheap.
func ConvertToLossless(buf []byte) ([]byte, error) {
	info := Validate(buf)
	if !info.IsWebP {
		return nil, &errs.Error{Kind: errs.KindValidation, Code: CodeNotWebP, Message: "buffer is not a WEBP image"}
	}
	if info.IsValid && info.IsLossless {
		return buf, nil
	}

	img, err := xwebp.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, &errs.Error{Kind: errs.KindValidation, Code: CodeCorruptWebP,
			Message: fmt.Sprintf("decode for transcode: %v", err)}
	}

	var out bytes.Buffer
	if err := nativewebp.Encode(&out, img, nil); err != nil {
		return nil, errs.Unexpected("lossless encode", err)
	}
	return out.Bytes(), nil
}
