// Package all registers every output format of the module.
package all

import (
	"sync"

	"github.com/jerett/mediaMuxer/internal/format"
	"github.com/jerett/mediaMuxer/internal/format/fmp4"
	"github.com/jerett/mediaMuxer/internal/format/mpegts"
	"github.com/jerett/mediaMuxer/internal/format/rawh264"
	"github.com/jerett/mediaMuxer/internal/format/webm"
)

var once sync.Once

// RegisterAll adds the mp4, mpegts, webm, h264 and null formats to the registry
func RegisterAll() {
	once.Do(func() {
		format.Register(fmp4.Format)
		format.Register(mpegts.Format)
		format.Register(webm.Format)
		format.Register(rawh264.Format)
		format.Register(format.Null)
	})
}
