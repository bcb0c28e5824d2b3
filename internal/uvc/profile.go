package uvc

import "fmt"

// StreamType identifies a logical video stream kind.
type StreamType int

const (
	StreamAny StreamType = iota
	StreamDepth
	StreamColor
	StreamInfrared
	StreamFisheye
	StreamConfidence
)

func (s StreamType) String() string {
	switch s {
	case StreamAny:
		return "any"
	case StreamDepth:
		return "depth"
	case StreamColor:
		return "color"
	case StreamInfrared:
		return "infrared"
	case StreamFisheye:
		return "fisheye"
	case StreamConfidence:
		return "confidence"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Format is a pixel format FourCC.
type Format uint32

const (
	FormatAny  Format = 0
	FormatZ16  Format = 0x5a313620 // 'Z16 '
	FormatYUYV Format = 0x59555956 // 'YUYV'
	FormatRGB8 Format = 0x52474238 // 'RGB8'
	FormatY8   Format = 0x59382020 // 'Y8  '
)

// StreamProfile describes one logical video stream. UniqueID demultiplexes
// framesets across streams.
type StreamProfile struct {
	Type     StreamType
	Index    int
	Format   Format
	Width    int
	Height   int
	FPS      int
	UniqueID int
}

func (p StreamProfile) String() string {
	return fmt.Sprintf("%s/%d %dx%d@%d", p.Type, p.Index, p.Width, p.Height, p.FPS)
}

// StreamControl carries the negotiated streaming parameters the engine needs
// to pump an endpoint.
type StreamControl struct {
	// InterfaceNumber names the video-streaming interface to read from.
	InterfaceNumber uint8
	// MaxVideoFrameSize is the negotiated payload size floor; shorter
	// payloads are discarded.
	MaxVideoFrameSize int
}

// FrameCallback delivers one parsed payload to the consumer. The release
// function must be treated as the end of the frame's validity.
type FrameCallback func(profile StreamProfile, frame FrameObject, release func())
