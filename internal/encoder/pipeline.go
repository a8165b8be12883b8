package encoder

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/bryanchriswhite/OverlayCam/internal/codec"
	"github.com/bryanchriswhite/OverlayCam/internal/stream"
)

// Default quantizers when a constant-quality mode has no QP range set.
const (
	defaultIQP = 23
	defaultPQP = 25

	defaultVBRQuality = 21
)

// V4L2 stateful encoder bitrate modes.
const (
	v4l2ModeVBR = 0
	v4l2ModeCBR = 1
	v4l2ModeCQ  = 2
)

// element is one GStreamer encoder that can produce a codec.
type element struct {
	name string
	// inputFormat is the raw format the encoder accepts.
	inputFormat string
	// post follows the encoder, usually a parser plus output caps.
	post string
}

// Encoders in preference order: stateful V4L2 hardware first.
var videoElements = map[stream.VideoCodec][]element{
	stream.H264: {
		{"v4l2h264enc", "NV12", "h264parse config-interval=-1 ! video/x-h264,stream-format=byte-stream,alignment=au"},
		{"x264enc", "I420", "h264parse config-interval=-1 ! video/x-h264,stream-format=byte-stream,alignment=au"},
	},
	stream.H265: {
		{"v4l2h265enc", "NV12", "h265parse config-interval=-1 ! video/x-h265,stream-format=byte-stream,alignment=au"},
		{"x265enc", "I420", "h265parse config-interval=-1 ! video/x-h265,stream-format=byte-stream,alignment=au"},
	},
}

const adtsCaps = "aacparse ! audio/mpeg,mpegversion=4,stream-format=adts"

var audioElements = map[stream.AudioCodec][]element{
	stream.AAC:    {{"fdkaacenc", "S16LE", adtsCaps}, {"avenc_aac", "F32LE", adtsCaps}, {"voaacenc", "S16LE", adtsCaps}},
	stream.HEAAC:  {{"fdkaacenc", "S16LE", adtsCaps}, {"avenc_aac", "F32LE", adtsCaps}},
	stream.AACELD: {{"fdkaacenc", "S16LE", adtsCaps}, {"avenc_aac", "F32LE", adtsCaps}},
	stream.Opus:   {{"opusenc", "S16LE", "audio/x-opus"}},
	stream.AMRNB:  {{"amrnbenc", "S16LE", "audio/AMR"}},
	stream.AMRWB:  {{"voamrwbenc", "S16LE", "audio/AMR-WB"}},
}

// hasElement reports whether a GStreamer element factory is installed.
var hasElement = func(name string) bool {
	return gst.Find(name) != nil
}

func pick(candidates []element, what string) (element, error) {
	for _, e := range candidates {
		if hasElement(e.name) {
			return e, nil
		}
	}
	names := make([]string, 0, len(candidates))
	for _, e := range candidates {
		names = append(names, e.name)
	}
	return element{}, fmt.Errorf("%w: %s needs one of %s", codec.ErrEncoderUnavailable, what, strings.Join(names, ", "))
}

func pickVideo(c stream.VideoCodec) (element, error) {
	return pick(videoElements[c], string(c))
}

func pickAudio(c stream.AudioCodec) (element, error) {
	return pick(audioElements[c.Resolve()], string(c.Resolve()))
}

func kbps(bps int) int {
	return max(bps/1000, 1)
}

func qpOr(r stream.QPRange, def int) int {
	if r.Init > 0 {
		return r.Init
	}
	if r.IsSet() {
		return (r.Min + r.Max) / 2
	}
	return def
}

// videoEncoderProps renders the rate control and GOP settings of d as
// properties of the chosen encoder element.
func videoEncoderProps(e element, d stream.Descriptor) string {
	gop := d.KeyFrameDistance()
	mode := d.RateMode
	switch e.name {
	case "x264enc":
		props := []string{
			"name=enc",
			fmt.Sprintf("key-int-max=%d", gop),
			"bframes=0",
			"byte-stream=true",
			"tune=zerolatency",
			"speed-preset=ultrafast",
		}
		switch {
		case mode.ConstantQuality():
			props = append(props, "pass=quant", fmt.Sprintf("quantizer=%d", qpOr(d.IQP, defaultIQP)))
		case mode.BitrateMode() == stream.BitrateModeCBR || mode.BitrateMode() == stream.BitrateModeCBRFD:
			props = append(props, "pass=cbr", fmt.Sprintf("bitrate=%d", kbps(d.Bitrate)), "vbv-buf-capacity=1000")
		default:
			// quality mode caps the rate at bitrate
			props = append(props, "pass=qual", fmt.Sprintf("quantizer=%d", qpOr(d.PQP, defaultVBRQuality)),
				fmt.Sprintf("bitrate=%d", kbps(d.Bitrate)))
		}
		if d.PQP.IsSet() {
			props = append(props, fmt.Sprintf("qp-min=%d", d.PQP.Min), fmt.Sprintf("qp-max=%d", d.PQP.Max))
		}
		return "x264enc " + strings.Join(props, " ")

	case "x265enc":
		opts := []string{"bframes=0", "repeat-headers=1"}
		props := []string{
			"name=enc",
			fmt.Sprintf("key-int-max=%d", gop),
			"tune=zerolatency",
			"speed-preset=ultrafast",
		}
		switch {
		case mode.ConstantQuality():
			props = append(props, fmt.Sprintf("qp=%d", qpOr(d.IQP, defaultIQP)))
		default:
			props = append(props, fmt.Sprintf("bitrate=%d", kbps(d.Bitrate)))
			if mode.BitrateMode() == stream.BitrateModeCBR || mode.BitrateMode() == stream.BitrateModeCBRFD {
				opts = append(opts,
					fmt.Sprintf("vbv-maxrate=%d", kbps(d.Bitrate)),
					fmt.Sprintf("vbv-bufsize=%d", kbps(d.Bitrate)))
			}
		}
		if d.PQP.IsSet() {
			opts = append(opts, fmt.Sprintf("qpmin=%d", d.PQP.Min), fmt.Sprintf("qpmax=%d", d.PQP.Max))
		}
		props = append(props, fmt.Sprintf("option-string=\"%s\"", strings.Join(opts, ":")))
		return "x265enc " + strings.Join(props, " ")
	}

	// V4L2 stateful encoders take everything as extra controls.
	ctrls := []string{
		fmt.Sprintf("video_bitrate=%d", d.Bitrate),
		fmt.Sprintf("video_gop_size=%d", gop),
		"video_b_frames=0",
	}
	switch {
	case mode.ConstantQuality():
		ctrls = append(ctrls, fmt.Sprintf("video_bitrate_mode=%d", v4l2ModeCQ))
	case mode.BitrateMode() == stream.BitrateModeCBR || mode.BitrateMode() == stream.BitrateModeCBRFD:
		ctrls = append(ctrls, fmt.Sprintf("video_bitrate_mode=%d", v4l2ModeCBR))
	default:
		ctrls = append(ctrls, fmt.Sprintf("video_bitrate_mode=%d", v4l2ModeVBR))
	}
	if d.Video == stream.H264 {
		if d.IQP.IsSet() {
			ctrls = append(ctrls, fmt.Sprintf("h264_i_frame_qp_value=%d", qpOr(d.IQP, defaultIQP)))
		}
		if d.PQP.IsSet() {
			ctrls = append(ctrls,
				fmt.Sprintf("h264_p_frame_qp_value=%d", qpOr(d.PQP, defaultPQP)),
				fmt.Sprintf("h264_minimum_qp_value=%d", d.PQP.Min),
				fmt.Sprintf("h264_maximum_qp_value=%d", d.PQP.Max))
		}
	}
	return fmt.Sprintf("%s name=enc extra-controls=\"controls,%s\"", e.name, strings.Join(ctrls, ","))
}

// videoPipeline is the full launch description of a video encoder: RGBA
// frames enter through appsrc "src", Annex-B access units leave through
// appsink "sink".
func videoPipeline(e element, d stream.Descriptor) string {
	return fmt.Sprintf(
		"appsrc name=src format=time is-live=true do-timestamp=false "+
			"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
			"videoconvert ! video/x-raw,format=%s ! %s ! %s ! "+
			"appsink name=sink emit-signals=false sync=false",
		d.Width, d.Height, d.FPS, e.inputFormat, videoEncoderProps(e, d), e.post,
	)
}

func audioEncoderProps(e element, d stream.Descriptor) string {
	switch e.name {
	case "opusenc", "fdkaacenc", "avenc_aac", "voaacenc":
		return fmt.Sprintf("%s name=enc bitrate=%d", e.name, d.AudioBitrate)
	case "amrnbenc":
		return "amrnbenc name=enc band-mode=MR122"
	}
	return e.name + " name=enc"
}

// audioPipeline takes interleaved S16LE PCM on appsrc "src" and hands
// encoded frames to appsink "sink". AAC leaves as ADTS so the stream
// configuration travels with every frame.
func audioPipeline(e element, d stream.Descriptor) string {
	return fmt.Sprintf(
		"appsrc name=src format=time is-live=true do-timestamp=false "+
			"caps=audio/x-raw,format=S16LE,layout=interleaved,rate=%d,channels=%d ! "+
			"audioconvert ! audioresample ! audio/x-raw,format=%s ! %s ! %s ! "+
			"appsink name=sink emit-signals=false sync=false",
		d.AudioSampleRate, d.AudioChannels, e.inputFormat, audioEncoderProps(e, d), e.post,
	)
}
