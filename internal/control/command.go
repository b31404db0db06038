package control

import (
	json "github.com/goccy/go-json"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

// Device command types understood by the on-device agent.
const (
	CmdTouchDown = "touch/down"
	CmdTouchMove = "touch/move"
	CmdTouchUp   = "touch/up"

	CmdKeyDown = "key/down"
	CmdKeyUp   = "key/up"

	CmdDeviceHome = "device/home"
	CmdDeviceLock = "device/lock"

	CmdPasteboardWrite = "pasteboard/write"
	CmdPasteboardRead  = "pasteboard/read"
	// CmdPasteboardText is the device's reply to a pasteboard read.
	CmdPasteboardText = "pasteboard/text"

	CmdWebRTCResolution = "webrtc/resolution"
	CmdWebRTCFrameRate  = "webrtc/framerate"
	CmdWebRTCStop       = "webrtc/stop"
)

// Command types the engine never emits itself but that scriptable
// clients pass through to devices.
const (
	CmdDeviceUnlock   = "device/unlock"
	CmdDeviceReboot   = "device/reboot"
	CmdDeviceRespring = "device/respring"
	CmdVolumeUp       = "device/volume/up"
	CmdVolumeDown     = "device/volume/down"
	CmdScriptRun      = "script/run"
	CmdScriptStop     = "script/stop"
)

// KeyBody carries a hardware key identifier.
type KeyBody struct {
	Code string `json:"code"`
}

// TextBody carries pasteboard contents.
type TextBody struct {
	Text string `json:"text"`
}

// ScaleBody asks the encoder for a new output scale.
type ScaleBody struct {
	Scale float64 `json:"scale"`
}

// RateBody asks the encoder for a new frame rate.
type RateBody struct {
	Rate int `json:"rate"`
}

func mustBody(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// All body types marshal unconditionally.
		panic(err)
	}
	return data
}

// TouchDown builds a press command at p.
func TouchDown(p Point) signaling.Command {
	return signaling.Command{Type: CmdTouchDown, Body: mustBody(p)}
}

// TouchMove builds a drag command to p.
func TouchMove(p Point) signaling.Command {
	return signaling.Command{Type: CmdTouchMove, Body: mustBody(p)}
}

// TouchUp builds a release command at p.
func TouchUp(p Point) signaling.Command {
	return signaling.Command{Type: CmdTouchUp, Body: mustBody(p)}
}

// KeyDown builds a key press command.
func KeyDown(code string) signaling.Command {
	return signaling.Command{Type: CmdKeyDown, Body: mustBody(KeyBody{Code: code})}
}

// KeyUp builds a key release command.
func KeyUp(code string) signaling.Command {
	return signaling.Command{Type: CmdKeyUp, Body: mustBody(KeyBody{Code: code})}
}

// Home builds a home button command.
func Home() signaling.Command {
	return signaling.Command{Type: CmdDeviceHome}
}

// Lock builds a lock button command.
func Lock() signaling.Command {
	return signaling.Command{Type: CmdDeviceLock}
}

// PasteboardWrite builds a command replacing the device pasteboard.
func PasteboardWrite(text string) signaling.Command {
	return signaling.Command{Type: CmdPasteboardWrite, Body: mustBody(TextBody{Text: text})}
}

// PasteboardRead builds a command requesting the device pasteboard.
func PasteboardRead() signaling.Command {
	return signaling.Command{Type: CmdPasteboardRead}
}

// StreamScale builds a command retargeting the encoder scale.
func StreamScale(scale float64) signaling.Command {
	return signaling.Command{Type: CmdWebRTCResolution, Body: mustBody(ScaleBody{Scale: scale})}
}

// StreamFrameRate builds a command retargeting the encoder frame rate.
func StreamFrameRate(rate int) signaling.Command {
	return signaling.Command{Type: CmdWebRTCFrameRate, Body: mustBody(RateBody{Rate: rate})}
}

// StreamStop builds a command ending the video session.
func StreamStop() signaling.Command {
	return signaling.Command{Type: CmdWebRTCStop}
}
