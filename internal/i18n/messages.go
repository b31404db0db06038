// Package i18n holds the user-facing notice strings broadcast to
// controllers, kept in one place so translations can swap them out.
package i18n

// Activity notices shown alongside the device list when a controller
// drives a device.
const (
	ActHome       = "Home screen"
	ActLock       = "Lock screen"
	ActUnlock     = "Unlock screen"
	ActReboot     = "Reboot device"
	ActRespring   = "Restart springboard"
	ActVolumeUp   = "Volume up"
	ActVolumeDown = "Volume down"
	ActPasteWrite = "Write clipboard"
	ActPasteRead  = "Read clipboard"
	ActScriptRun  = "Run script"
	ActScriptStop = "Stop script"
)

// CommandName returns the activity notice for noisy device commands.
// Touch and key traffic stays silent; an empty string means no notice.
func CommandName(cmdType string) string {
	switch cmdType {
	case "script/run":
		return ActScriptRun
	case "script/stop":
		return ActScriptStop
	case "device/reboot":
		return ActReboot
	case "device/respring":
		return ActRespring
	case "device/home":
		return ActHome
	case "device/lock":
		return ActLock
	case "device/unlock":
		return ActUnlock
	case "device/volume/up":
		return ActVolumeUp
	case "device/volume/down":
		return ActVolumeDown
	case "pasteboard/write":
		return ActPasteWrite
	case "pasteboard/read":
		return ActPasteRead
	}
	return ""
}
