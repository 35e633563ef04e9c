package mqtt

import "strings"

// Topics builds and classifies topic names under a single base topic
// (zigbee2mqtt convention, e.g. "sdhome").
type Topics struct {
	Base string
}

// DeviceSet returns the command topic for a device.
func (t Topics) DeviceSet(deviceID string) string {
	return t.Base + "/" + deviceID + "/set"
}

// DeviceGet returns the state-request topic for a device.
func (t Topics) DeviceGet(deviceID string) string {
	return t.Base + "/" + deviceID + "/get"
}

// BridgeEvent is the coordinator's lifecycle event topic.
func (t Topics) BridgeEvent() string {
	return t.Base + "/bridge/event"
}

// PermitJoinRequest is the topic used to open or close the network for
// pairing.
func (t Topics) PermitJoinRequest() string {
	return t.Base + "/bridge/request/permit_join"
}

// PermitJoinResponse carries the coordinator's acknowledgement of a
// permit-join request, including the remaining countdown.
func (t Topics) PermitJoinResponse() string {
	return t.Base + "/bridge/response/permit_join"
}

// DeviceID extracts the device identifier from a topic under the base,
// which is the first segment after the base prefix. Returns "" when
// the topic is not under the base or names the bridge itself.
func (t Topics) DeviceID(topic string) string {
	rest, ok := strings.CutPrefix(topic, t.Base+"/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" || id == "bridge" {
		return ""
	}
	return id
}

// IsManagement reports whether a topic carries broker or coordinator
// management traffic rather than device state: bridge topics, command
// echoes, state requests, and availability markers.
func (t Topics) IsManagement(topic string) bool {
	rest, ok := strings.CutPrefix(topic, t.Base+"/")
	if !ok {
		return true
	}
	if rest == "bridge" || strings.HasPrefix(rest, "bridge/") {
		return true
	}
	switch {
	case strings.HasSuffix(rest, "/set"), strings.HasSuffix(rest, "/get"),
		strings.HasSuffix(rest, "/availability"):
		return true
	}
	return false
}
