package remotenfc

import "context"

// Tag is the session handle for a tag held by a relay device.
type Tag struct {
	device  *Device
	uid     string
	tagType string
}

// UID returns the tag's unique identifier.
func (t *Tag) UID() string { return t.uid }

// Type returns the tag type reported by the device.
func (t *Tag) Type() string {
	if t.tagType == "" {
		return "ISO-DEP (relay " + t.device.name + ")"
	}
	return t.tagType
}

// Transceive relays one APDU through the device.
func (t *Tag) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	return t.device.transceive(ctx, t.uid, cmd)
}

// SourceDevice returns the device ID that holds this tag.
func (t *Tag) SourceDevice() string {
	return t.device.id
}
