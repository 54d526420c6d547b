package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var ErrBadFrame = errors.New("bad frame")

var validate = validator.New()

var nameFilter = regexp.MustCompile(`[^a-zA-Z0-9 _.]`)

type connectFrame struct {
	Device *DevicePayload `validate:"required"`
}

type updateFrame struct {
	Device *DevicePayload `validate:"required"`
	Id     string         `validate:"required"`
}

// Decode parses a client frame. Structurally invalid frames, and frames of a
// known type missing their mandatory payload, are reported as ErrBadFrame.
// Frames of unknown type decode fine and are left to the caller to ignore.
func Decode(data []byte) (*Inbound, error) {
	msg := &Inbound{}
	err := json.Unmarshal(data, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	switch msg.Type {
	case DEVICE_CONNECTED:
		err = validate.Struct(connectFrame{Device: msg.Device})
	case LOCATION_UPDATE:
		f := updateFrame{Device: msg.Device}
		if msg.Device != nil {
			f.Id = msg.Device.Id
		}
		err = validate.Struct(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadFrame, msg.Type, err)
	}
	return msg, nil
}

// SanitizeName strips every character outside [A-Za-z0-9 _.].
func SanitizeName(name string) string {
	return nameFilter.ReplaceAllString(name, "")
}
