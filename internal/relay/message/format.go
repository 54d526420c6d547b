package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	DEVICE_CONNECTED    string = "deviceConnected"
	LOCATION_UPDATE     string = "locationUpdate"
	DEVICE_DISCONNECTED string = "deviceDisconnected"
	FETCH_INITIAL       string = "fetchInitial"
	PING                string = "ping"
	PONG                string = "pong"
)

// Coord is a single coordinate component. Browsers running the reference
// client report fixes through toFixed, so both JSON numbers and numeric
// strings are accepted.
type Coord float64

func (c *Coord) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return errors.New("null coordinate")
	}
	if len(s) > 1 && s[0] == '"' {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unq)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %s", string(b))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("coordinate out of range %s", string(b))
	}
	*c = Coord(f)
	return nil
}

// Coordinates is a fix, x is latitude and y is longitude.
type Coordinates struct {
	X Coord `json:"x"`
	Y Coord `json:"y"`
}

// UnmarshalJSON requires both components.
func (c *Coordinates) UnmarshalJSON(b []byte) error {
	var raw struct {
		X *Coord `json:"x"`
		Y *Coord `json:"y"`
	}
	err := json.Unmarshal(b, &raw)
	if err != nil {
		return err
	}
	if raw.X == nil || raw.Y == nil {
		return fmt.Errorf("incomplete coordinates %s", string(b))
	}
	c.X, c.Y = *raw.X, *raw.Y
	return nil
}

type Device struct {
	Id          string      `json:"id"`
	Type        string      `json:"type"`
	Coordinates Coordinates `json:"coordinates"`
	Name        string      `json:"name"`
}

// DevicePayload is the device object as sent by clients. Which fields are
// mandatory depends on the frame type.
type DevicePayload struct {
	Id          string       `json:"id" validate:"max=64"`
	Type        string       `json:"type" validate:"max=32"`
	Coordinates *Coordinates `json:"coordinates" validate:"required"`
	Name        string       `json:"name"`
}

// Inbound is a decoded client frame. Unknown fields are ignored.
type Inbound struct {
	Type     string         `json:"type"`
	Device   *DevicePayload `json:"device"`
	SocketId string         `json:"socketId"`
}

type deviceFrame struct {
	Type   string `json:"type"`
	Device Device `json:"device"`
}

type initialFrame struct {
	Type             string   `json:"type"`
	SocketId         string   `json:"socketId"`
	ConnectedDevices []Device `json:"connectedDevices"`
}

type pingFrame struct {
	Type string `json:"type"`
}

type PongFrame struct {
	Type     string `json:"type"`
	SocketId string `json:"socketId"`
}

func EncodeDevice(frame_type string, d Device) ([]byte, error) {
	return json.Marshal(deviceFrame{Type: frame_type, Device: d})
}

func EncodeInitial(socket_id string, devices []Device) ([]byte, error) {
	if devices == nil {
		devices = []Device{}
	}
	return json.Marshal(initialFrame{Type: FETCH_INITIAL, SocketId: socket_id, ConnectedDevices: devices})
}

func EncodePing() []byte {
	b, _ := json.Marshal(pingFrame{Type: PING})
	return b
}
