package directory

import (
	"container/list"
	"errors"

	"nuha.dev/rtls/internal/relay/message"
)

var (
	ErrDuplicateDevice = errors.New("device already registered")
	ErrNoSuchDevice    = errors.New("no such device")
)

// Directory maps a device id to its last known record, keeping registration
// order for snapshots. It is not safe for concurrent use.
type Directory struct {
	index map[string]*list.Element
	order *list.List
}

func New() *Directory {
	d := &Directory{}
	d.index = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *Directory) Register(id string, dev_type string, coords message.Coordinates, name string) (message.Device, error) {
	if _, ok := d.index[id]; ok {
		return message.Device{}, ErrDuplicateDevice
	}
	dev := &message.Device{Id: id, Type: dev_type, Coordinates: coords, Name: name}
	d.index[id] = d.order.PushBack(dev)
	return *dev, nil
}

func (d *Directory) UpdateCoordinates(id string, coords message.Coordinates) (message.Device, error) {
	e, ok := d.index[id]
	if !ok {
		return message.Device{}, ErrNoSuchDevice
	}
	dev := e.Value.(*message.Device)
	dev.Coordinates = coords
	return *dev, nil
}

// Remove deletes and returns the record. A missing record is not an error,
// the connection may have closed before registering.
func (d *Directory) Remove(id string) (message.Device, bool) {
	e, ok := d.index[id]
	if !ok {
		return message.Device{}, false
	}
	delete(d.index, id)
	d.order.Remove(e)
	return *e.Value.(*message.Device), true
}

func (d *Directory) Get(id string) (message.Device, bool) {
	e, ok := d.index[id]
	if !ok {
		return message.Device{}, false
	}
	return *e.Value.(*message.Device), true
}

func (d *Directory) Len() int {
	return len(d.index)
}

func (d *Directory) Snapshot() []message.Device {
	devices := make([]message.Device, 0, len(d.index))
	for e := d.order.Front(); e != nil; e = e.Next() {
		devices = append(devices, *e.Value.(*message.Device))
	}
	return devices
}
