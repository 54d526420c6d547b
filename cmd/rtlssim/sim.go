package main

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"nuha.dev/rtls/internal/relay/message"
)

type inbound struct {
	Type             string           `json:"type"`
	SocketId         string           `json:"socketId"`
	Device           message.Device   `json:"device"`
	ConnectedDevices []message.Device `json:"connectedDevices"`
}

type outbound struct {
	Type     string      `json:"type"`
	SocketId string      `json:"socketId,omitempty"`
	Device   interface{} `json:"device,omitempty"`
}

type fix struct {
	X string `json:"x"`
	Y string `json:"y"`
}

type deviceOptions struct {
	Name     string
	Type     string
	Lat, Lon float64
	Step     float64
	Interval time.Duration
	// Updates stops the device after this many location updates, 0 runs forever.
	Updates int
}

func toFixed(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// runDevice registers as a device and random walks from the start position.
func runDevice(ctx context.Context, url string, opt deviceOptions, logger zerolog.Logger) error {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	lat, lon := opt.Lat, opt.Lon
	err = wsjson.Write(ctx, c, outbound{Type: message.DEVICE_CONNECTED, Device: map[string]interface{}{
		"type":        opt.Type,
		"name":        opt.Name,
		"coordinates": fix{toFixed(lat), toFixed(lon)},
	}})
	if err != nil {
		return err
	}
	var ack inbound
	err = wsjson.Read(ctx, c, &ack)
	if err != nil {
		return err
	}
	if ack.Type != message.DEVICE_CONNECTED {
		return errors.New("unexpected reply " + ack.Type)
	}
	id := ack.Device.Id
	logger = logger.With().Str("socket_id", id).Logger()
	logger.Info().Str("name", ack.Device.Name).Msg("registered")

	errc := make(chan error, 1)
	go func() {
		errc <- answerPings(ctx, c, id, logger)
	}()

	t := time.NewTicker(opt.Interval)
	defer t.Stop()
	for sent := 0; opt.Updates == 0 || sent < opt.Updates; sent++ {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case <-t.C:
		}
		lat += (rand.Float64()*2 - 1) * opt.Step
		lon += (rand.Float64()*2 - 1) * opt.Step
		err = wsjson.Write(ctx, c, outbound{Type: message.LOCATION_UPDATE, Device: map[string]interface{}{
			"id":          id,
			"coordinates": fix{toFixed(lat), toFixed(lon)},
		}})
		if err != nil {
			return err
		}
		logger.Debug().Float64("lat", lat).Float64("lon", lon).Msg("location sent")
	}
	return nil
}

func answerPings(ctx context.Context, c *websocket.Conn, id string, logger zerolog.Logger) error {
	for {
		var msg inbound
		err := wsjson.Read(ctx, c, &msg)
		if err != nil {
			return err
		}
		if msg.Type != message.PING {
			continue
		}
		logger.Debug().Msg("ping")
		err = wsjson.Write(ctx, c, outbound{Type: message.PONG, SocketId: id})
		if err != nil {
			return err
		}
	}
}

// runDashboard subscribes as a dashboard and hands every event to onEvent.
func runDashboard(ctx context.Context, url string, logger zerolog.Logger, onEvent func(inbound)) error {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	err = wsjson.Write(ctx, c, outbound{Type: message.FETCH_INITIAL})
	if err != nil {
		return err
	}
	for {
		var msg inbound
		err := wsjson.Read(ctx, c, &msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type == message.PING {
			err = wsjson.Write(ctx, c, outbound{Type: message.PONG, SocketId: msg.SocketId})
			if err != nil {
				return err
			}
			continue
		}
		onEvent(msg)
	}
}

func logEvent(logger zerolog.Logger) func(inbound) {
	return func(msg inbound) {
		switch msg.Type {
		case message.FETCH_INITIAL:
			logger.Info().Str("socket_id", msg.SocketId).Int("devices", len(msg.ConnectedDevices)).Msg("initial snapshot")
			for _, d := range msg.ConnectedDevices {
				logDevice(logger, "present", d)
			}
		case message.DEVICE_CONNECTED, message.LOCATION_UPDATE, message.DEVICE_DISCONNECTED:
			logDevice(logger, msg.Type, msg.Device)
		default:
			logger.Debug().Str("type", msg.Type).Msg("unhandled event")
		}
	}
}

func logDevice(logger zerolog.Logger, event string, d message.Device) {
	logger.Info().
		Str("event", event).
		Str("id", d.Id).
		Str("name", d.Name).
		Float64("lat", float64(d.Coordinates.X)).
		Float64("lon", float64(d.Coordinates.Y)).
		Msg("")
}
