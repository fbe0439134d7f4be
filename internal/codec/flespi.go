package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"trackcore/internal/domain"
)

// FlespiDecoder implements Flespi's newline-delimited JSON telemetry
// format, grounded on original_source/app/protocols/flespi.py.
type FlespiDecoder struct{}

func NewFlespiDecoder() *FlespiDecoder { return &FlespiDecoder{} }

func (d *FlespiDecoder) SupportsCommands() bool { return true }

// RejectAck mirrors the `{"status": "ok"}` accept ack with a rejected one.
func (d *FlespiDecoder) RejectAck() []byte { return []byte(`{"status": "rejected"}` + "\n") }

func (d *FlespiDecoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	nl := bytes.IndexByte(buf, '\n')
	if nl == -1 {
		if len(buf) > 8192 {
			return nil, len(buf), fmt.Errorf("flespi: buffer overflow without newline")
		}
		return nil, 0, nil
	}
	consumed := nl + 1
	jsonStr := bytes.TrimSpace(buf[:nl])
	if len(jsonStr) == 0 {
		return nil, consumed, nil
	}

	var single map[string]any
	if err := json.Unmarshal(jsonStr, &single); err == nil {
		return d.decodeMessage(single, knownIMEI, consumed)
	}

	var batch []map[string]any
	if err := json.Unmarshal(jsonStr, &batch); err == nil {
		for _, msg := range batch {
			if pos := d.parseMessage(msg, knownIMEI); pos != nil {
				return &Frame{IMEI: pos.DeviceID, Position: pos}, consumed, nil
			}
		}
		return nil, consumed, nil
	}

	return nil, consumed, fmt.Errorf("flespi: invalid JSON message")
}

func (d *FlespiDecoder) decodeMessage(msg map[string]any, knownIMEI string, consumed int) (*Frame, int, error) {
	ident := flespiString(msg, "ident", "device.ident")
	if ident != "" && knownIMEI == "" {
		return &Frame{Event: "login", IMEI: ident, Ack: []byte(`{"status": "ok"}` + "\n")}, consumed, nil
	}
	pos := d.parseMessage(msg, knownIMEI)
	if pos == nil {
		return nil, consumed, nil
	}
	return &Frame{IMEI: pos.DeviceID, Position: pos}, consumed, nil
}

func (d *FlespiDecoder) parseMessage(msg map[string]any, knownIMEI string) *domain.Position {
	imei := knownIMEI
	if imei == "" {
		imei = flespiString(msg, "ident", "device.ident")
	}
	if imei == "" {
		return nil
	}

	deviceTime := time.Now().UTC()
	if ts, ok := flespiNumber(msg, "timestamp", "server.timestamp"); ok {
		if ts > 10_000_000_000 {
			deviceTime = time.UnixMilli(int64(ts)).UTC()
		} else {
			deviceTime = time.Unix(int64(ts), 0).UTC()
		}
	}

	lat, latOK := flespiNumber(msg, "position.latitude", "lat", "latitude")
	lon, lonOK := flespiNumber(msg, "position.longitude", "lon", "longitude")
	if !latOK || !lonOK {
		return nil
	}
	altitude, _ := flespiNumber(msg, "position.altitude", "alt", "altitude")
	speed, _ := flespiNumber(msg, "position.speed", "speed")
	course, _ := flespiNumber(msg, "position.direction", "course", "heading")
	satellites, _ := flespiNumber(msg, "position.satellites", "sat", "satellites")

	valid := true
	if v, ok := msg["position.valid"]; ok {
		if b, ok := v.(bool); ok {
			valid = b
		}
	} else if v, ok := msg["valid"]; ok {
		if b, ok := v.(bool); ok {
			valid = b
		}
	}

	sensors := map[string]any{}
	var ignition *bool
	if v, ok := flespiBool(msg, "engine.ignition.status", "ignition"); ok {
		ignition = &v
	}
	if v, ok := flespiNumber(msg, "battery.voltage", "battery_voltage"); ok {
		sensors["battery_voltage"] = v
	}
	if v, ok := flespiNumber(msg, "external.powersource.voltage", "external_voltage"); ok {
		sensors["external_voltage"] = v
	}
	if v, ok := flespiNumber(msg, "gnss.hdop", "hdop"); ok {
		sensors["hdop"] = v
	}
	if v, ok := flespiNumber(msg, "gsm.signal.level", "rssi", "signal"); ok {
		sensors["rssi"] = v
	}
	if v, ok := flespiNumber(msg, "engine.rpm", "rpm"); ok {
		sensors["rpm"] = v
	}
	if v, ok := flespiNumber(msg, "fuel.level", "fuel_level"); ok {
		sensors["fuel_level"] = v
	}
	if v, ok := flespiNumber(msg, "vehicle.mileage", "odometer", "mileage"); ok {
		sensors["odometer"] = v
	}

	reserved := map[string]bool{"ident": true, "device.ident": true, "timestamp": true, "server.timestamp": true}
	for k, v := range msg {
		if reserved[k] {
			continue
		}
		if len(k) >= 9 && k[:9] == "position." {
			continue
		}
		if _, exists := sensors[k]; !exists {
			sensors[k] = v
		}
	}

	return &domain.Position{
		DeviceID:   imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   altitude,
		SpeedKmh:   speed,
		Course:     course,
		Satellites: int(satellites),
		Valid:      valid,
		Ignition:   ignition,
		Sensors:    sensors,
	}
}

func flespiString(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func flespiNumber(msg map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func flespiBool(msg map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if v, ok := msg[k]; ok {
			if b, ok := v.(bool); ok {
				return b, true
			}
		}
	}
	return false, false
}

func (d *FlespiDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	msg := map[string]any{"command": commandType}
	if payload, ok := params["payload"]; ok {
		msg["payload"] = payload
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}
