package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trackcore/internal/domain"
)

var queclinkPositionTypes = map[string]bool{
	"GTFRI": true, "GTGEO": true, "GTRTL": true, "GTDOG": true, "GTIDN": true,
	"GTSOS": true, "GTSPD": true, "GTPNA": true, "GTPFA": true, "GTIGN": true, "GTIGF": true,
}

// QueclinkDecoder implements the Queclink GV/GL/GB `+RESP:...$` ASCII
// family, grounded on original_source/app/protocols/queclink.py.
type QueclinkDecoder struct{}

func NewQueclinkDecoder() *QueclinkDecoder { return &QueclinkDecoder{} }

func (d *QueclinkDecoder) SupportsCommands() bool { return true }

// RejectAck is nil: Queclink has no formal login-decline sentence, so the
// gateway declines a device by closing the connection without a reply.
func (d *QueclinkDecoder) RejectAck() []byte { return nil }

func (d *QueclinkDecoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	text := string(buf)
	start := strings.Index(text, "+")
	if start == -1 {
		return nil, len(buf), fmt.Errorf("queclink: no message start")
	}
	end := strings.Index(text[start:], "$")
	if end == -1 {
		if len(buf) > 2048 {
			return nil, len(buf), fmt.Errorf("queclink: buffer overflow without frame")
		}
		return nil, 0, nil
	}
	end += start
	message := text[start : end+1]
	consumed := len(message)

	body := message[1 : len(message)-1] // strip leading + and trailing $
	colon := strings.Index(body, ":")
	comma := strings.Index(body, ",")
	if colon == -1 || comma == -1 || comma < colon {
		return nil, consumed, nil
	}
	msgType := body[colon+1 : comma]
	payload := body[comma+1:]
	fields := strings.Split(payload, ",")

	if !queclinkPositionTypes[msgType] {
		return nil, consumed, nil
	}
	pos := d.parsePosition(fields, knownIMEI)
	if pos == nil {
		return nil, consumed, nil
	}
	pos.Sensors["message_type"] = msgType
	switch msgType {
	case "GTSOS":
		pos.Sensors["alert_type"] = "SOS"
	case "GTSPD":
		pos.Sensors["alert_type"] = "speed"
	case "GTPNA":
		pos.Sensors["event"] = "power_on"
	case "GTPFA":
		pos.Sensors["event"] = "power_off"
	case "GTIGN":
		pos.Sensors["event"] = "ignition_on"
	case "GTIGF":
		pos.Sensors["event"] = "ignition_off"
	}
	return &Frame{IMEI: pos.DeviceID, Position: pos}, consumed, nil
}

// parsePosition mirrors the source decoder's heuristic field scan: it
// hunts for the first two floats that fall in latitude/longitude range
// rather than trusting a fixed column layout, since Queclink's field
// count varies by message type and firmware version.
func (d *QueclinkDecoder) parsePosition(fields []string, knownIMEI string) *domain.Position {
	if len(fields) < 15 {
		return nil
	}
	imei := knownIMEI
	if imei == "" && len(fields) > 1 {
		imei = fields[1]
	}
	if imei == "" {
		return nil
	}

	latIdx, lonIdx := -1, -1
	for i, f := range fields {
		if f == "" || !strings.Contains(f, ".") {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			continue
		}
		if v >= -90 && v <= 90 && latIdx == -1 {
			latIdx = i
		} else if v >= -180 && v <= 180 && lonIdx == -1 && latIdx != -1 {
			lonIdx = i
			break
		}
	}
	if latIdx == -1 || lonIdx == -1 {
		return nil
	}

	latitude, _ := strconv.ParseFloat(fields[latIdx], 64)
	longitude, _ := strconv.ParseFloat(fields[lonIdx], 64)

	speed := parseQueclinkFieldAt(fields, latIdx-3)
	course := parseQueclinkFieldAt(fields, latIdx-2)
	altitude := parseQueclinkFieldAt(fields, latIdx-1)
	satellites := int(parseQueclinkFieldAt(fields, latIdx-4))

	deviceTime := time.Now().UTC()
	if timeIdx := lonIdx + 1; timeIdx < len(fields) {
		if t := fields[timeIdx]; len(t) >= 14 {
			year, e1 := strconv.Atoi(t[0:4])
			month, e2 := strconv.Atoi(t[4:6])
			day, e3 := strconv.Atoi(t[6:8])
			hour, e4 := strconv.Atoi(t[8:10])
			minute, e5 := strconv.Atoi(t[10:12])
			second, e6 := strconv.Atoi(t[12:14])
			if e1 == nil && e2 == nil && e3 == nil && e4 == nil && e5 == nil && e6 == nil {
				deviceTime = time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
			}
		}
	}

	sensors := map[string]any{}
	if len(fields) > 4 {
		sensors["report_id"] = fields[4]
	}
	if len(fields) > 0 && fields[0] != "" {
		sensors["protocol_version"] = fields[0]
	}
	if len(fields) > 2 && fields[2] != "" {
		sensors["device_name"] = fields[2]
	}
	if mccIdx := lonIdx + 2; mccIdx+3 < len(fields) {
		if fields[mccIdx] != "" {
			sensors["mcc"] = fields[mccIdx]
		}
		if fields[mccIdx+1] != "" {
			sensors["mnc"] = fields[mccIdx+1]
		}
		if fields[mccIdx+2] != "" {
			sensors["lac"] = fields[mccIdx+2]
		}
		if fields[mccIdx+3] != "" {
			sensors["cell_id"] = fields[mccIdx+3]
		}
	}

	return &domain.Position{
		DeviceID:   imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		Altitude:   altitude,
		SpeedKmh:   speed,
		Course:     course,
		Satellites: satellites,
		Valid:      true,
		Sensors:    sensors,
	}
}

func parseQueclinkFieldAt(fields []string, idx int) float64 {
	if idx < 0 || idx >= len(fields) || fields[idx] == "" {
		return 0
	}
	v, err := strconv.ParseFloat(fields[idx], 64)
	if err != nil {
		return 0
	}
	return v
}

func (d *QueclinkDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	password := params["password"]
	if password == "" {
		password = "000000"
	}
	var command string
	switch commandType {
	case "reboot":
		command = fmt.Sprintf("AT+GTRTO=%s,,,,0002$", password)
	case "get_version":
		command = fmt.Sprintf("AT+GTVER=%s,,0003$", password)
	case "set_interval":
		interval := params["interval"]
		if interval == "" {
			interval = "30"
		}
		command = fmt.Sprintf("AT+GTFRI=%s,%s,,,,0004$", password, interval)
	case "request_position":
		command = fmt.Sprintf("AT+GTQSS=%s,,0005$", password)
	case "set_server":
		port := params["port"]
		if port == "" {
			port = "5026"
		}
		command = fmt.Sprintf("AT+GTBSI=%s,%s,%s,0,0,,,0006$", password, params["ip"], port)
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		command = fmt.Sprintf("AT+GTBSI=%s,,,,0,%s,,,0007$", password, apn)
	case "enable_output":
		output := params["output_type"]
		if output == "" {
			output = "GTFRI"
		}
		command = fmt.Sprintf("AT+GTTOW=%s,%s,1,,0008$", password, output)
	case "disable_output":
		output := params["output_type"]
		if output == "" {
			output = "GTFRI"
		}
		command = fmt.Sprintf("AT+GTTOW=%s,%s,0,,0009$", password, output)
	case "custom":
		command = params["payload"]
		if !strings.HasPrefix(command, "AT+") {
			command = "AT+" + command
		}
		if !strings.HasSuffix(command, "$") {
			command += "$"
		}
	default:
		return nil, fmt.Errorf("queclink: unknown command %q", commandType)
	}
	return []byte(command), nil
}
