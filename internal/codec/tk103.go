package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"trackcore/internal/domain"
)

var tk103MessageRE = regexp.MustCompile(`\((\d{12,15})(.{2})(\d{2})(.+)\)`)

var tk103AlertTypes = map[string]string{
	"BO": "normal", "BV": "speed_alert", "BZ": "low_battery", "BX": "vibration", "BN": "SOS",
}

// TK103Decoder implements the Coban/Xexun TK103 ASCII protocol family,
// grounded on original_source/app/protocols/tk103.py.
type TK103Decoder struct{}

func NewTK103Decoder() *TK103Decoder { return &TK103Decoder{} }

func (d *TK103Decoder) SupportsCommands() bool { return true }

// RejectAck is nil: TK103 has no formal login-decline sentence, so the
// gateway declines a device by closing the connection without a reply.
func (d *TK103Decoder) RejectAck() []byte { return nil }

func (d *TK103Decoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	text := string(buf)
	start := strings.Index(text, "(")
	if start == -1 {
		return nil, len(buf), fmt.Errorf("tk103: no message start")
	}
	end := strings.Index(text[start:], ")")
	if end == -1 {
		if len(buf) > 1024 {
			return nil, len(buf), fmt.Errorf("tk103: buffer overflow without frame")
		}
		return nil, 0, nil
	}
	end += start
	message := text[start : end+1]
	consumed := len(message)

	m := tk103MessageRE.FindStringSubmatch(message)
	if m == nil {
		return nil, consumed, nil
	}
	imei, command, payload := m[1], m[2], m[4]

	switch command {
	case "BP":
		return &Frame{Event: "heartbeat", IMEI: imei, Ack: []byte(fmt.Sprintf("(%sAP05)", imei))}, consumed, nil
	case "BR":
		return &Frame{Event: "login", IMEI: imei, Ack: []byte(fmt.Sprintf("(%sAP01HSO)", imei))}, consumed, nil
	case "BO", "BV", "BZ", "BX", "BN":
		pos := d.parsePosition(imei, payload, command)
		if pos == nil {
			return nil, consumed, nil
		}
		if command == "BN" {
			pos.Sensors["alert_type"] = "SOS"
		}
		return &Frame{IMEI: imei, Position: pos}, consumed, nil
	}
	return nil, consumed, nil
}

func (d *TK103Decoder) parsePosition(imei, payload, command string) *domain.Position {
	if len(payload) < 40 {
		return nil
	}
	dateStr := payload[0:6]
	valid := payload[6] == 'A'

	latStr := payload[7:16]
	latDir := string(payload[16])
	lonStr := payload[17:27]
	lonDir := string(payload[27])

	lat, ok1 := parseTK103Coord(latStr, latDir)
	lon, ok2 := parseTK103Coord(lonStr, lonDir)
	if !ok1 || !ok2 {
		return nil
	}

	speedStart := 28
	if speedStart+5 > len(payload) {
		return nil
	}
	speedKnots, err := strconv.ParseFloat(payload[speedStart:speedStart+5], 64)
	if err != nil {
		return nil
	}
	speedKmh := speedKnots * 1.852

	timeStart := speedStart + 5
	if timeStart+6 > len(payload) {
		return nil
	}
	timeStr := payload[timeStart : timeStart+6]

	day, e1 := strconv.Atoi(dateStr[0:2])
	month, e2 := strconv.Atoi(dateStr[2:4])
	year, e3 := strconv.Atoi(dateStr[4:6])
	hour, e4 := strconv.Atoi(timeStr[0:2])
	minute, e5 := strconv.Atoi(timeStr[2:4])
	second, e6 := strconv.Atoi(timeStr[4:6])
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
		return nil
	}
	deviceTime := time.Date(2000+year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	validStart := timeStart + 6
	if validStart < len(payload) {
		valid = valid && payload[validStart] == 'A'
	}

	course := 0.0
	courseStart := validStart + 1
	if courseStart+4 <= len(payload) {
		if v, err := strconv.ParseFloat(payload[courseStart:courseStart+4], 64); err == nil {
			course = v
		}
	}

	sensors := map[string]any{}
	if alertType, ok := tk103AlertTypes[command]; ok {
		sensors["report_type"] = alertType
	}
	statusStart := courseStart + 4
	if statusStart < len(payload) {
		statusData := payload[statusStart:]
		if idx := strings.Index(statusData, "L"); idx != -1 && idx+9 <= len(statusData) {
			flagsHex := statusData[idx+1 : idx+9]
			if flags, err := strconv.ParseInt(flagsHex, 16, 64); err == nil {
				sensors["acc_on"] = flags&0x01 != 0
				sensors["ignition"] = flags&0x02 != 0
				sensors["defense_on"] = flags&0x04 != 0
			}
		}
	}

	return &domain.Position{
		DeviceID:   imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		SpeedKmh:   speedKmh,
		Course:     course,
		Valid:      valid,
		Sensors:    sensors,
	}
}

func parseTK103Coord(coordStr, direction string) (float64, bool) {
	dot := strings.Index(coordStr, ".")
	if dot == -1 {
		return 0, false
	}
	degWidth := 2
	if direction == "E" || direction == "W" {
		degWidth = 3
	}
	if dot < degWidth {
		return 0, false
	}
	deg, err1 := strconv.Atoi(coordStr[:degWidth])
	mins, err2 := strconv.ParseFloat(coordStr[degWidth:], 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	decimal := float64(deg) + mins/60.0
	if direction == "S" || direction == "W" {
		decimal = -decimal
	}
	return decimal, true
}

func (d *TK103Decoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	password := params["password"]
	if password == "" {
		password = "123456"
	}
	imei := params["imei"]
	var command string
	switch commandType {
	case "check_position":
		command = fmt.Sprintf("**,imei:%s,A", imei)
	case "set_interval":
		interval := params["interval"]
		if interval == "" {
			interval = "30"
		}
		command = fmt.Sprintf("**,imei:%s,C,%ss", imei, interval)
	case "tracker_mode":
		command = "tracker" + password
	case "sleep_mode":
		command = "sleep" + password
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		command = fmt.Sprintf("apn%s %s", password, apn)
	case "set_server":
		port := params["port"]
		if port == "" {
			port = "5001"
		}
		command = fmt.Sprintf("adminip%s %s %s", password, params["ip"], port)
	case "reboot":
		command = "reset" + password
	case "speed_alert":
		speed := params["speed"]
		if speed == "" {
			speed = "100"
		}
		command = fmt.Sprintf("speed%s %s", password, speed)
	case "custom":
		command = params["payload"]
	default:
		return nil, fmt.Errorf("tk103: unknown command %q", commandType)
	}
	if imei != "" {
		return []byte(fmt.Sprintf("(%sAT00%s)", imei, command)), nil
	}
	return []byte(command), nil
}
