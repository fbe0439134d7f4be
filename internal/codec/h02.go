package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"trackcore/internal/domain"
)

var h02MessageRE = regexp.MustCompile(`\*HQ,([^#]+)#`)

// H02Decoder implements the H02/H08/H12 ASCII protocol family (also used
// by GPS103 clones), grounded on original_source/app/protocols/h02.py.
type H02Decoder struct{}

func NewH02Decoder() *H02Decoder { return &H02Decoder{} }

func (d *H02Decoder) SupportsCommands() bool { return true }

// RejectAck is nil: H02/GPS103 has no login-decline sentence, so the
// gateway declines a device by closing the connection without a reply.
func (d *H02Decoder) RejectAck() []byte { return nil }

func (d *H02Decoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	text := string(buf)
	loc := h02MessageRE.FindStringSubmatchIndex(text)
	if loc == nil {
		if len(buf) > 2048 {
			return nil, len(buf), fmt.Errorf("h02: buffer overflow without frame")
		}
		return nil, 0, nil
	}
	consumed := loc[1]
	payload := text[loc[2]:loc[3]]
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return nil, consumed, nil
	}

	imei := strings.TrimSpace(parts[0])
	msgType := strings.ToUpper(strings.TrimSpace(parts[1]))

	switch msgType {
	case "HTBT":
		resp := []byte(fmt.Sprintf("*HQ,%s,R12#\r\n", imei))
		return &Frame{Event: "heartbeat", IMEI: imei, Ack: resp}, consumed, nil
	case "V1", "V4":
		return d.parseV1(parts, imei, consumed)
	case "NBR":
		return d.parseNBR(parts, imei, consumed)
	case "LINK":
		return d.parseLink(parts, imei, consumed)
	}
	return nil, consumed, nil
}

func (d *H02Decoder) parseV1(parts []string, imei string, consumed int) (*Frame, int, error) {
	if len(parts) < 11 {
		return nil, consumed, nil
	}
	timeStr := strings.TrimSpace(parts[2])
	validChr := strings.ToUpper(strings.TrimSpace(parts[3]))
	latStr := strings.TrimSpace(parts[4])
	latHemi := strings.TrimSpace(parts[5])
	lonStr := strings.TrimSpace(parts[6])
	lonHemi := strings.TrimSpace(parts[7])
	dateStr := strings.TrimSpace(parts[10])

	deviceTime := parseH02Time(timeStr, dateStr)
	if deviceTime.IsZero() {
		deviceTime = time.Now().UTC()
	}

	lat, latOK := parseH02Coord(latStr, latHemi)
	lon, lonOK := parseH02Coord(lonStr, lonHemi)
	if !latOK || !lonOK {
		return nil, consumed, nil
	}

	speedKmh := 0.0
	if v, err := strconv.ParseFloat(parts[8], 64); err == nil {
		speedKmh = v * 1.852
	}
	course := 0.0
	if v, err := strconv.ParseFloat(parts[9], 64); err == nil {
		course = v
	}

	sensors := map[string]any{}
	var ignition *bool
	if len(parts) > 11 && strings.TrimSpace(parts[11]) != "" {
		sensors, ignition = parseH02Flags(strings.TrimSpace(parts[11]))
	}
	if len(parts) > 12 && strings.TrimSpace(parts[12]) != "" {
		if v, err := strconv.ParseInt(strings.TrimSpace(parts[12]), 16, 64); err == nil {
			sensors["io_status"] = v
		}
	}
	if len(parts) > 13 && strings.TrimSpace(parts[13]) != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(parts[13]), 64); err == nil {
			sensors["battery_voltage"] = v
		}
	}
	if len(parts) > 14 && strings.TrimSpace(parts[14]) != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[14])); err == nil {
			sensors["gsm_signal"] = v
		}
	}

	valid := validChr == "A"
	pos := &domain.Position{
		DeviceID:   imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		SpeedKmh:   speedKmh,
		Course:     course,
		Valid:      valid,
		Ignition:   ignition,
		Sensors:    sensors,
	}
	return &Frame{IMEI: imei, Position: pos}, consumed, nil
}

func (d *H02Decoder) parseNBR(parts []string, imei string, consumed int) (*Frame, int, error) {
	sensors := map[string]any{"message_type": "NBR"}
	if len(parts) > 3 {
		sensors["mcc"] = strings.TrimSpace(parts[2])
		sensors["mnc"] = strings.TrimSpace(parts[3])
	}
	if len(parts) > 5 {
		sensors["cell_info"] = strings.Trim(strings.Join(parts[5:], ","), "()")
	}
	return &Frame{IMEI: imei, Sensors: sensors}, consumed, nil
}

func (d *H02Decoder) parseLink(parts []string, imei string, consumed int) (*Frame, int, error) {
	sensors := map[string]any{"message_type": "LINK"}
	if len(parts) > 3 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[3])); err == nil {
			sensors["satellites"] = v
		}
	}
	if len(parts) > 4 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[4])); err == nil {
			sensors["gsm_signal"] = v
		}
	}
	if len(parts) > 5 {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[5])); err == nil {
			sensors["battery_pct"] = v
		}
	}
	if len(parts) > 6 && strings.TrimSpace(parts[6]) != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[6])); err == nil {
			sensors["steps"] = v
		}
	}
	if len(parts) > 7 && strings.TrimSpace(parts[7]) != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(parts[7])); err == nil {
			sensors["rolls"] = v
		}
	}
	return &Frame{IMEI: imei, Sensors: sensors}, consumed, nil
}

func parseH02Coord(value, hemi string) (float64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	dot := strings.Index(value, ".")
	if dot < 2 {
		return 0, false
	}
	deg, err1 := strconv.ParseFloat(value[:dot-2], 64)
	mins, err2 := strconv.ParseFloat(value[dot-2:], 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	result := deg + mins/60.0
	if strings.EqualFold(hemi, "S") || strings.EqualFold(hemi, "W") {
		result = -result
	}
	return result, true
}

func parseH02Time(timeStr, dateStr string) time.Time {
	if len(timeStr) < 6 || len(dateStr) < 6 {
		return time.Time{}
	}
	hh, e1 := strconv.Atoi(timeStr[0:2])
	mm, e2 := strconv.Atoi(timeStr[2:4])
	ss, e3 := strconv.Atoi(timeStr[4:6])
	dd, e4 := strconv.Atoi(dateStr[0:2])
	mo, e5 := strconv.Atoi(dateStr[2:4])
	yy, e6 := strconv.Atoi(dateStr[4:6])
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
		return time.Time{}
	}
	return time.Date(2000+yy, time.Month(mo), dd, hh, mm, ss, 0, time.UTC)
}

func parseH02Flags(hexStr string) (map[string]any, *bool) {
	sensors := map[string]any{}
	flags, err := strconv.ParseInt(hexStr, 16, 64)
	if err != nil {
		return sensors, nil
	}
	ignition := flags&0x01 != 0
	sensors["charging"] = flags&0x02 != 0
	sensors["alarm_active"] = flags&0x04 != 0
	sensors["gps_signal_ok"] = flags&0x08 != 0
	sensors["flags_raw"] = hexStr
	return sensors, &ignition
}

func (d *H02Decoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	imei := params["imei"]
	if imei == "" {
		return nil, fmt.Errorf("h02: imei required for commands")
	}
	var cmd string
	switch commandType {
	case "reboot":
		cmd = fmt.Sprintf("*HQ,%s,D1#\r\n", imei)
	case "request_position":
		cmd = fmt.Sprintf("*HQ,%s,R0#\r\n", imei)
	case "set_interval":
		interval := 30
		if v, err := strconv.Atoi(params["interval"]); err == nil {
			interval = v
		}
		cmd = fmt.Sprintf("*HQ,%s,S20,%04d#\r\n", imei, interval)
	case "set_apn":
		apn := params["apn"]
		if apn == "" {
			apn = "internet"
		}
		cmd = fmt.Sprintf("*HQ,%s,S1,%s#\r\n", imei, apn)
	default:
		return nil, fmt.Errorf("h02: unknown command %q", commandType)
	}
	return []byte(cmd), nil
}
