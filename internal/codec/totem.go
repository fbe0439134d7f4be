package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trackcore/internal/domain"
)

// TotemDecoder implements a `(#field,field,...)` delimited ASCII frame
// for Totem-branded trackers. Totem isn't covered by original_source/, so
// this codec is built in the same delimited-ASCII idiom as TK103 and
// Queclink — see DESIGN.md for the resolution note.
//
// Frame layout: (#IMEI,TYPE,DDMMYY,HHMMSS,A/V,LAT,N/S,LON,E/W,SPEED,COURSE,IGNITION)
type TotemDecoder struct{}

func NewTotemDecoder() *TotemDecoder { return &TotemDecoder{} }

func (d *TotemDecoder) SupportsCommands() bool { return true }

// RejectAck mirrors the "(#%s,LOGIN,OK)" accept sentence with a fixed
// decline one; Totem devices don't need the IMEI echoed back to give up.
func (d *TotemDecoder) RejectAck() []byte { return []byte("(#LOGIN,FAIL)") }

func (d *TotemDecoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	text := string(buf)
	start := strings.Index(text, "(#")
	if start == -1 {
		return nil, len(buf), fmt.Errorf("totem: no message start")
	}
	end := strings.Index(text[start:], ")")
	if end == -1 {
		if len(buf) > 1024 {
			return nil, len(buf), fmt.Errorf("totem: buffer overflow without frame")
		}
		return nil, 0, nil
	}
	end += start
	message := text[start+2 : end]
	consumed := end + 1

	fields := strings.Split(message, ",")
	if len(fields) < 2 {
		return nil, consumed, nil
	}
	imei := fields[0]
	msgType := strings.ToUpper(fields[1])

	if msgType == "HB" {
		return &Frame{Event: "heartbeat", IMEI: imei, Ack: []byte(fmt.Sprintf("(#%s,HB,OK)", imei))}, consumed, nil
	}
	if msgType == "LOGIN" {
		return &Frame{Event: "login", IMEI: imei, Ack: []byte(fmt.Sprintf("(#%s,LOGIN,OK)", imei))}, consumed, nil
	}
	if msgType != "GPS" || len(fields) < 12 {
		return nil, consumed, nil
	}

	deviceTime := parseTotemTime(fields[2], fields[3])
	valid := strings.EqualFold(fields[4], "A")
	lat, ok1 := parseTK103Coord(fields[5], fields[6])
	lon, ok2 := parseTK103Coord(fields[7], fields[8])
	if !ok1 || !ok2 {
		return nil, consumed, nil
	}
	speed, _ := strconv.ParseFloat(fields[9], 64)
	course, _ := strconv.ParseFloat(fields[10], 64)
	ignition := fields[11] == "1"

	pos := &domain.Position{
		DeviceID:   imei,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		SpeedKmh:   speed,
		Course:     course,
		Valid:      valid,
		Ignition:   &ignition,
		Sensors:    map[string]any{},
	}
	return &Frame{IMEI: imei, Position: pos}, consumed, nil
}

func parseTotemTime(dateStr, timeStr string) time.Time {
	if len(dateStr) < 6 || len(timeStr) < 6 {
		return time.Now().UTC()
	}
	dd, e1 := strconv.Atoi(dateStr[0:2])
	mo, e2 := strconv.Atoi(dateStr[2:4])
	yy, e3 := strconv.Atoi(dateStr[4:6])
	hh, e4 := strconv.Atoi(timeStr[0:2])
	mm, e5 := strconv.Atoi(timeStr[2:4])
	ss, e6 := strconv.Atoi(timeStr[4:6])
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil {
		return time.Now().UTC()
	}
	return time.Date(2000+yy, time.Month(mo), dd, hh, mm, ss, 0, time.UTC)
}

func (d *TotemDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	imei := params["imei"]
	switch commandType {
	case "request_position":
		return []byte(fmt.Sprintf("(#%s,GETGPS)", imei)), nil
	case "reboot":
		return []byte(fmt.Sprintf("(#%s,REBOOT)", imei)), nil
	default:
		return nil, fmt.Errorf("totem: unknown command %q", commandType)
	}
}
