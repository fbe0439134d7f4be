package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"trackcore/internal/domain"
)

// teltonikaIOMap names the standard Teltonika AVL IO element ids for the
// FMB/FMC/FMM device families. Grounded on
// original_source/app/protocols/teltonika.py's IO_MAP.
var teltonikaIOMap = map[int]string{
	1: "din1", 2: "din2", 3: "din3", 4: "din4",
	9: "adc1", 10: "adc2",
	11: "iccid1", 14: "iccid2",
	12: "fuel_used", 13: "fuel_consumption",
	30: "fault_count", 31: "engine_load", 32: "coolant_temp", 36: "rpm",
	89: "fuel_level_percent", 115: "engine_temp",
	16: "odometer", 17: "axis_x", 18: "axis_y", 19: "axis_z", 24: "speed", 199: "trip_odometer",
	21: "gsm_signal", 205: "cell_id", 206: "lac", 236: "active_gsm_operator", 241: "gsm_operator",
	244: "roaming", 636: "cell_id_4g",
	66: "external_voltage", 67: "battery_voltage", 68: "battery_current", 113: "battery_level_percent",
	69: "gnss_status", 181: "pdop", 182: "hdop",
	72: "temp1", 73: "temp2", 74: "temp3", 75: "temp4",
	81: "obd_speed", 82: "throttle", 83: "fuel_used_obd", 84: "fuel_level_obd", 85: "rpm_obd", 87: "odometer_obd",
	70: "pcb_temp", 80: "data_mode", 200: "sleep_mode",
	179: "dout1", 180: "dout2",
	239: "ignition", 240: "movement", 246: "towing", 247: "crash_detection", 248: "immobilizer",
	249: "jamming", 250: "trip_event",
	25: "ble_temp1", 26: "ble_temp2", 27: "ble_temp3", 28: "ble_temp4", 29: "ble_humidity1",
	86: "ble_fuel_level", 90: "ble_luminosity",
	94: "ble_battery1", 95: "ble_battery2", 96: "ble_battery3", 97: "ble_battery4",
	105: "ble_humidity1_alt", 106: "ble_humidity2_alt", 107: "ble_humidity3_alt", 108: "ble_humidity4_alt",
	110: "ble_battery_level", 121: "ble_sensor_temp1",
	662: "door",
}

var teltonikaIOMultipliers = map[int]float64{
	9: 0.001, 10: 0.001, 66: 0.001, 67: 0.001, 68: 0.001,
	70: 0.1, 72: 0.1, 73: 0.1, 74: 0.1, 75: 0.1, 83: 0.1, 84: 0.1, 110: 0.1, 115: 0.1, 121: 0.1,
	181: 0.1, 182: 0.1,
	13: 0.01,
	29: 0.01,
}

// teltonikaCommands maps a short command name to the literal text sent to
// the device inside a codec 0x0C text command.
var teltonikaCommands = map[string]string{
	"cpureset": "cpureset", "getver": "getver", "getgps": "getgps", "readio": "readio",
	"getrecord": "getrecord", "ggps": "ggps", "getinfo": "getinfo", "setparam": "setparam",
	"getparam": "getparam", "flush": "flush", "readstatus": "readstatus", "getimei": "getimei",
}

// TeltonikaDecoder implements Codec 8 / 8E AVL decoding, grounded on
// original_source/app/protocols/teltonika.py.
type TeltonikaDecoder struct{}

func NewTeltonikaDecoder() *TeltonikaDecoder { return &TeltonikaDecoder{} }

func (d *TeltonikaDecoder) SupportsCommands() bool { return true }

// RejectAck is the IMEI login response byte the protocol defines for a
// declined connection — 0x01 accepts, 0x00 rejects and the device is
// expected to disconnect on its own.
func (d *TeltonikaDecoder) RejectAck() []byte { return []byte{0x00} }

func (d *TeltonikaDecoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	// Data packet: 4 zero bytes | 4-byte data length | payload | 4-byte CRC.
	if len(buf) >= 4 && buf[0] == 0 && buf[1] == 0 && buf[2] == 0 && buf[3] == 0 {
		if len(buf) < 8 {
			return nil, 0, nil
		}
		dataLen := int(binary.BigEndian.Uint32(buf[4:8]))
		total := 8 + dataLen + 4
		if len(buf) < total {
			return nil, 0, nil
		}
		packet := buf[8 : 8+dataLen]
		if len(packet) < 2 {
			return nil, total, nil
		}

		codecID := packet[0]
		recordCount := packet[1]

		if codecID != 0x08 && codecID != 0x8E {
			return nil, total, fmt.Errorf("teltonika: unsupported codec 0x%02X", codecID)
		}
		extended := codecID == 0x8E

		positions := d.decodeAllRecords(packet[2:], knownIMEI, extended)

		ack := make([]byte, 4)
		binary.BigEndian.PutUint32(ack, uint32(recordCount))

		if len(positions) == 0 {
			return &Frame{Ack: ack}, total, nil
		}
		return &Frame{Position: positions[0], ExtraPositions: positions[1:], Ack: ack}, total, nil
	}

	// IMEI login packet: 2-byte length prefix followed by ASCII IMEI.
	if len(buf) >= 2 {
		imeiLen := int(binary.BigEndian.Uint16(buf[0:2]))
		if imeiLen == 0 {
			return nil, 0, ErrUnrecognized
		}
		if len(buf) >= imeiLen+2 {
			imei := string(buf[2 : 2+imeiLen])
			return &Frame{Event: "login", IMEI: imei, Ack: []byte{0x01}}, imeiLen + 2, nil
		}
		return nil, 0, nil
	}

	return nil, 0, nil
}

func (d *TeltonikaDecoder) decodeAllRecords(data []byte, knownIMEI string, extended bool) []*domain.Position {
	if knownIMEI == "" {
		return nil
	}
	var out []*domain.Position
	offset := 0
	for offset < len(data) {
		pos, consumed := d.decodeSingleRecord(data, offset, knownIMEI, extended)
		if consumed == 0 {
			break
		}
		offset += consumed
		if pos != nil {
			out = append(out, pos)
		}
	}
	return out
}

func (d *TeltonikaDecoder) decodeSingleRecord(data []byte, offset int, knownIMEI string, extended bool) (*domain.Position, int) {
	start := offset

	if offset+8 > len(data) {
		return nil, 0
	}
	timestampMs := binary.BigEndian.Uint64(data[offset : offset+8])
	deviceTime := time.UnixMilli(int64(timestampMs)).UTC()
	offset += 8

	if offset+1 > len(data) {
		return nil, 0
	}
	offset++ // priority, unused

	if offset+15 > len(data) {
		return nil, 0
	}
	lon := float64(int32(binary.BigEndian.Uint32(data[offset:offset+4]))) / 10_000_000.0
	lat := float64(int32(binary.BigEndian.Uint32(data[offset+4:offset+8]))) / 10_000_000.0
	alt := float64(int16(binary.BigEndian.Uint16(data[offset+8 : offset+10])))
	course := float64(binary.BigEndian.Uint16(data[offset+10 : offset+12]))
	sats := int(data[offset+12])
	speed := float64(binary.BigEndian.Uint16(data[offset+13 : offset+15]))
	offset += 15

	validGPS := !(lat == 0.0 && lon == 0.0)

	headerSize := 2
	if extended {
		headerSize = 4
	}
	if offset+headerSize > len(data) {
		return nil, 0
	}
	offset += headerSize

	idWidth, countWidth := 1, 1
	if extended {
		idWidth, countWidth = 2, 2
	}

	readCount := func() int {
		if offset+countWidth > len(data) {
			return 0
		}
		var v int
		if extended {
			v = int(binary.BigEndian.Uint16(data[offset : offset+2]))
		} else {
			v = int(data[offset])
		}
		offset += countWidth
		return v
	}
	readID := func() int {
		var v int
		if extended {
			v = int(binary.BigEndian.Uint16(data[offset : offset+2]))
		} else {
			v = int(data[offset])
		}
		offset += idWidth
		return v
	}

	var ignition *bool
	sensors := map[string]any{}

	parseGroup := func(width int, unpack func([]byte) uint64) {
		count := readCount()
		for i := 0; i < count; i++ {
			if offset+idWidth+width > len(data) {
				return
			}
			ioID := readID()
			raw := unpack(data[offset : offset+width])
			offset += width

			if ioID == 239 {
				b := raw != 0
				ignition = &b
			}

			var val any = raw
			if mult, ok := teltonikaIOMultipliers[ioID]; ok {
				val = float64(raw) * mult
			}
			key, ok := teltonikaIOMap[ioID]
			if !ok {
				key = fmt.Sprintf("io_%d", ioID)
			}
			sensors[key] = val
		}
	}

	parseGroup(1, func(b []byte) uint64 { return uint64(b[0]) })
	parseGroup(2, func(b []byte) uint64 { return uint64(binary.BigEndian.Uint16(b)) })
	parseGroup(4, func(b []byte) uint64 { return uint64(binary.BigEndian.Uint32(b)) })
	parseGroup(8, func(b []byte) uint64 { return binary.BigEndian.Uint64(b) })

	consumed := offset - start
	if !validGPS {
		return nil, consumed
	}

	pos := &domain.Position{
		DeviceID:   knownIMEI,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   alt,
		SpeedKmh:   speed,
		Course:     course,
		Satellites: sats,
		Ignition:   ignition,
		Valid:      true,
		Sensors:    sensors,
	}
	return pos, consumed
}

func (d *TeltonikaDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	if commandType == "custom" {
		payload := params["payload"]
		if payload == "" {
			return nil, fmt.Errorf("teltonika: custom command requires payload")
		}
		if isHex(payload) {
			return hexDecode(payload)
		}
		return d.encodeTextCommand(payload), nil
	}

	cmd, ok := teltonikaCommands[commandType]
	if !ok {
		return nil, fmt.Errorf("teltonika: unknown command %q", commandType)
	}
	if len(params) > 0 {
		for _, v := range params {
			cmd = cmd + " " + v
		}
	}
	return d.encodeTextCommand(cmd), nil
}

func (d *TeltonikaDecoder) encodeTextCommand(text string) []byte {
	cmdBytes := []byte(text)
	cmdLen := len(cmdBytes)

	dataPart := make([]byte, 0, 8+cmdLen)
	dataPart = append(dataPart, 0x0C, 0x01, 0x05)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(cmdLen))
	dataPart = append(dataPart, lenBuf...)
	dataPart = append(dataPart, cmdBytes...)
	dataPart = append(dataPart, 0x01)

	crc := teltonikaCRC16(dataPart)

	out := make([]byte, 0, 8+len(dataPart)+4)
	out = append(out, 0, 0, 0, 0)
	fieldLen := make([]byte, 4)
	binary.BigEndian.PutUint32(fieldLen, uint32(len(dataPart)))
	out = append(out, fieldLen...)
	out = append(out, dataPart...)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	out = append(out, crcBuf...)
	return out
}

// teltonikaCRC16 implements CRC-16/IBM (the ARC polynomial variant
// Teltonika devices expect on downstream text commands).
func teltonikaCRC16(data []byte) uint32 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return uint32(crc)
}

func isHex(s string) bool {
	if len(s)%2 != 0 || len(s) == 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func hexDecode(s string) ([]byte, error) {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("codec: invalid hex digit %q", c)
	}
}
