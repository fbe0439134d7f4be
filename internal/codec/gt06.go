package codec

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"trackcore/internal/domain"
)

// GT06Decoder implements the GT06/Concox 0x7878/0x7979 framing, grounded
// on original_source/app/protocols/gt06.py.
type GT06Decoder struct{}

func NewGT06Decoder() *GT06Decoder { return &GT06Decoder{} }

func (d *GT06Decoder) SupportsCommands() bool { return true }

// RejectAck is nil: GT06 has no formal login-decline frame, so the gateway
// declines a device simply by closing the connection without acking.
func (d *GT06Decoder) RejectAck() []byte { return nil }

func (d *GT06Decoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) < 5 {
		return nil, 0, nil
	}
	isShort := buf[0] == 0x78 && buf[1] == 0x78
	isLong := buf[0] == 0x79 && buf[1] == 0x79
	if !isShort && !isLong {
		return nil, 1, ErrUnrecognized
	}

	var contentLen, total, offset int
	if isShort {
		contentLen = int(buf[2])
		total = contentLen + 5
		offset = 3
	} else {
		if len(buf) < 6 {
			return nil, 0, nil
		}
		contentLen = int(binary.BigEndian.Uint16(buf[2:4]))
		total = contentLen + 6
		offset = 4
	}
	if len(buf) < total {
		return nil, 0, nil
	}
	packet := buf[:total]

	// Every GT06 frame ends length-field|...|serial|CRC|0x0D 0x0A. A
	// one-bit corruption anywhere between the length field and the serial
	// number must flip the CRC, so reject the whole frame rather than risk
	// parsing garbage as a position.
	if total < 8 {
		return nil, 1, ErrUnrecognized
	}
	wantCRC := binary.BigEndian.Uint16(packet[total-4 : total-2])
	if gotCRC := gt06CRC16(packet[2 : total-4]); gotCRC != wantCRC {
		return nil, total, fmt.Errorf("gt06: crc mismatch, rejecting frame")
	}

	protocolNumber := packet[offset]

	switch protocolNumber {
	case 0x01:
		if offset+9 > len(packet) {
			return nil, total, nil
		}
		imei := parseGT06IMEI(packet[offset+1 : offset+9])
		serial := packet[offset+9 : offset+11]
		resp := []byte{0x78, 0x78, 0x05, 0x01}
		resp = append(resp, serial...)
		crc := gt06CRC16(resp[2:])
		crcBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(crcBuf, crc)
		resp = append(resp, crcBuf...)
		resp = append(resp, 0x0D, 0x0A)
		return &Frame{Event: "login", IMEI: imei, Ack: resp}, total, nil

	case 0x12, 0x16, 0x1A:
		pos := d.parsePosition(packet, offset, knownIMEI)
		if pos == nil {
			return nil, total, nil
		}
		return &Frame{Position: pos}, total, nil

	case 0x13:
		if offset+3 > len(packet) {
			return nil, total, nil
		}
		serial := packet[offset+1 : offset+3]
		resp := []byte{0x78, 0x78, 0x05, 0x13}
		resp = append(resp, serial...)
		crc := gt06CRC16(resp[2:])
		crcBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(crcBuf, crc)
		resp = append(resp, crcBuf...)
		resp = append(resp, 0x0D, 0x0A)
		return &Frame{Event: "heartbeat", Ack: resp}, total, nil
	}

	return nil, total, nil
}

func (d *GT06Decoder) parsePosition(data []byte, offset int, knownIMEI string) *domain.Position {
	if knownIMEI == "" {
		return nil
	}
	dateOffset := offset + 1
	if dateOffset+19 > len(data) {
		return nil
	}
	year := 2000 + int(data[dateOffset])
	month := time.Month(data[dateOffset+1])
	day := int(data[dateOffset+2])
	hour := int(data[dateOffset+3])
	minute := int(data[dateOffset+4])
	second := int(data[dateOffset+5])
	deviceTime := time.Date(year, month, day, hour, minute, second, 0, time.UTC)

	gpsOffset := dateOffset + 6
	satAcc := data[gpsOffset]
	satellites := int((satAcc >> 4) & 0x0F)
	courseStatus := binary.BigEndian.Uint16(data[gpsOffset+1 : gpsOffset+3])
	course := float64(courseStatus & 0x03FF)
	latRaw := binary.BigEndian.Uint32(data[gpsOffset+3 : gpsOffset+7])
	latitude := float64(latRaw) / 1800000.0
	lonRaw := binary.BigEndian.Uint32(data[gpsOffset+7 : gpsOffset+11])
	longitude := float64(lonRaw) / 1800000.0
	speed := float64(data[gpsOffset+11])
	status := data[gpsOffset+12]
	ignition := status&0x02 != 0

	sensors := map[string]any{
		"status_raw":   status,
		"acc":          status&0x02 != 0,
		"gps_tracking": status&0x10 != 0,
		"alarm":        status&0x38 != 0,
	}

	return &domain.Position{
		DeviceID:   knownIMEI,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   latitude,
		Longitude:  longitude,
		SpeedKmh:   speed,
		Course:     course,
		Satellites: satellites,
		Ignition:   &ignition,
		Valid:      true,
		Sensors:    sensors,
	}
}

// parseGT06IMEI decodes the BCD IMEI of a login packet: the raw login
// bytes are hex-encoded (one decimal digit per nibble), then that text is
// parsed as a base-10 integer and rendered back out. Devices pad the
// 15-digit IMEI with a leading zero nibble, which this round-trip drops.
func parseGT06IMEI(b []byte) string {
	hexStr := fmt.Sprintf("%x", b)
	n := new(big.Int)
	if _, ok := n.SetString(hexStr, 10); !ok {
		return hexStr
	}
	return n.String()
}

// gt06CRC16 implements the CRC-16/CCITT-FALSE variant GT06 devices use to
// validate server responses.
func gt06CRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func (d *GT06Decoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	if commandType != "reset" {
		return nil, fmt.Errorf("gt06: unknown command %q", commandType)
	}
	cmd := []byte{0x78, 0x78, 0x05, 0x80, 0x01, 0x00, 0x01}
	crc := gt06CRC16(cmd[2:])
	crcBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBuf, crc)
	cmd = append(cmd, crcBuf...)
	cmd = append(cmd, 0x0D, 0x0A)
	return cmd, nil
}
