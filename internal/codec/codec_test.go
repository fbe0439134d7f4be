package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackcore/internal/domain"
)

func buildTeltonikaRecord(t *testing.T, timestampMs int64, latE7, lonE7 int32, speed uint16) []byte {
	t.Helper()
	rec := make([]byte, 0, 32)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(timestampMs))
	rec = append(rec, ts...)
	rec = append(rec, 0x01) // priority

	lonBuf := make([]byte, 4)
	latBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lonBuf, uint32(lonE7))
	binary.BigEndian.PutUint32(latBuf, uint32(latE7))
	rec = append(rec, lonBuf...)
	rec = append(rec, latBuf...)
	rec = append(rec, 0x00, 0x00) // altitude
	rec = append(rec, 0x00, 0x00) // course
	rec = append(rec, 0x08)       // satellites
	speedBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(speedBuf, speed)
	rec = append(rec, speedBuf...)

	rec = append(rec, 0x00, 0x00) // event io id, generated count (both zero, non-extended)
	rec = append(rec, 0x00)       // 1-byte group count
	rec = append(rec, 0x00)       // 2-byte group count
	rec = append(rec, 0x00)       // 4-byte group count
	rec = append(rec, 0x00)       // 8-byte group count
	return rec
}

func buildTeltonikaDataPacket(t *testing.T, codecID byte, record []byte) []byte {
	t.Helper()
	data := make([]byte, 0, 2+len(record)+1)
	data = append(data, codecID, 0x01) // one record
	data = append(data, record...)
	data = append(data, 0x01) // record count repeated trailer

	packet := make([]byte, 0, 12+len(data))
	packet = append(packet, 0, 0, 0, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	packet = append(packet, lenBuf...)
	packet = append(packet, data...)

	crc := teltonikaCRC16(data)
	crcBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(crcBuf, crc)
	packet = append(packet, crcBuf...)
	return packet
}

func TestTeltonikaLoginThenPosition(t *testing.T) {
	d := NewTeltonikaDecoder()

	imei := "352093081234567"
	login := make([]byte, 0, 2+len(imei))
	loginLen := make([]byte, 2)
	binary.BigEndian.PutUint16(loginLen, uint16(len(imei)))
	login = append(login, loginLen...)
	login = append(login, []byte(imei)...)

	frame, consumed, err := d.Decode(login, "")
	require.NoError(t, err)
	assert.Equal(t, len(login), consumed)
	require.NotNil(t, frame)
	assert.Equal(t, "login", frame.Event)
	assert.Equal(t, imei, frame.IMEI)
	assert.Equal(t, []byte{0x01}, frame.Ack)

	record := buildTeltonikaRecord(t, 1_700_000_000_000, 450_000_000, -735_000_000, 60)
	packet := buildTeltonikaDataPacket(t, 0x08, record)

	frame, consumed, err = d.Decode(packet, imei)
	require.NoError(t, err)
	assert.Equal(t, len(packet), consumed)
	require.NotNil(t, frame)
	require.NotNil(t, frame.Position)
	assert.InDelta(t, 45.0, frame.Position.Latitude, 1e-6)
	assert.InDelta(t, -73.5, frame.Position.Longitude, 1e-6)
	assert.InDelta(t, 60.0, frame.Position.SpeedKmh, 1e-6)
	assert.Len(t, frame.Ack, 4)
}

func TestTeltonikaIncompleteBufferWaits(t *testing.T) {
	d := NewTeltonikaDecoder()
	_, consumed, err := d.Decode([]byte{0, 0, 0, 0, 0, 0, 0}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
}

func TestGT06LoginAckAndCRC(t *testing.T) {
	d := NewGT06Decoder()
	imeiBytes := []byte{0x03, 0x52, 0x09, 0x30, 0x81, 0x23, 0x45, 0x67}
	body := append([]byte{0x01}, imeiBytes...)
	body = append(body, 0x00, 0x01) // serial

	packet := []byte{0x78, 0x78, byte(len(body) + 2)} // length counts the 2-byte CRC too
	packet = append(packet, body...)
	crc := gt06CRC16(packet[2:])
	crcBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(crcBuf, crc)
	packet = append(packet, crcBuf...)
	packet = append(packet, 0x0D, 0x0A)

	frame, consumed, err := d.Decode(packet, "")
	require.NoError(t, err)
	assert.Equal(t, len(packet), consumed)
	require.NotNil(t, frame)
	assert.Equal(t, "login", frame.Event)
	assert.NotEmpty(t, frame.IMEI)
	assert.Equal(t, byte(0x78), frame.Ack[0])
}

func TestGT06RejectsBadMagic(t *testing.T) {
	d := NewGT06Decoder()
	_, consumed, err := d.Decode([]byte{0x11, 0x22, 0x00, 0x00, 0x00}, "")
	assert.Error(t, err)
	assert.Equal(t, 1, consumed)
}

func TestH02HeartbeatAck(t *testing.T) {
	d := NewH02Decoder()
	msg := []byte("*HQ,123456789012345,HTBT,12.6#")
	frame, consumed, err := d.Decode(msg, "")
	require.NoError(t, err)
	assert.Equal(t, len(msg), consumed)
	require.NotNil(t, frame)
	assert.Equal(t, "heartbeat", frame.Event)
}

func TestOsmAndQueryStringPosition(t *testing.T) {
	d := NewOsmAndDecoder()
	req := "GET /?id=123&lat=37.77&lon=-122.41&speed=10&bearing=90 HTTP/1.1\r\nHost: x\r\n\r\n"
	frame, consumed, err := d.Decode([]byte(req), "")
	require.NoError(t, err)
	assert.Equal(t, len(req), consumed)
	require.NotNil(t, frame)
	require.NotNil(t, frame.Position)
	assert.InDelta(t, 37.77, frame.Position.Latitude, 1e-6)
	assert.InDelta(t, -122.41, frame.Position.Longitude, 1e-6)
}

func TestRegistryResolvesEveryProtocol(t *testing.T) {
	r := NewRegistry()
	protocols := []domain.Protocol{
		domain.ProtocolTeltonika, domain.ProtocolGT06, domain.ProtocolH02,
		domain.ProtocolOsmAnd, domain.ProtocolTK103, domain.ProtocolQueclink,
		domain.ProtocolFlespi, domain.ProtocolTotem,
	}
	for _, p := range protocols {
		dec, err := r.Get(p)
		require.NoError(t, err, p)
		assert.NotNil(t, dec, p)
	}
	_, err := r.Get(domain.Protocol("unknown"))
	assert.Error(t, err)
}
