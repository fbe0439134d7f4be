package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trackcore/internal/domain"
)

var osmandHTTP200 = []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

var osmandKnownKeys = map[string]bool{
	"id": true, "deviceid": true, "lat": true, "latitude": true, "lon": true, "longitude": true,
	"speed": true, "bearing": true, "course": true, "altitude": true, "alt": true,
	"timestamp": true, "sat": true, "hdop": true, "accuracy": true, "batt": true, "battery": true,
}

// OsmAndDecoder implements the OsmAnd mobile-app tracking protocol: plain
// HTTP GET requests with position fields in the query string or an
// application/x-www-form-urlencoded body. Grounded on
// original_source/app/protocols/osmand.py, reimplemented on net/http's
// request parser instead of hand-rolled header scanning.
type OsmAndDecoder struct{}

func NewOsmAndDecoder() *OsmAndDecoder { return &OsmAndDecoder{} }

func (d *OsmAndDecoder) SupportsCommands() bool { return false }

var osmandHTTP403 = []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

// RejectAck answers an unknown or inactive device's HTTP upload with a 403
// instead of the usual 200, mirroring osmandHTTP200's framing.
func (d *OsmAndDecoder) RejectAck() []byte { return osmandHTTP403 }

func (d *OsmAndDecoder) Decode(buf []byte, knownIMEI string) (*Frame, int, error) {
	if len(buf) == 0 {
		return nil, 0, nil
	}
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		if len(buf) > 8192 {
			return nil, len(buf), fmt.Errorf("osmand: buffer overflow without headers")
		}
		return nil, 0, nil
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:headerEnd+4])))
	if err != nil {
		return nil, headerEnd + 4, nil
	}

	contentLength := 0
	if v := req.Header.Get("Content-Length"); v != "" {
		contentLength, _ = strconv.Atoi(v)
	}
	total := headerEnd + 4 + contentLength
	if len(buf) < total {
		return nil, 0, nil
	}
	body := string(buf[headerEnd+4 : total])

	params := req.URL.Query()
	if len(params) == 0 && body != "" {
		if parsed, err := url.ParseQuery(body); err == nil {
			params = parsed
		}
	}
	if len(params) == 0 {
		return nil, total, nil
	}

	deviceID := knownIMEI
	if deviceID == "" {
		deviceID = firstNonEmpty(params.Get("id"), params.Get("deviceid"))
	}
	if deviceID == "" {
		return nil, total, nil
	}

	pos := d.parseParams(params, deviceID)
	if pos == nil {
		return nil, total, nil
	}
	return &Frame{IMEI: deviceID, Position: pos, Ack: osmandHTTP200}, total, nil
}

func (d *OsmAndDecoder) parseParams(params url.Values, deviceID string) *domain.Position {
	latStr := firstNonEmpty(params.Get("lat"), params.Get("latitude"))
	lonStr := firstNonEmpty(params.Get("lon"), params.Get("longitude"))
	if latStr == "" || lonStr == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return nil
	}

	deviceTime := time.Now().UTC()
	if ts := params.Get("timestamp"); ts != "" {
		if v, err := strconv.ParseFloat(ts, 64); err == nil {
			t := int64(v)
			if t > 10_000_000_000 {
				deviceTime = time.UnixMilli(t).UTC()
			} else {
				deviceTime = time.Unix(t, 0).UTC()
			}
		}
	}

	speedMS := parseFloatOr(params.Get("speed"), 0)
	course := parseFloatOr(firstNonEmpty(params.Get("bearing"), params.Get("course")), 0)
	altitude := parseFloatOr(firstNonEmpty(params.Get("altitude"), params.Get("alt")), 0)
	satellites := int(parseFloatOr(params.Get("sat"), 0))

	sensors := map[string]any{}
	for _, key := range []string{"hdop", "accuracy"} {
		if v := params.Get(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sensors[key] = f
			}
		}
	}
	if batt := firstNonEmpty(params.Get("batt"), params.Get("battery")); batt != "" {
		if f, err := strconv.ParseFloat(batt, 64); err == nil {
			sensors["battery"] = f
		}
	}
	for k, v := range params {
		if !osmandKnownKeys[k] && len(v) > 0 {
			sensors[k] = v[0]
		}
	}

	return &domain.Position{
		DeviceID:   deviceID,
		DeviceTime: deviceTime,
		ServerTime: time.Now().UTC(),
		Latitude:   lat,
		Longitude:  lon,
		Altitude:   altitude,
		SpeedKmh:   speedMS * 3.6,
		Course:     course,
		Satellites: satellites,
		Valid:      true,
		Sensors:    sensors,
	}
}

func (d *OsmAndDecoder) EncodeCommand(commandType string, params map[string]string) ([]byte, error) {
	return nil, fmt.Errorf("osmand: protocol does not support commands")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseFloatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return fallback
}
