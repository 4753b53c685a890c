package blescan

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
)

// companyID is the Bluetooth SIG test identifier. Field deployments
// without a SIG assignment use it by convention.
const companyID = 0xFFFF

const (
	advVersion = 1

	flagEmergency = 1 << 0
)

// advPayload is the manufacturer data each device advertises:
// version, flags, the IPv4 host and port of its message socket, and a
// shortened device ID. Display names ride in the advertisement's local
// name instead; manufacturer data space is too tight for them.
type advPayload struct {
	ShortID   string
	Addr      string
	Emergency bool
}

// packAdv lays the payload out as
// [ver 1][flags 1][ip 4][port 2 BE][short id 8].
func packAdv(shortID string, ip net.IP, port uint16, emergency bool) ([]byte, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("blescan: %s is not an IPv4 address", ip)
	}
	id, err := hex.DecodeString(shortID)
	if err != nil || len(id) != shortIDBytes {
		return nil, fmt.Errorf("blescan: bad short id %q", shortID)
	}

	data := make([]byte, 0, 8+shortIDBytes)
	data = append(data, advVersion)
	var flags byte
	if emergency {
		flags |= flagEmergency
	}
	data = append(data, flags)
	data = append(data, ip4...)
	data = binary.BigEndian.AppendUint16(data, port)
	data = append(data, id...)
	return data, nil
}

func parseAdv(data []byte) (advPayload, error) {
	if len(data) != 8+shortIDBytes {
		return advPayload{}, fmt.Errorf("blescan: payload is %d bytes, want %d", len(data), 8+shortIDBytes)
	}
	if data[0] != advVersion {
		return advPayload{}, fmt.Errorf("blescan: unsupported payload version %d", data[0])
	}
	flags := data[1]
	ip := net.IP(data[2:6])
	port := binary.BigEndian.Uint16(data[6:8])

	return advPayload{
		ShortID:   hex.EncodeToString(data[8:]),
		Addr:      net.JoinHostPort(ip.String(), strconv.Itoa(int(port))),
		Emergency: flags&flagEmergency != 0,
	}, nil
}

const shortIDBytes = 8

// shortID folds a device ID down to 8 bytes so it fits the
// advertisement. Both ends see the same value, so host election over
// short IDs stays symmetric.
func shortID(deviceID string) string {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	return hex.EncodeToString(h.Sum(nil))
}
