package provisioning

import (
	"encoding/base64"
	"time"

	"github.com/zboralski/anisette/internal/adi"
	"github.com/zboralski/anisette/internal/device"
)

// RoutingInfo is the X-Apple-I-MD-RINFO value.
const RoutingInfo = "17106176"

// Header names in the order they are presented.
var HeaderNames = []string{
	"X-Apple-I-MD",
	"X-Apple-I-MD-M",
	"X-Apple-I-MD-RINFO",
	"X-Apple-I-MD-LU",
	"X-Apple-I-Client-Time",
	"X-Mme-Device-Id",
	"X-MMe-Client-Info",
}

// Headers assembles the anisette headers from an OTP and the device
// identity.
func Headers(dev *device.Device, otp *adi.OTP, now time.Time) map[string]string {
	return map[string]string{
		"X-Apple-I-MD":          base64.StdEncoding.EncodeToString(otp.OTP),
		"X-Apple-I-MD-M":        base64.StdEncoding.EncodeToString(otp.MachineID),
		"X-Apple-I-MD-RINFO":    RoutingInfo,
		"X-Apple-I-MD-LU":       dev.LocalUUID,
		"X-Apple-I-Client-Time": ClientTime(now),
		"X-Mme-Device-Id":       dev.UUID,
		"X-MMe-Client-Info":     dev.ClientInfo,
	}
}
