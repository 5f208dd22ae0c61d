package risk

import (
	"strings"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// ExternalDefaultCredentials fires when an external source (active probing)
// flagged the device as accepting default credentials.
func ExternalDefaultCredentials(d models.Device) bool {
	return d.DefaultCredentials
}

// DestinationLimits builds an excessive-access predicate from operator
// supplied limits: device type -> maximum number of distinct destinations.
// Device types without a limit never fire.
func DestinationLimits(limits map[string]int) Predicate {
	normalized := make(map[string]int, len(limits))
	for deviceType, limit := range limits {
		normalized[strings.ToLower(deviceType)] = limit
	}

	return func(d models.Device) bool {
		limit, ok := normalized[strings.ToLower(d.DeviceType)]
		if !ok || limit <= 0 {
			return false
		}
		return len(d.Destinations) > limit
	}
}
