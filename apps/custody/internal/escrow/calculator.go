package escrow

import "strings"

const defaultGraceDays = 3

// Grace days added on top of the estimated delivery time, per shipping method.
var shippingGraceDays = map[string]int{
	"STANDARD":  3,
	"EXPRESS":   2,
	"OVERNIGHT": 1,
	"FREIGHT":   5,
	"PICKUP":    1,
}

// DeliveryWindowCalculator derives an auto-release window in blocks from the
// expected delivery time. The result is non-decreasing in delivery days.
type DeliveryWindowCalculator struct {
	blocksPerDay uint64
	defaultDays  int
}

// NewDeliveryWindowCalculator creates a new delivery window calculator
func NewDeliveryWindowCalculator(blocksPerDay uint64, defaultDays int) *DeliveryWindowCalculator {
	if defaultDays < 0 {
		defaultDays = 0
	}
	return &DeliveryWindowCalculator{blocksPerDay: blocksPerDay, defaultDays: defaultDays}
}

// AutoReleaseBlocks converts the estimated delivery time plus the shipping method's grace period into blocks
func (c *DeliveryWindowCalculator) AutoReleaseBlocks(estimatedDays *int, shippingMethod string) uint64 {
	days := c.defaultDays
	if estimatedDays != nil {
		days = max(*estimatedDays, 0)
	}

	grace, ok := shippingGraceDays[strings.ToUpper(strings.TrimSpace(shippingMethod))]
	if !ok {
		grace = defaultGraceDays
	}
	return uint64(days+grace) * c.blocksPerDay
}
