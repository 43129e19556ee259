package relay

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/internal/pinctrl"
)

// Driver actuates valve relays by GPIO port. Implementations must tolerate
// redundant TurnOff calls: every deactivation path in the run loops funnels
// through a final TurnOff regardless of current state.
type Driver interface {
	TurnOn(port int) error
	TurnOff(port int) error
}

// PinctrlDriver drives relays through the Pi's pinctrl utility. Constructed
// once in main and injected into the runners; there is no package-level
// relay state.
type PinctrlDriver struct {
	mu         sync.Mutex
	activeHigh bool
	safeMode   bool
}

func NewPinctrlDriver(activeHigh, safeMode bool) *PinctrlDriver {
	return &PinctrlDriver{activeHigh: activeHigh, safeMode: safeMode}
}

// SetSafeMode toggles suppression of relay writes at runtime (config reload).
func (d *PinctrlDriver) SetSafeMode(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.safeMode != enabled {
		log.Warn().Bool("safe_mode", enabled).Msg("Relay safe mode changed")
	}
	d.safeMode = enabled
}

func (d *PinctrlDriver) TurnOn(port int) error {
	if d.suppressed() {
		return nil
	}
	return pinctrl.SetPin(port, "op", "pn", d.drive(true))
}

func (d *PinctrlDriver) TurnOff(port int) error {
	if d.suppressed() {
		return nil
	}
	return pinctrl.SetPin(port, "op", "pn", d.drive(false))
}

// VerifyAllInactive checks that every given port reads as de-energized.
// Called at startup before the scheduler is allowed to arm the relay board.
func (d *PinctrlDriver) VerifyAllInactive(ports []int) error {
	for _, port := range ports {
		level, err := pinctrl.ReadLevel(port)
		if err != nil {
			return fmt.Errorf("failed to read pin level for GPIO %d: %w", port, err)
		}
		active := level == d.activeHigh
		if active {
			return fmt.Errorf("valve relay on GPIO %d is energized at startup", port)
		}
	}
	return nil
}

func (d *PinctrlDriver) suppressed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.safeMode
}

func (d *PinctrlDriver) drive(on bool) string {
	if on == d.activeHigh {
		return "dh"
	}
	return "dl"
}
