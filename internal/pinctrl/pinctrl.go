package pinctrl

import (
	"fmt"
	"os/exec"
	"strings"
)

// Thin wrapper around the Raspberry Pi `pinctrl` utility. Everything the
// controller does with a pin goes through SetPin and ReadLevel; higher-level
// polarity handling lives in the relay driver.

// SetPin applies one or more pinctrl set options to the specified GPIO pin.
// Example: SetPin(17, "op", "pn", "dh") sets pin 17 as output, no pull, drive high.
func SetPin(pin int, opts ...string) error {
	args := []string{"set", fmt.Sprint(pin)}
	args = append(args, opts...)
	cmd := exec.Command("pinctrl", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pinctrl set failed: %s (output: %s)", err, string(out))
	}
	return nil
}

// ReadLevel reads the logic level of a pin using `pinctrl lev <pin>`.
func ReadLevel(pin int) (bool, error) {
	cmd := exec.Command("pinctrl", "lev", fmt.Sprint(pin))
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to read level for pin %d: %w", pin, err)
	}
	trimmed := strings.TrimSpace(string(out))
	switch trimmed {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected output from pinctrl lev: %q", trimmed)
	}
}
