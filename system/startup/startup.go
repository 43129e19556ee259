package startup

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/config"
)

// WriteBootScript writes a shell script that drives every zone relay pin to
// its inactive level. Systemd runs it before the controller starts, so the
// valves are closed even if the controller itself never comes up.
func WriteBootScript(dbConn *sql.DB, cfg *config.Config) error {
	var lines []string
	lines = append(lines, "#!/bin/bash", "", "# Irrigation GPIO pin configuration at boot", "")

	// Inactive level depends on relay board polarity.
	drive := "dl"
	if !cfg.RelayActiveHigh {
		drive = "dh"
	}

	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		return err
	}
	for _, zone := range zones {
		lines = append(lines, fmt.Sprintf("# %s", zone.Name))
		lines = append(lines, fmt.Sprintf("pinctrl set %d op pn %s", zone.GPIOPort, drive))
		lines = append(lines, "")
	}

	contents := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(cfg.BootScriptFilePath, []byte(contents), 0755)
}

func InstallBootService(cfg *config.Config) error {
	unitContents := fmt.Sprintf(`[Unit]
Description=Configure irrigation GPIO pins at boot
After=network.target

[Service]
Type=oneshot
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=%s
RemainAfterExit=true

[Install]
WantedBy=multi-user.target
`, cfg.BootScriptFilePath)

	return os.WriteFile(cfg.OSServicePath, []byte(unitContents), 0644)
}

func RunBootScript(cfg *config.Config) error {
	cmd := exec.Command("/bin/bash", cfg.BootScriptFilePath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// InstallControllerService writes the systemd unit for the controller
// daemon, ordered after the GPIO boot unit.
func InstallControllerService(cfg *config.Config) error {
	gpioUnitName := filepath.Base(cfg.OSServicePath)

	unit := fmt.Sprintf(`[Unit]
Description=Irrigation controller main service
After=%s
Requires=%s

[Service]
Type=simple
WorkingDirectory=/opt/irrigation-controller
Environment=PATH=/usr/local/bin:/usr/bin:/bin
ExecStart=/opt/irrigation-controller/irrigation-controller -config-file %s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, gpioUnitName, gpioUnitName, cfg.ConfigFile)

	return os.WriteFile(cfg.MainServicePath, []byte(unit), 0644)
}
