package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/schedule"
	"github.com/padenj/irrigation-controller/internal/status"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command, zoneID string
	var enabled bool
	flag.StringVar(&dbPath, "db", "data/irrigation.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: set-zone-enabled, clear-status, recalc, show")
	flag.StringVar(&zoneID, "zone", "", "Zone ID for zone commands")
	flag.BoolVar(&enabled, "enabled", true, "Enabled flag for set-zone-enabled")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of irrigation-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/irrigation.db')")
		fmt.Println("  -cmd string\tCommand to run: set-zone-enabled, clear-status, recalc, show")
		fmt.Println("  -zone string\tZone ID for zone commands")
		fmt.Println("  -enabled\tEnabled flag for set-zone-enabled (default true)")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "set-zone-enabled":
		if zoneID == "" {
			fmt.Println("Error: zone ID is required")
			os.Exit(1)
		}
		err = db.SetZoneEnabledCLI(dbPath, zoneID, enabled)
	case "clear-status":
		err = clearStatus(dbPath)
	case "recalc":
		err = recalcSchedules(dbPath)
	case "show":
		err = showState(dbPath)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

// clearStatus wipes a stuck run token after a crash or a killed process.
func clearStatus(dbPath string) error {
	conn, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()
	return status.NewManager(conn).ClearActiveRun()
}

func recalcSchedules(dbPath string) error {
	conn, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	programs, err := db.GetAllPrograms(conn)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, p := range programs {
		next, err := schedule.NextRunTime(p, now, false)
		if err != nil {
			return fmt.Errorf("program %s: %w", p.Name, err)
		}
		if err := db.UpdateProgramNextRun(conn, p.ID, next); err != nil {
			return err
		}
		if next != nil {
			fmt.Printf("%s -> %s\n", p.Name, next.Format(time.RFC3339))
		} else {
			fmt.Printf("%s -> no scheduled days\n", p.Name)
		}
	}
	return nil
}

func showState(dbPath string) error {
	conn, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	zones, err := db.GetAllZones(conn)
	if err != nil {
		return err
	}
	fmt.Println("Zones:")
	for _, z := range zones {
		fmt.Printf("  %s  %-20s enabled=%-5t gpio=%-2d moisture=%d%%\n", z.ID, z.Name, z.Enabled, z.GPIOPort, z.MoistureLevel)
	}

	programs, err := db.GetAllPrograms(conn)
	if err != nil {
		return err
	}
	fmt.Println("Programs:")
	for _, p := range programs {
		next := "none"
		if p.NextScheduledRunTime != nil {
			next = p.NextScheduledRunTime.Format(time.RFC3339)
		}
		fmt.Printf("  %s  %-20s enabled=%-5t start=%s days=%v zones=%d next=%s\n",
			p.ID, p.Name, p.Enabled, p.StartTime, p.DaysOfWeek, len(p.Zones), next)
	}

	st, err := status.NewManager(conn).Get()
	if err != nil {
		return err
	}
	fmt.Println("Status:")
	if st.ActiveProgram != nil {
		fmt.Printf("  active program: %s\n", st.ActiveProgram.Name)
	} else {
		fmt.Println("  active program: none")
	}
	if st.ActiveZone != nil {
		fmt.Printf("  active zone: %s (%ds left)\n", st.ActiveZone.Name, st.ActiveZoneSecondsLeft)
	} else {
		fmt.Println("  active zone: none")
	}
	fmt.Printf("  last scheduler run: %s\n", st.LastSchedulerRun.Format(time.RFC3339))
	return nil
}
