package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/model"
	"github.com/padenj/irrigation-controller/internal/schedule"
	"github.com/padenj/irrigation-controller/internal/status"
)

// ProgramRunner is implemented by programrunner.Runner.
type ProgramRunner interface {
	Start(programID string) error
	StopActive() error
}

// MoistureReader is implemented by sensors.Service.
type MoistureReader interface {
	Moisture(zoneID string) (int, bool)
}

type Server struct {
	db       *sql.DB
	status   *status.Manager
	runner   ProgramRunner
	moisture MoistureReader
	clock    clockwork.Clock
	loc      *time.Location
}

type ZoneRequest struct {
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	GPIOPort        int    `json:"gpio_port"`
	MoistureChannel *int   `json:"moisture_channel"`
}

type ZoneResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	GPIOPort        int    `json:"gpio_port"`
	MoistureLevel   int    `json:"moisture_level"`
	MoistureChannel int    `json:"moisture_channel"`
	MoistureLive    bool   `json:"moisture_live"`
}

type ProgramZoneRequest struct {
	ZoneID          string `json:"zone_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type ProgramRequest struct {
	Name       string               `json:"name"`
	Enabled    bool                 `json:"enabled"`
	StartTime  string               `json:"start_time"`
	DaysOfWeek []int                `json:"days_of_week"`
	Zones      []ProgramZoneRequest `json:"zones"`
}

type ProgramResponse struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Enabled    bool                 `json:"enabled"`
	StartTime  string               `json:"start_time"`
	DaysOfWeek []int                `json:"days_of_week"`
	Zones      []ProgramZoneRequest `json:"zones"`
	NextRun    *time.Time           `json:"next_run"`
	LastRun    *time.Time           `json:"last_run"`
}

type StatusResponse struct {
	ActiveProgramID       string    `json:"active_program_id,omitempty"`
	ActiveProgramName     string    `json:"active_program_name,omitempty"`
	ActiveZoneID          string    `json:"active_zone_id,omitempty"`
	ActiveZoneName        string    `json:"active_zone_name,omitempty"`
	ActiveZoneSecondsLeft int       `json:"active_zone_seconds_left"`
	LastSchedulerRun      time.Time `json:"last_scheduler_run"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(database *sql.DB, st *status.Manager, runner ProgramRunner, moisture MoistureReader, clock clockwork.Clock, loc *time.Location) *Server {
	return &Server{
		db:       database,
		status:   st,
		runner:   runner,
		moisture: moisture,
		clock:    clock,
		loc:      loc,
	}
}

// Handler builds the route table. Split from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/system/stop", s.handleSystemStop)

	mux.HandleFunc("/api/zones", s.handleZones)
	mux.HandleFunc("/api/zones/", s.handleZoneOperations)

	mux.HandleFunc("/api/programs", s.handlePrograms)
	mux.HandleFunc("/api/programs/", s.handleProgramOperations)

	// CORS for the dashboard frontend.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	st, err := s.status.Get()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read system status")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := StatusResponse{
		ActiveZoneSecondsLeft: st.ActiveZoneSecondsLeft,
		LastSchedulerRun:      st.LastSchedulerRun,
	}
	if st.ActiveProgram != nil {
		response.ActiveProgramID = st.ActiveProgram.ID
		response.ActiveProgramName = st.ActiveProgram.Name
	}
	if st.ActiveZone != nil {
		response.ActiveZoneID = st.ActiveZone.ID
		response.ActiveZoneName = st.ActiveZone.Name
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleSystemStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.runner.StopActive(); err != nil {
		log.Error().Err(err).Msg("Failed to stop active program")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Msg("Active run stopped via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getZones(w, r)
	case http.MethodPost:
		s.createZone(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleZoneOperations(w http.ResponseWriter, r *http.Request) {
	zoneID := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	if zoneID == "" || strings.Contains(zoneID, "/") {
		s.writeError(w, http.StatusNotFound, "Invalid path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getZone(w, r, zoneID)
	case http.MethodPut:
		s.updateZone(w, r, zoneID)
	case http.MethodDelete:
		s.deleteZone(w, r, zoneID)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) getZones(w http.ResponseWriter, r *http.Request) {
	zones, err := db.GetAllZones(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get zones")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]ZoneResponse, 0, len(zones))
	for _, zone := range zones {
		response = append(response, s.zoneResponse(zone))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request, zoneID string) {
	zone, err := db.GetZoneByID(s.db, zoneID)
	if err != nil {
		s.writeLookupError(w, err, "Zone not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.zoneResponse(*zone))
}

func (s *Server) createZone(w http.ResponseWriter, r *http.Request) {
	var req ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if msg := s.validateZone(req, ""); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	channel := -1
	if req.MoistureChannel != nil {
		channel = *req.MoistureChannel
	}
	zone, err := db.CreateZone(s.db, model.Zone{
		Name:            req.Name,
		Enabled:         req.Enabled,
		GPIOPort:        req.GPIOPort,
		MoistureChannel: channel,
	})
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Failed to create zone")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("zone", zone.Name).Int("gpio_port", zone.GPIOPort).Msg("Zone created via API")
	s.writeJSON(w, http.StatusCreated, s.zoneResponse(*zone))
}

func (s *Server) updateZone(w http.ResponseWriter, r *http.Request, zoneID string) {
	var req ZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if msg := s.validateZone(req, zoneID); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	channel := -1
	if req.MoistureChannel != nil {
		channel = *req.MoistureChannel
	}
	err := db.UpdateZone(s.db, model.Zone{
		ID:              zoneID,
		Name:            req.Name,
		Enabled:         req.Enabled,
		GPIOPort:        req.GPIOPort,
		MoistureChannel: channel,
	})
	if err != nil {
		s.writeLookupError(w, err, "Zone not found")
		return
	}

	log.Info().Str("zone_id", zoneID).Msg("Zone updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteZone(w http.ResponseWriter, r *http.Request, zoneID string) {
	if err := db.DeleteZone(s.db, zoneID); err != nil {
		s.writeLookupError(w, err, "Zone not found")
		return
	}
	log.Info().Str("zone_id", zoneID).Msg("Zone deleted via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getPrograms(w, r)
	case http.MethodPost:
		s.createProgram(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleProgramOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/programs/")
	parts := strings.Split(path, "/")

	if len(parts) < 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Program ID required")
		return
	}
	programID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getProgram(w, r, programID)
		case http.MethodPut:
			s.updateProgram(w, r, programID)
		case http.MethodDelete:
			s.deleteProgram(w, r, programID)
		default:
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	} else if len(parts) == 2 && parts[1] == "run" {
		if r.Method == http.MethodPost {
			s.runProgram(w, r, programID)
		} else {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	} else {
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) getPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := db.GetAllPrograms(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get programs")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]ProgramResponse, 0, len(programs))
	for _, p := range programs {
		response = append(response, programResponse(p))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request, programID string) {
	p, err := db.GetProgramByID(s.db, programID)
	if err != nil {
		s.writeLookupError(w, err, "Program not found")
		return
	}
	s.writeJSON(w, http.StatusOK, programResponse(*p))
}

func (s *Server) createProgram(w http.ResponseWriter, r *http.Request) {
	var req ProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if msg := s.validateProgram(req); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	program, err := db.CreateProgram(s.db, programModel("", req))
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Failed to create program")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.refreshNextRun(program.ID, *program)

	created, err := db.GetProgramByID(s.db, program.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("program", created.Name).Msg("Program created via API")
	s.writeJSON(w, http.StatusCreated, programResponse(*created))
}

func (s *Server) updateProgram(w http.ResponseWriter, r *http.Request, programID string) {
	var req ProgramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if msg := s.validateProgram(req); msg != "" {
		s.writeError(w, http.StatusBadRequest, msg)
		return
	}

	program := programModel(programID, req)
	if err := db.UpdateProgram(s.db, program); err != nil {
		s.writeLookupError(w, err, "Program not found")
		return
	}
	s.refreshNextRun(programID, program)

	log.Info().Str("program_id", programID).Msg("Program updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteProgram(w http.ResponseWriter, r *http.Request, programID string) {
	if err := db.DeleteProgram(s.db, programID); err != nil {
		s.writeLookupError(w, err, "Program not found")
		return
	}
	log.Info().Str("program_id", programID).Msg("Program deleted via API")
	w.WriteHeader(http.StatusOK)
}

// runProgram triggers a manual run. The run executes in the background; the
// run token arbitrates against a concurrently scheduled start.
func (s *Server) runProgram(w http.ResponseWriter, r *http.Request, programID string) {
	program, err := db.GetProgramByID(s.db, programID)
	if err != nil {
		s.writeLookupError(w, err, "Program not found")
		return
	}

	go func() {
		if err := s.runner.Start(program.ID); err != nil {
			log.Error().Err(err).Str("program", program.Name).Msg("Manual program run failed")
		}
	}()

	log.Info().Str("program", program.Name).Msg("Manual program run requested via API")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) zoneResponse(zone model.Zone) ZoneResponse {
	resp := ZoneResponse{
		ID:              zone.ID,
		Name:            zone.Name,
		Enabled:         zone.Enabled,
		GPIOPort:        zone.GPIOPort,
		MoistureLevel:   zone.MoistureLevel,
		MoistureChannel: zone.MoistureChannel,
	}
	if s.moisture != nil && zone.MoistureChannel >= 0 {
		if percent, ok := s.moisture.Moisture(zone.ID); ok {
			resp.MoistureLevel = percent
			resp.MoistureLive = true
		}
	}
	return resp
}

func programResponse(p model.Program) ProgramResponse {
	zones := make([]ProgramZoneRequest, 0, len(p.Zones))
	for _, pz := range p.Zones {
		zones = append(zones, ProgramZoneRequest{ZoneID: pz.ZoneID, DurationSeconds: pz.DurationSeconds})
	}
	return ProgramResponse{
		ID:         p.ID,
		Name:       p.Name,
		Enabled:    p.Enabled,
		StartTime:  p.StartTime,
		DaysOfWeek: p.DaysOfWeek,
		Zones:      zones,
		NextRun:    p.NextScheduledRunTime,
		LastRun:    p.LastRunTime,
	}
}

func programModel(id string, req ProgramRequest) model.Program {
	zones := make([]model.ProgramZone, 0, len(req.Zones))
	for _, z := range req.Zones {
		zones = append(zones, model.ProgramZone{ZoneID: z.ZoneID, DurationSeconds: z.DurationSeconds})
	}
	return model.Program{
		ID:         id,
		Name:       req.Name,
		Enabled:    req.Enabled,
		StartTime:  req.StartTime,
		DaysOfWeek: req.DaysOfWeek,
		Zones:      zones,
	}
}

// refreshNextRun recomputes the derived schedule after a create or update.
// Failures are logged, not surfaced: the daily refresh will repair it.
func (s *Server) refreshNextRun(programID string, p model.Program) {
	now := s.clock.Now().In(s.loc)
	next, err := schedule.NextRunTime(p, now, false)
	if err != nil {
		log.Error().Err(err).Str("program_id", programID).Msg("Failed to compute next run time")
		return
	}
	if err := db.UpdateProgramNextRun(s.db, programID, next); err != nil {
		log.Error().Err(err).Str("program_id", programID).Msg("Failed to persist next run time")
	}
}

func (s *Server) validateZone(req ZoneRequest, zoneID string) string {
	if strings.TrimSpace(req.Name) == "" {
		return "Zone name is required"
	}
	if !model.IsValidGPIOPort(req.GPIOPort) {
		return fmt.Sprintf("GPIO port %d is not a valid relay pin", req.GPIOPort)
	}
	if req.MoistureChannel != nil && *req.MoistureChannel < 0 {
		return "Moisture channel must be zero or positive"
	}

	// A relay pin drives exactly one zone.
	zones, err := db.GetAllZones(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get zones for validation")
		return ""
	}
	for _, z := range zones {
		if z.GPIOPort == req.GPIOPort && z.ID != zoneID {
			return fmt.Sprintf("GPIO port %d is already assigned to zone %q", req.GPIOPort, z.Name)
		}
	}
	return ""
}

func (s *Server) validateProgram(req ProgramRequest) string {
	if strings.TrimSpace(req.Name) == "" {
		return "Program name is required"
	}
	if _, _, err := schedule.ParseStartTime(req.StartTime); err != nil {
		return "Start time must be HH:MM in 24-hour format"
	}
	seen := map[int]bool{}
	for _, d := range req.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Sprintf("Day of week %d is out of range (0 = Sunday through 6 = Saturday)", d)
		}
		if seen[d] {
			return fmt.Sprintf("Day of week %d appears more than once", d)
		}
		seen[d] = true
	}
	for _, z := range req.Zones {
		if z.DurationSeconds <= 0 {
			return "Zone durations must be positive"
		}
		if _, err := db.GetZoneByID(s.db, z.ZoneID); err != nil {
			return fmt.Sprintf("Unknown zone id %q", z.ZoneID)
		}
	}
	return ""
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, notFoundMsg string) {
	if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "no rows in result set") {
		s.writeError(w, http.StatusNotFound, notFoundMsg)
		return
	}
	log.Error().Err(err).Msg("Request failed")
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
