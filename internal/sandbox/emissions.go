package sandbox

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"ecotrade.org/internal/audit"
	"ecotrade.org/internal/carbon"
	"ecotrade.org/internal/ids"
)

// Conversion factors applied to raw readings.
const (
	kgPerKwh = 0.85
	kgPerPPM = 0.0018
)

// Percentage of the annual limit at which the status changes.
const (
	safeUpTo    = 70.0
	warningUpTo = 100.0
)

const (
	forecastWindow      = 14 * 24 * time.Hour
	forecastMinReadings = 7
	defaultForecastDays = 7
	maxForecastDays     = 365
)

type reading struct {
	id  string
	at  time.Time
	co2 carbon.EmissionBreakdown
}

func breakdown(r carbon.EmissionReading) carbon.EmissionBreakdown {
	elec := carbon.Round2(r.ElectricityKwh * kgPerKwh)
	comb := carbon.Round2(r.CombustionPPM * kgPerPPM)
	return carbon.EmissionBreakdown{
		ElectricityCO2Kg: elec,
		CombustionCO2Kg:  comb,
		TotalCO2Kg:       carbon.Round2(elec + comb),
	}
}

func (s *state) recordEmission(userID string, r carbon.EmissionReading) (carbon.RecordedEmission, error) {
	if r.ElectricityKwh < 0 || r.CombustionPPM < 0 {
		return carbon.RecordedEmission{}, badRequest("Negative values not allowed")
	}
	rd := &reading{id: ids.New(), at: s.now().UTC(), co2: breakdown(r)}
	s.mu.Lock()
	s.readings[userID] = append(s.readings[userID], rd)
	s.mu.Unlock()
	return carbon.RecordedEmission{ID: rd.id, Emissions: rd.co2}, nil
}

// yearTotalsLocked sums the readings taken since January 1st of the current
// year.
func (s *state) yearTotalsLocked(userID string) carbon.EmissionBreakdown {
	now := s.now().UTC()
	start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	var out carbon.EmissionBreakdown
	for _, rd := range s.readings[userID] {
		if rd.at.Before(start) {
			continue
		}
		out.ElectricityCO2Kg += rd.co2.ElectricityCO2Kg
		out.CombustionCO2Kg += rd.co2.CombustionCO2Kg
		out.TotalCO2Kg += rd.co2.TotalCO2Kg
	}
	return out
}

func carbonScore(pct float64) string {
	switch {
	case pct < 50:
		return "A+"
	case pct < 70:
		return "A"
	case pct < 85:
		return "B"
	case pct <= 100:
		return "C"
	case pct < 120:
		return "D"
	}
	return "F"
}

func statusMessage(status string, pct float64) string {
	switch status {
	case "safe":
		return fmt.Sprintf("You're doing great! Only %.1f%% of your carbon budget used.", pct)
	case "warning":
		return fmt.Sprintf("Approaching limit! %.1f%% of your carbon budget used.", pct)
	}
	return fmt.Sprintf("Limit exceeded! You've used %.1f%% of your carbon budget. Please purchase renewable credits.", pct)
}

// emissionStatus grades the year's net emissions against the limit derived
// from the household's size. Active credits offset emissions.
func (s *state) emissionStatus(userID string) (carbon.EmissionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[userID]
	if !ok {
		return carbon.EmissionStatus{}, notFound("User not found")
	}
	h := acc.user.Household
	limit := carbon.Round2(h.AreaSqm*limitPerSqm + float64(h.Occupants)*limitPerOccupant)
	year := s.yearTotalsLocked(userID)
	credits := s.balanceLocked(userID)
	net := math.Max(0, year.TotalCO2Kg-credits)

	var pct float64
	if limit > 0 {
		pct = net / limit * 100
	}
	status := "exceeded"
	switch {
	case pct <= safeUpTo:
		status = "safe"
	case pct <= warningUpTo:
		status = "warning"
	}
	excess := math.Max(0, net-limit)
	return carbon.EmissionStatus{
		Status:            status,
		CarbonScore:       carbonScore(pct),
		AnnualLimitKg:     limit,
		TotalEmittedKg:    carbon.Round2(year.TotalCO2Kg),
		ElectricityCO2Kg:  carbon.Round2(year.ElectricityCO2Kg),
		CombustionCO2Kg:   carbon.Round2(year.CombustionCO2Kg),
		ActiveCreditsKg:   credits,
		NetEmissionsKg:    carbon.Round2(net),
		PercentageUsed:    carbon.Round2(pct),
		ExcessCO2Kg:       carbon.Round2(excess),
		RemainingBudgetKg: carbon.Round2(math.Max(0, limit-net)),
		NeedsCredits:      excess > 0,
		StatusMessage:     statusMessage(status, pct),
	}, nil
}

// forecast projects the mean of the latest readings forward one day at a
// time. Readings older than the window do not count towards the minimum.
func (s *state) forecast(userID string, days int) (carbon.Forecast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.users[userID]
	if !ok {
		return carbon.Forecast{}, notFound("User not found")
	}
	now := s.now().UTC()
	var recent []*reading
	for _, rd := range s.readings[userID] {
		if now.Sub(rd.at) <= forecastWindow {
			recent = append(recent, rd)
		}
	}
	if len(recent) < forecastMinReadings {
		return carbon.Forecast{Success: false, Message: "Insufficient recent data for prediction"}, nil
	}
	recent = recent[len(recent)-forecastMinReadings:]
	var sum float64
	for _, rd := range recent {
		sum += rd.co2.TotalCO2Kg
	}
	daily := carbon.Round2(sum / float64(len(recent)))

	out := carbon.Forecast{
		Success:     true,
		HorizonDays: days,
		ModelType:   "Moving Average",
		Predictions: make([]carbon.ForecastPoint, 0, days),
	}
	var predicted float64
	for i := 1; i <= days; i++ {
		out.Predictions = append(out.Predictions, carbon.ForecastPoint{
			Date:        now.AddDate(0, 0, i).Format("2006-01-02"),
			PredictedKg: daily,
		})
		predicted += daily
	}
	current := s.yearTotalsLocked(userID).TotalCO2Kg
	out.CurrentEmissionsKg = carbon.Round2(current)
	out.ProjectedTotalKg = carbon.Round2(current + predicted)
	out.AnnualLimitKg = acc.user.Household.AnnualCarbonLimitKg
	out.WillExceedLimit = out.ProjectedTotalKg > out.AnnualLimitKg
	if out.WillExceedLimit {
		out.Warning = "Warning: Predictions indicate you will exceed your carbon limit!"
	}
	return out, nil
}

func (s *Server) recordEmission(w http.ResponseWriter, r *http.Request, u carbon.User) {
	var req carbon.EmissionReading
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, badRequest("Invalid data: %s", err.Error()))
		return
	}
	rec, err := s.st.recordEmission(u.ID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "sandbox.emission.recorded", map[string]any{
		"emission_id": rec.ID,
		"total_kg":    rec.Emissions.TotalCO2Kg,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":              true,
		"message":              "Emission data recorded",
		"emission_id":          rec.ID,
		"processed_data":       req,
		"calculated_emissions": rec.Emissions,
	})
}

func (s *Server) emissionStatus(w http.ResponseWriter, r *http.Request, u carbon.User) {
	st, err := s.st.emissionStatus(u.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) forecast(w http.ResponseWriter, r *http.Request, u carbon.User) {
	days := defaultForecastDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxForecastDays {
			writeError(w, r, badRequest("Invalid parameter: days must be between 1 and %d", maxForecastDays))
			return
		}
		days = v
	}
	f, err := s.st.forecast(u.ID, days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
