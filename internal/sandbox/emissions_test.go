package sandbox

import (
	"net/http"
	"testing"
	"time"
)

func TestEmissionStatusAndForecast(t *testing.T) {
	s, clock := newTestServer(t, WithTokenTTL(30*24*time.Hour))
	token, _ := registerUser(t, s, "home@x.io")

	rr, out := send(t, s, http.MethodPost, "/api/iot/emission", token, map[string]any{"electricity_kwh": -1})
	if rr.Code != http.StatusBadRequest || out["error"] != "Negative values not allowed" {
		t.Fatalf("negative reading: %d %v", rr.Code, out)
	}

	rr, out = send(t, s, http.MethodGet, "/api/emissions/status", token, nil)
	if rr.Code != http.StatusOK || out["status"] != "safe" || out["carbon_score"] != "A+" || out["annual_limit_kg"] != 7000.0 {
		t.Fatalf("empty status: %d %v", rr.Code, out)
	}

	// 1000 kWh at 0.85 kg/kWh plus 500 ppm at 0.0018 kg/ppm
	for i := 0; i < 6; i++ {
		rr, out = send(t, s, http.MethodPost, "/api/iot/emission", token, map[string]any{"electricity_kwh": 1000, "combustion_ppm": 500})
		if rr.Code != http.StatusCreated {
			t.Fatalf("record %d: %d %v", i, rr.Code, out)
		}
	}
	calc := out["calculated_emissions"].(map[string]any)
	if calc["electricity_co2_kg"] != 850.0 || calc["combustion_co2_kg"] != 0.9 || calc["total_co2_kg"] != 850.9 {
		t.Fatalf("breakdown %v", calc)
	}

	rr, out = send(t, s, http.MethodGet, "/api/predictions/forecast", token, nil)
	if rr.Code != http.StatusOK || out["success"] != false || out["message"] != "Insufficient recent data for prediction" {
		t.Fatalf("forecast with six readings: %d %v", rr.Code, out)
	}

	send(t, s, http.MethodPost, "/api/iot/emission", token, map[string]any{"electricity_kwh": 1000, "combustion_ppm": 500})

	// 7 x 850.9 = 5956.3 of 7000
	rr, out = send(t, s, http.MethodGet, "/api/emissions/status", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: %d %v", rr.Code, out)
	}
	if out["status"] != "warning" || out["carbon_score"] != "C" || out["total_emitted_kg"] != 5956.3 || out["needs_credits"] != false {
		t.Fatalf("status %v", out)
	}
	if out["percentage_used"] != 85.09 || out["remaining_budget_kg"] != 1043.7 {
		t.Fatalf("budget %v", out)
	}

	rr, out = send(t, s, http.MethodGet, "/api/predictions/forecast?days=3", token, nil)
	if rr.Code != http.StatusOK || out["success"] != true {
		t.Fatalf("forecast: %d %v", rr.Code, out)
	}
	preds := out["predictions"].([]any)
	if len(preds) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(preds))
	}
	first := preds[0].(map[string]any)
	if first["date"] != "2026-03-02" || first["predicted_co2_kg"] != 850.9 {
		t.Fatalf("first prediction %v", first)
	}
	if out["projected_total_kg"] != 8509.0 || out["will_exceed_limit"] != true || out["warning"] == nil {
		t.Fatalf("projection %v", out)
	}

	// credits offset the year's emissions
	rr, _ = send(t, s, http.MethodPost, "/api/credits/purchase", token, map[string]any{"credit_type": "wind", "amount_kg_co2": 1000})
	if rr.Code != http.StatusCreated {
		t.Fatalf("buy credits: %d", rr.Code)
	}
	_, out = send(t, s, http.MethodGet, "/api/emissions/status", token, nil)
	if out["net_emissions_kg"] != 4956.3 || out["carbon_score"] != "B" || out["active_credits_kg"] != 1000.0 {
		t.Fatalf("status with credits %v", out)
	}

	for _, q := range []string{"0", "366", "soon"} {
		rr, out = send(t, s, http.MethodGet, "/api/predictions/forecast?days="+q, token, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("days=%s: %d %v", q, rr.Code, out)
		}
	}

	// readings age out of the forecast window
	clock.t = clock.t.Add(15 * 24 * time.Hour)
	_, out = send(t, s, http.MethodGet, "/api/predictions/forecast", token, nil)
	if out["success"] != false {
		t.Fatalf("stale readings still forecast: %v", out)
	}
}

func TestEmissionRoutesRequireToken(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/api/emissions/status", "/api/predictions/forecast"} {
		rr, out := send(t, s, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized || out["msg"] != "Missing Authorization Header" {
			t.Fatalf("%s: %d %v", path, rr.Code, out)
		}
	}
}
