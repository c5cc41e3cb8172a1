package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	gate "github.com/ccgate/ccgate/internal"
	"github.com/ccgate/ccgate/internal/usage"
)

type adminError struct {
	Error string `json:"error"`
}

// adminAuth protects the usage API with HTTP basic auth against the
// credentials in server.json. Comparison is constant-time.
func (s *server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin := s.deps.Config.Get().Admin
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(admin.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(admin.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="CCGate Admin"`)
			writeJSON(w, http.StatusUnauthorized, adminError{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantParam resolves the required tenant query parameter, writing the
// error response itself on failure.
func (s *server) tenantParam(w http.ResponseWriter, r *http.Request) (*gate.Tenant, bool) {
	id := r.URL.Query().Get("tenant")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "tenant parameter is required"})
		return nil, false
	}
	tenant, ok := s.deps.Config.Get().TenantByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, adminError{Error: "unknown tenant " + id})
		return nil, false
	}
	return tenant, true
}

func dateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	return usage.ParseDate(v)
}

func (s *server) handleDailyUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	date, err := dateParam(r, "date", time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid date, want YYYY-MM-DD"})
		return
	}
	agg, err := s.deps.Usage.DailyUsage(tenant.ID, date)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminError{Error: "usage read failed"})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleWeeklyUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	start, err := dateParam(r, "start", time.Now().UTC().AddDate(0, 0, -6))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid start, want YYYY-MM-DD"})
		return
	}
	agg, err := s.deps.Usage.WeeklyUsage(tenant.ID, start)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminError{Error: "usage read failed"})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleMonthlyUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())
	if v := r.URL.Query().Get("year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid year"})
			return
		}
		year = y
	}
	if v := r.URL.Query().Get("month"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 || m > 12 {
			writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid month"})
			return
		}
		month = m
	}
	agg, err := s.deps.Usage.MonthlyUsage(tenant.ID, year, month)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminError{Error: "usage read failed"})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleRangeUsage(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	start, err := dateParam(r, "start", time.Time{})
	if err != nil || start.IsZero() {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "start is required, want YYYY-MM-DD"})
		return
	}
	end, err := dateParam(r, "end", time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, adminError{Error: "invalid end, want YYYY-MM-DD"})
		return
	}
	agg, err := s.deps.Usage.RangeUsage(tenant.ID, start, end)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, adminError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *server) handleLimits(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantParam(w, r)
	if !ok {
		return
	}
	status, err := s.deps.Usage.Limit(tenant.ID, tenant.DailyLimitUSD)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, adminError{Error: "usage read failed"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type tenantSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Get()
	out := make([]tenantSummary, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		out = append(out, tenantSummary{ID: t.ID, Name: t.Name, Enabled: t.Enabled})
	}
	writeJSON(w, http.StatusOK, out)
}
