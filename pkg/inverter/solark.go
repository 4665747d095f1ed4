package inverter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ohsnyt/touscheduler/pkg/common"
	"github.com/ohsnyt/touscheduler/pkg/log"
	"github.com/ohsnyt/touscheduler/pkg/types"
)

const (
	solarkAuthPath     = "/oauth/token"
	solarkPlantsPath   = "/api/v1/plants"
	solarkInvertersPath = "/api/v1/inverters"

	// TOU block 1 defaults when the settings read omits the sell times.
	defaultBoostStart = "00:02"
	defaultBoostEnd   = "06:00"
)

// SolArk implements System against the MySolark data cloud. One instance
// serves one plant; the first plant and its first (master) inverter are
// selected during Authenticate.
type SolArk struct {
	client  *http.Client
	baseURL string

	mu           sync.Mutex
	username     string
	password     string
	accessToken  string
	refreshToken string
	tokenExpiry  time.Time

	plantID       string
	plantName     string
	efficiency    float64
	inverterSN    string
	inverterModel string

	// Cached from the last settings read; the boost write echoes the sell
	// time back so a SoC change never moves the window.
	boostStart   string
	boostEnabled bool
}

// NewSolArk returns an unauthenticated client for the public cloud.
func NewSolArk() *SolArk {
	return &SolArk{
		client:  common.HTTPClient(time.Minute),
		baseURL: "https://www.solarkcloud.com",
	}
}

// solarkResponse is the envelope every cloud endpoint uses. Code 0 is
// success; anything else carries a message.
type solarkResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type solarkToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// flexFloat accepts both JSON numbers and numeric strings; the settings
// endpoint is inconsistent about which it returns.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// flexBool accepts true/false, 0/1 and their string forms.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	switch strings.ToLower(s) {
	case "true", "1", "on":
		*f = true
	case "false", "0", "off", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	return nil
}

// Authenticate logs into the cloud with the password grant and discovers the
// plant and master inverter. It must succeed before Refresh is called.
func (s *SolArk) Authenticate(ctx context.Context, creds types.Credentials) error {
	if creds.InverterUsername == "" || creds.InverterPassword == "" {
		return errors.New("missing inverter username or password")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.username = creds.InverterUsername
	s.password = creds.InverterPassword
	s.accessToken = ""
	s.refreshToken = ""

	if err := s.ensureToken(ctx); err != nil {
		return err
	}
	if err := s.discoverPlant(ctx); err != nil {
		return err
	}
	return s.discoverInverter(ctx)
}

// ensureToken logs in or renews the bearer token when it is missing or about
// to expire. Must be called with s.mu held.
func (s *SolArk) ensureToken(ctx context.Context) error {
	if s.accessToken != "" && time.Now().Before(s.tokenExpiry) {
		return nil
	}

	payload := map[string]string{
		"username":   s.username,
		"password":   s.password,
		"grant_type": "password",
		"client_id":  "csp-web",
	}
	if s.refreshToken != "" {
		payload = map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": s.refreshToken,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+solarkAuthPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var sr solarkResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode auth response", slog.Any("error", err), slog.String("body", string(raw)))
		return fmt.Errorf("failed to decode auth response: %w", err)
	}
	if sr.Code != 0 {
		// A stale refresh token is recoverable with a fresh password login.
		if s.refreshToken != "" {
			log.Ctx(ctx).DebugContext(ctx, "refresh token rejected, retrying with password", slog.String("message", sr.Msg))
			s.refreshToken = ""
			return s.ensureToken(ctx)
		}
		log.Ctx(ctx).ErrorContext(ctx, "cloud login failed", slog.String("message", sr.Msg))
		return fmt.Errorf("login failed: %s", sr.Msg)
	}

	var tok solarkToken
	if err := json.Unmarshal(sr.Data, &tok); err != nil {
		return fmt.Errorf("failed to decode token: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" || tok.ExpiresIn == 0 {
		return errors.New("login response missing token fields")
	}

	s.accessToken = tok.AccessToken
	s.refreshToken = tok.RefreshToken
	// renew a minute early so an in-flight request never carries a token
	// that expires mid-request
	s.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	log.Ctx(ctx).DebugContext(ctx, "cloud login success", slog.String("username", s.username))
	return nil
}

// doRequest sends an authenticated request and decodes the data portion of
// the envelope into dest. A 401 or non-zero code triggers one token renewal
// and retry. Must be called with s.mu held.
func (s *SolArk) doRequest(ctx context.Context, method, path string, params url.Values, body any, dest any) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := s.ensureToken(ctx); err != nil {
			return err
		}

		u := s.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.accessToken)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			log.Ctx(ctx).DebugContext(ctx, "cloud token expired")
			s.accessToken = ""
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}

		var sr solarkResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to decode cloud response", slog.Any("error", err), slog.String("body", string(raw)))
			return err
		}
		if sr.Code != 0 {
			if sr.Code == 401 {
				log.Ctx(ctx).DebugContext(ctx, "cloud token expired", slog.String("message", sr.Msg))
				s.accessToken = ""
				continue
			}
			if sr.Msg == "" {
				log.Ctx(ctx).ErrorContext(ctx, "cloud api unknown error", slog.String("body", string(raw)))
				return errors.New("cloud api unknown error")
			}
			log.Ctx(ctx).ErrorContext(ctx, "cloud api error", slog.String("message", sr.Msg))
			return fmt.Errorf("cloud api error: %s", sr.Msg)
		}

		if dest != nil && len(sr.Data) > 0 {
			if err := json.Unmarshal(sr.Data, dest); err != nil {
				return fmt.Errorf("failed to decode cloud result: %w", err)
			}
		}
		return nil
	}
	return errors.New("request failed after token renewal")
}

type plantListResult struct {
	Infos []struct {
		ID         json.Number `json:"id"`
		Name       string      `json:"name"`
		Efficiency flexFloat   `json:"efficiency"`
		Status     int         `json:"status"`
	} `json:"infos"`
}

// discoverPlant selects the first plant on the account. Must be called with
// s.mu held.
func (s *SolArk) discoverPlant(ctx context.Context) error {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("limit", "10")
	params.Set("name", "")
	params.Set("status", "")

	var res plantListResult
	if err := s.doRequest(ctx, "GET", solarkPlantsPath, params, nil, &res); err != nil {
		return fmt.Errorf("failed to get plant list: %w", err)
	}
	if len(res.Infos) == 0 {
		return errors.New("no plants found")
	}

	p := res.Infos[0]
	s.plantID = p.ID.String()
	s.plantName = p.Name
	s.efficiency = float64(p.Efficiency)
	if s.efficiency > 1 {
		s.efficiency /= 100
	}
	if s.efficiency <= 0 || s.efficiency > 1 {
		s.efficiency = types.DefaultEfficiency
	}
	log.Ctx(ctx).InfoContext(ctx, "selected plant", slog.String("plantID", s.plantID), slog.String("name", s.plantName))
	return nil
}

type inverterListResult struct {
	Infos []struct {
		SN     string `json:"sn"`
		Model  string `json:"model"`
		Status int    `json:"status"`
	} `json:"infos"`
}

// discoverInverter selects the master inverter, assumed to be first in the
// list. Must be called with s.mu held.
func (s *SolArk) discoverInverter(ctx context.Context) error {
	params := url.Values{}
	params.Set("page", "1")
	params.Set("limit", "10")
	params.Set("type", "-1")
	params.Set("status", "1")

	var res inverterListResult
	if err := s.doRequest(ctx, "GET", solarkInvertersPath, params, nil, &res); err != nil {
		return fmt.Errorf("failed to get inverter list: %w", err)
	}
	if len(res.Infos) == 0 {
		return errors.New("no inverters found")
	}

	s.inverterSN = res.Infos[0].SN
	s.inverterModel = convertInverterModel(res.Infos[0].Model)
	log.Ctx(ctx).InfoContext(ctx, "selected master inverter", slog.String("sn", s.inverterSN), slog.String("model", s.inverterModel))
	return nil
}

func convertInverterModel(value string) string {
	if value == "STROG INV" {
		return "Sol-Ark 12K-2P-N"
	}
	return value
}

type settingsResult struct {
	Cap1               flexFloat `json:"cap1"`
	SellTime1          string    `json:"sellTime1"`
	SellTime2          string    `json:"sellTime2"`
	Time1On            flexBool  `json:"time1on"`
	BatteryCapAH       flexFloat `json:"batteryCap"`
	BatteryShutdownCap flexFloat `json:"batteryShutdownCap"`
	FloatVolt          flexFloat `json:"floatVolt"`
}

type flowResult struct {
	SOC              flexFloat `json:"soc"`
	BattPower        flexFloat `json:"battPower"`
	LoadOrEPSPower   flexFloat `json:"loadOrEpsPower"`
	GridOrMeterPower flexFloat `json:"gridOrMeterPower"`
	PVPower          flexFloat `json:"pvPower"`
}

// sellTimeHour parses the hour out of a "HH:MM" sell time.
func sellTimeHour(s, def string) int {
	if s == "" {
		s = def
	}
	hh, _, ok := strings.Cut(s, ":")
	if !ok {
		hh = s
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		hh, _, _ = strings.Cut(def, ":")
		h, _ = strconv.Atoi(hh)
	}
	return h
}

// Refresh reads the inverter settings and the realtime power flow and
// returns the combined battery state.
func (s *SolArk) Refresh(ctx context.Context) (types.BatteryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plantID == "" || s.inverterSN == "" {
		return types.BatteryState{}, errors.New("not authenticated")
	}

	var set settingsResult
	settingsPath := fmt.Sprintf("/api/v1/common/setting/%s/read", s.inverterSN)
	if err := s.doRequest(ctx, "GET", settingsPath, nil, nil, &set); err != nil {
		return types.BatteryState{}, fmt.Errorf("failed to read settings: %w", err)
	}

	var flow flowResult
	flowPath := fmt.Sprintf("/api/v1/plant/energy/%s/flow", s.plantID)
	if err := s.doRequest(ctx, "GET", flowPath, nil, nil, &flow); err != nil {
		return types.BatteryState{}, fmt.Errorf("failed to read power flow: %w", err)
	}

	s.boostStart = set.SellTime1
	if s.boostStart == "" {
		s.boostStart = defaultBoostStart
	}
	s.boostEnabled = bool(set.Time1On)

	whPerPercent := float64(set.BatteryCapAH) * float64(set.FloatVolt) / 100
	usable := whPerPercent * (float64(flow.SOC) - float64(set.BatteryShutdownCap))
	if usable < 0 {
		usable = 0
	}

	// solar combiners report power so it can briefly go negative, clamp it
	pvW := float64(flow.PVPower)
	if pvW < 0 {
		pvW = 0
	}

	state := types.BatteryState{
		UsableEnergyWH:  usable,
		WHPerPercentSOC: whPerPercent,
		Efficiency:      s.efficiency,
		BoostWindowOn:   sellTimeHour(set.SellTime1, defaultBoostStart),
		BoostWindowOff:  sellTimeHour(set.SellTime2, defaultBoostEnd),
		BoostFloorSOC:   int(set.Cap1),
		BoostEnabled:    bool(set.Time1On),

		BatterySOC:   float64(flow.SOC),
		BatteryKW:    float64(flow.BattPower) / 1000,
		GridKW:       float64(flow.GridOrMeterPower) / 1000,
		LoadKW:       float64(flow.LoadOrEPSPower) / 1000,
		PVKW:         pvW / 1000,
		PlantID:      s.plantID,
		PlantName:    s.plantName,
		InverterSN:   s.inverterSN,
		InverterName: s.inverterModel,
		Updated:      time.Now().Format("Mon 03:04 PM"),
	}

	log.Ctx(ctx).DebugContext(ctx, "inverter state",
		slog.Float64("soc", state.BatterySOC),
		slog.Float64("pvKW", state.PVKW),
		slog.Float64("loadKW", state.LoadKW),
		slog.Float64("gridKW", state.GridKW),
		slog.Float64("batteryKW", state.BatteryKW),
		slog.Float64("usableWH", state.UsableEnergyWH),
	)

	return state, nil
}

// WriteGridBoostSOC sets the Time-of-Use block 1 state of charge. The sell
// time from the last settings read is echoed back unchanged.
func (s *SolArk) WriteGridBoostSOC(ctx context.Context, mode types.BoostMode, value int) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown boost mode: %s", mode)
	}
	if value < 0 || value > 100 {
		return fmt.Errorf("grid boost soc out of range: %d", value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inverterSN == "" {
		return errors.New("not authenticated")
	}

	switch mode {
	case types.BoostModeOff:
		log.Ctx(ctx).InfoContext(ctx, "grid boost is off, not writing soc setting")
		return nil
	case types.BoostModeTesting:
		log.Ctx(ctx).InfoContext(ctx, "testing mode, skipping grid boost write", slog.Int("soc", value))
		return nil
	}

	if !s.boostEnabled {
		log.Ctx(ctx).InfoContext(ctx, "inverter tou block 1 is disabled, not writing soc setting")
		return nil
	}

	boostStart := s.boostStart
	if boostStart == "" {
		boostStart = defaultBoostStart
	}

	body := map[string]string{
		"cap1":      strconv.Itoa(value),
		"sellTime1": boostStart,
		"time1on":   "true",
	}

	path := fmt.Sprintf("/api/v1/common/setting/%s/set", s.inverterSN)
	if err := s.doRequest(ctx, "POST", path, nil, body, nil); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to write grid boost soc", slog.Any("error", err))
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "grid boost written",
		slog.Int("soc", value),
		slog.String("start", boostStart),
		slog.String("mode", string(mode)),
	)
	return nil
}
