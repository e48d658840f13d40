package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wxbot/internal/domain"
)

// ClassifyMarket maps a security code to its market by prefix rules.
// ETF and LOF prefixes run before the Hong Kong length rule; mainland
// stock prefixes run after it, so five-digit codes like 00700 stay
// Hong Kong.
func ClassifyMarket(code string) domain.Market {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch {
	case hasAnyPrefix(code, "51", "56", "58", "15"):
		return domain.MarketETF
	case hasAnyPrefix(code, "16", "50"):
		return domain.MarketLOF
	case len(code) == 5 && allDigits(code):
		return domain.MarketHK
	case hasAnyPrefix(code, "60", "68", "00", "30"):
		return domain.MarketA
	default:
		return domain.MarketUS
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// StockData fetches daily quote history from an AKTools server, the
// HTTP front end for akshare. Each market maps to one of its public
// endpoints.
type StockData struct {
	apiBase  string
	lookback time.Duration
	client   *http.Client
	logger   *slog.Logger
}

type StockDataConfig struct {
	APIBase  string
	Lookback time.Duration // history window, defaults to 180 days
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewStockData(cfg StockDataConfig) *StockData {
	if cfg.APIBase == "" {
		cfg.APIBase = "http://127.0.0.1:8080"
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 180 * 24 * time.Hour
	}
	return &StockData{
		apiBase:  strings.TrimRight(cfg.APIBase, "/"),
		lookback: cfg.Lookback,
		client:   SharedHTTPClient(cfg.Timeout),
		logger:   cfg.Logger,
	}
}

func (s *StockData) Name() string { return "stockdata" }

func (s *StockData) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.apiBase+"/api/public", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stockdata not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("stockdata returned %d", resp.StatusCode)
	}
	return nil
}

// eastmoney-sourced endpoints share one Chinese-keyed row shape
type cnCandleRow struct {
	Date      string  `json:"日期"`
	Open      float64 `json:"开盘"`
	Close     float64 `json:"收盘"`
	High      float64 `json:"最高"`
	Low       float64 `json:"最低"`
	Volume    float64 `json:"成交量"`
	ChangePct float64 `json:"涨跌幅"`
	Turnover  float64 `json:"换手率"`
}

type usCandleRow struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func endpointFor(market domain.Market) string {
	switch market {
	case domain.MarketETF:
		return "fund_etf_hist_em"
	case domain.MarketLOF:
		return "fund_lof_hist_em"
	case domain.MarketHK:
		return "stock_hk_hist"
	case domain.MarketUS:
		return "stock_us_daily"
	default:
		return "stock_zh_a_hist"
	}
}

// DailyCandles returns forward-adjusted daily history for the code,
// oldest first, covering the configured lookback window.
func (s *StockData) DailyCandles(ctx context.Context, code string, market domain.Market) ([]domain.Candle, error) {
	if market == domain.MarketHK {
		for len(code) < 5 {
			code = "0" + code
		}
	}

	params := url.Values{}
	params.Set("symbol", code)
	params.Set("adjust", "qfq")
	if market != domain.MarketUS {
		now := time.Now()
		params.Set("period", "daily")
		params.Set("start_date", now.Add(-s.lookback).Format("20060102"))
		params.Set("end_date", now.Format("20060102"))
	}

	reqURL := s.apiBase + "/api/public/" + endpointFor(market) + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("stockdata request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("stockdata", resp)
	}

	if market == domain.MarketUS {
		var rows []usCandleRow
		if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
			return nil, &domain.ProviderError{Provider: "stockdata", Message: fmt.Sprintf("decode: %v", err)}
		}
		// The US endpoint has no date filter; trim to the window here.
		if len(rows) > 180 {
			rows = rows[len(rows)-180:]
		}
		candles := make([]domain.Candle, len(rows))
		for i, r := range rows {
			candles[i] = domain.Candle{Date: trimDate(r.Date), Open: r.Open, Close: r.Close, High: r.High, Low: r.Low, Volume: r.Volume}
		}
		return candles, nil
	}

	var rows []cnCandleRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &domain.ProviderError{Provider: "stockdata", Message: fmt.Sprintf("decode: %v", err)}
	}
	candles := make([]domain.Candle, len(rows))
	for i, r := range rows {
		candles[i] = domain.Candle{
			Date:      trimDate(r.Date),
			Open:      r.Open,
			Close:     r.Close,
			High:      r.High,
			Low:       r.Low,
			Volume:    r.Volume,
			ChangePct: r.ChangePct,
			Turnover:  r.Turnover,
		}
	}
	return candles, nil
}

// trimDate cuts an ISO timestamp down to its date part.
func trimDate(s string) string {
	if i := strings.IndexByte(s, 'T'); i > 0 {
		return s[:i]
	}
	return s
}
