package indicator

import (
	"errors"
	"math"

	"wxbot/internal/domain"
)

// minCandles covers the 20-day windows plus the leading close a daily
// return needs.
const minCandles = 21

// ErrInsufficientHistory means the series is too short for the 20-day
// indicator windows.
var ErrInsufficientHistory = errors.New("insufficient quote history")

// Summary holds the derived indicators, signals and the composite
// score for one security.
type Summary struct {
	LatestClose    float64
	LatestChange   float64
	LatestTurnover float64
	MA5            float64
	MA10           float64
	MA20           float64
	RSI            float64
	MACD           float64
	Signal         float64
	Volatility     float64
	Trend          string
	RSISignal      string
	MACDSignal     string
	VolumeTrend    string
	Score          int
	Recommendation string
}

// Analyze derives indicators and signals from daily history, oldest
// candle first.
func Analyze(candles []domain.Candle) (*Summary, error) {
	if len(candles) < minCandles {
		return nil, ErrInsufficientHistory
	}

	closes := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	macd, signal := MACD(closes)
	latest := candles[len(candles)-1]
	s := &Summary{
		LatestClose:    latest.Close,
		LatestChange:   latest.ChangePct,
		LatestTurnover: latest.Turnover,
		MA5:            MA(closes, 5),
		MA10:           MA(closes, 10),
		MA20:           MA(closes, 20),
		RSI:            RSI(closes, 14),
		MACD:           macd,
		Signal:         signal,
		Volatility:     Volatility(closes),
	}

	if s.MA5 > s.MA20 {
		s.Trend = "上升"
	} else {
		s.Trend = "下降"
	}
	switch {
	case s.RSI > 70:
		s.RSISignal = "超买"
	case s.RSI < 30:
		s.RSISignal = "超卖"
	default:
		s.RSISignal = "中性"
	}
	if s.MACD > s.Signal {
		s.MACDSignal = "买入"
	} else {
		s.MACDSignal = "卖出"
	}
	if mean(volumes[len(volumes)-5:]) > mean(volumes[len(volumes)-20:]) {
		s.VolumeTrend = "放量"
	} else {
		s.VolumeTrend = "缩量"
	}

	score := 0
	if s.Trend == "上升" {
		score += 30
	}
	if s.RSI > 30 && s.RSI < 70 {
		score += 20
	}
	if s.MACDSignal == "买入" {
		score += 20
	}
	if s.VolumeTrend == "放量" {
		score += 15
	}
	if s.Volatility < 30 {
		score += 15
	}
	s.Score = score
	s.Recommendation = recommendationFor(score)

	return s, nil
}

// Trail holds the last n per-day values of each indicator, oldest
// first. Prompts use it to show how the indicators moved, not just
// where they ended up.
type Trail struct {
	RSI        []float64
	MACD       []float64
	Signal     []float64
	MA5        []float64
	MA10       []float64
	MA20       []float64
	Volatility []float64
}

// TrailOf computes per-day indicator series over the history and keeps
// the last n values of each. Days whose window reaches past the start
// of the series are NaN.
func TrailOf(candles []domain.Candle, n int) (*Trail, error) {
	if len(candles) < minCandles {
		return nil, ErrInsufficientHistory
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	ema12 := ema(closes, 12)
	ema26 := ema(closes, 26)
	diff := make([]float64, len(closes))
	for i := range closes {
		diff[i] = ema12[i] - ema26[i]
	}
	signal := ema(diff, 9)

	daily := func(f func(prefix []float64) float64) []float64 {
		out := make([]float64, len(closes))
		for i := range closes {
			out[i] = f(closes[:i+1])
		}
		return out
	}

	return &Trail{
		RSI:        lastN(daily(func(p []float64) float64 { return RSI(p, 14) }), n),
		MACD:       lastN(diff, n),
		Signal:     lastN(signal, n),
		MA5:        lastN(daily(func(p []float64) float64 { return MA(p, 5) }), n),
		MA10:       lastN(daily(func(p []float64) float64 { return MA(p, 10) }), n),
		MA20:       lastN(daily(func(p []float64) float64 { return MA(p, 20) }), n),
		Volatility: lastN(daily(Volatility), n),
	}, nil
}

func lastN(values []float64, n int) []float64 {
	if n > 0 && len(values) > n {
		values = values[len(values)-n:]
	}
	return append([]float64(nil), values...)
}

func recommendationFor(score int) string {
	switch {
	case score >= 80:
		return "强烈推荐买入"
	case score >= 60:
		return "建议买入"
	case score >= 40:
		return "建议观望"
	case score >= 20:
		return "建议减持"
	default:
		return "建议卖出"
	}
}

// MA returns the simple moving average of the last n values, or NaN
// when the series is shorter than n.
func MA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return math.NaN()
	}
	return mean(values[len(values)-n:])
}

// RSI returns the relative strength index over the trailing period,
// using simple averages of gains and losses. A flat series has no
// strength to measure and yields NaN, which reads as neutral.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return math.NaN()
	}
	var gain, loss float64
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	if loss == 0 {
		if gain == 0 {
			return math.NaN()
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// MACD returns the latest MACD value and its signal line, from 12/26
// period EMAs with a 9 period signal.
func MACD(closes []float64) (macd, signal float64) {
	if len(closes) == 0 {
		return math.NaN(), math.NaN()
	}
	ema12 := ema(closes, 12)
	ema26 := ema(closes, 26)
	diff := make([]float64, len(closes))
	for i := range closes {
		diff[i] = ema12[i] - ema26[i]
	}
	signalSeries := ema(diff, 9)
	return diff[len(diff)-1], signalSeries[len(signalSeries)-1]
}

// ema computes the recursive exponential moving average series with
// alpha = 2/(span+1), seeded from the first value.
func ema(values []float64, span int) []float64 {
	alpha := 2.0 / float64(span+1)
	out := make([]float64, len(values))
	for i, v := range values {
		if i == 0 {
			out[0] = v
			continue
		}
		out[i] = alpha*v + (1-alpha)*out[i-1]
	}
	return out
}

// Volatility returns annualized volatility in percent: the sample
// standard deviation of the last 20 daily returns scaled by sqrt(252).
func Volatility(closes []float64) float64 {
	const window = 20
	if len(closes) < window+1 {
		return math.NaN()
	}
	returns := make([]float64, 0, window)
	for i := len(closes) - window; i < len(closes); i++ {
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	return stddev(returns) * math.Sqrt(252) * 100
}

// stddev is the sample standard deviation (n-1 denominator).
func stddev(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return math.NaN()
	}
	m := mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / (n - 1))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
