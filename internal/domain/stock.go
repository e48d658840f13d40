package domain

// Market identifies which exchange a security code trades on.
type Market string

const (
	MarketA   Market = "A"
	MarketETF Market = "ETF"
	MarketLOF Market = "LOF"
	MarketHK  Market = "HK"
	MarketUS  Market = "US"
)

// Candle is one day of quote history. ChangePct and Turnover are only
// filled by mainland data sources.
type Candle struct {
	Date      string
	Open      float64
	Close     float64
	High      float64
	Low       float64
	Volume    float64
	ChangePct float64
	Turnover  float64
}
