package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"wxbot/internal/domain"
	"wxbot/internal/indicator"
	"wxbot/internal/provider"
)

const trailDays = 20

// quoteSource fetches daily history for a security code.
type quoteSource interface {
	DailyCandles(ctx context.Context, code string, market domain.Market) ([]domain.Candle, error)
}

// deepAnalyzer turns the assembled market data into a narrative
// reading. Backed by Dify when configured.
type deepAnalyzer interface {
	ChatBlocking(ctx context.Context, query, user string) (string, error)
}

// reportRenderer draws a text report as a PNG for channels where an
// image reads better than a wall of text.
type reportRenderer interface {
	TextToPNG(ctx context.Context, title, body string) ([]byte, error)
}

// StockPlugin answers "分析 600519" style commands with a technical
// analysis report, optionally followed by an AI reading of the same
// data. One analysis per chat runs at a time.
type StockPlugin struct {
	name      string
	priority  int
	enabled   bool
	pattern   *regexp.Regexp
	imageDir  string
	quotes    quoteSource
	analyzer  deepAnalyzer
	renderer  reportRenderer
	gate      *Gate
	responder domain.Responder
	logger    *slog.Logger

	mu   sync.Mutex
	busy map[string]struct{}
}

type StockDeps struct {
	Manifest  *Manifest
	Quotes    quoteSource
	Analyzer  deepAnalyzer // nil disables the AI follow-up
	Renderer  reportRenderer
	ImageDir  string
	Ledger    domain.CreditLedger
	Responder domain.Responder
	Logger    *slog.Logger
}

func NewStockPlugin(d StockDeps) *StockPlugin {
	m := d.Manifest

	commands := m.Commands
	if len(commands) == 0 {
		commands = []string{"分析股票", "股票分析", "分析", "analyze"}
	}
	quoted := make([]string, len(commands))
	for i, c := range commands {
		quoted[i] = regexp.QuoteMeta(c)
	}
	pattern := regexp.MustCompile(`^(` + strings.Join(quoted, "|") + `)\s*([0-9A-Za-z]{4,8})$`)

	gate := NewGate(GateConfig{
		Plugin:      m.Name,
		Price:       m.Price,
		AdminIgnore: m.AdminIgnore,
		Ledger:      d.Ledger,
		Responder:   d.Responder,
		Logger:      d.Logger,
	})

	return &StockPlugin{
		name:      m.Name,
		priority:  m.Priority,
		enabled:   m.IsEnabled(),
		pattern:   pattern,
		imageDir:  d.ImageDir,
		quotes:    d.Quotes,
		analyzer:  d.Analyzer,
		renderer:  d.Renderer,
		gate:      gate,
		responder: d.Responder,
		logger:    d.Logger,
		busy:      make(map[string]struct{}),
	}
}

func (p *StockPlugin) Name() string { return p.name }

func (p *StockPlugin) Priority() int { return p.priority }

func (p *StockPlugin) Enabled() bool { return p.enabled }

func (p *StockPlugin) Handle(ctx context.Context, msg domain.InboundMessage) (domain.DispatchResult, error) {
	m := p.pattern.FindStringSubmatch(strings.TrimSpace(msg.Content))
	if m == nil {
		return domain.NotHandled, nil
	}
	code := m[2]

	if !p.begin(msg.ChatID) {
		p.responder.ReplyText(msg, "已有一个分析任务正在进行，请稍后再试。")
		return domain.Handled, nil
	}
	defer p.finish(msg.ChatID)

	free, err := p.gate.Allow(ctx, msg)
	if err != nil {
		return p.gate.Deny(msg, err)
	}

	p.responder.ReplyText(msg, "正在分析股票数据，请稍候...")

	market := provider.ClassifyMarket(code)
	candles, err := p.quotes.DailyCandles(ctx, code, market)
	if err != nil {
		p.logger.Error("quote fetch failed", "code", code, "err", err)
		p.responder.ReplyText(msg, fmt.Sprintf("无法获取 %s 的数据，请确认代码是否正确。", code))
		return domain.HandledWithError, err
	}

	summary, err := indicator.Analyze(candles)
	if err != nil {
		p.responder.ReplyText(msg, fmt.Sprintf("无法计算 %s 的技术指标。", code))
		return domain.Handled, nil
	}
	trail, err := indicator.TrailOf(candles, trailDays)
	if err != nil {
		p.responder.ReplyText(msg, fmt.Sprintf("无法计算 %s 的技术指标。", code))
		return domain.Handled, nil
	}

	// The AI pass takes the longest, so it runs while the technical
	// report is rendered and sent.
	var aiCh chan string
	if p.analyzer != nil {
		aiCh = make(chan string, 1)
		query := difyQuery(code, market, summary, trail, candles)
		go func() {
			answer, err := p.analyzer.ChatBlocking(ctx, query, "stock_analysis")
			if err != nil {
				p.logger.Error("deep analysis failed", "code", code, "err", err)
				answer = ""
			}
			aiCh <- answer
		}()
	}

	report := buildReport(code, market, summary, time.Now())
	if !p.sendAsImage(ctx, msg, code+" 分析报告", report) {
		p.responder.ReplyText(msg, report)
	}

	if aiCh != nil {
		if answer := <-aiCh; answer != "" {
			if !p.sendAsImage(ctx, msg, code+" AI深度分析", answer) {
				p.responder.ReplyText(msg, "\n\n【AI 深度分析】\n"+answer)
			}
		}
	}

	p.gate.Settle(ctx, msg, free)
	return domain.Handled, nil
}

// begin claims the chat's analysis slot. It returns false when an
// earlier analysis for the same chat is still running.
func (p *StockPlugin) begin(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, inFlight := p.busy[chatID]; inFlight {
		return false
	}
	p.busy[chatID] = struct{}{}
	return true
}

func (p *StockPlugin) finish(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.busy, chatID)
}

// sendAsImage renders the report to a PNG on disk and sends the file
// reference. It reports false when the caller should fall back to a
// plain text reply.
func (p *StockPlugin) sendAsImage(ctx context.Context, msg domain.InboundMessage, title, body string) bool {
	if p.renderer == nil {
		return false
	}
	png, err := p.renderer.TextToPNG(ctx, title, body)
	if err != nil {
		p.logger.Warn("report rendering failed, replying as text", "title", title, "err", err)
		return false
	}
	path, err := p.saveImage(png)
	if err != nil {
		p.logger.Warn("report image write failed, replying as text", "err", err)
		return false
	}
	p.responder.ReplyImage(msg, path)
	return true
}

func (p *StockPlugin) saveImage(png []byte) (string, error) {
	if err := os.MkdirAll(p.imageDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(p.imageDir, uuid.NewString()+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// buildReport lays out the technical analysis the way it reads well
// both as rendered image and as plain chat text.
func buildReport(code string, market domain.Market, s *indicator.Summary, now time.Time) string {
	var b strings.Builder

	switch market {
	case domain.MarketETF, domain.MarketLOF:
		fmt.Fprintf(&b, "【%s基金分析报告】\n\n", market)
	case domain.MarketHK:
		b.WriteString("【港股分析报告】\n\n")
	case domain.MarketUS:
		b.WriteString("【美股分析报告】\n\n")
	default:
		b.WriteString("【A股分析报告】\n\n")
	}

	fmt.Fprintf(&b, "代码: %s\n", code)
	fmt.Fprintf(&b, "分析日期: %s\n", now.Format("2006-01-02 15:04:05"))

	sym := currencySymbol(market)
	if market == domain.MarketETF || market == domain.MarketLOF {
		fmt.Fprintf(&b, "最新净值: %s%.4f\n", sym, s.LatestClose)
	} else {
		fmt.Fprintf(&b, "最新价格: %s%.2f\n", sym, s.LatestClose)
	}
	fmt.Fprintf(&b, "涨跌幅: %.2f%%\n", s.LatestChange)
	if hasTurnover(market) {
		fmt.Fprintf(&b, "换手率: %.2f%%\n", s.LatestTurnover)
	}

	b.WriteString("\n【技术指标概要】\n")
	fmt.Fprintf(&b, "趋势: %s\n", s.Trend)
	fmt.Fprintf(&b, "波动率: %.2f%%\n", s.Volatility)
	fmt.Fprintf(&b, "成交量趋势: %s\n", s.VolumeTrend)
	fmt.Fprintf(&b, "RSI指标: %.2f\n", s.RSI)
	fmt.Fprintf(&b, "RSI信号: %s\n", s.RSISignal)
	fmt.Fprintf(&b, "MACD信号: %s\n\n", s.MACDSignal)

	b.WriteString("【均线分析】\n")
	fmt.Fprintf(&b, "5日均线: %.2f\n", s.MA5)
	fmt.Fprintf(&b, "10日均线: %.2f\n", s.MA10)
	fmt.Fprintf(&b, "20日均线: %.2f\n\n", s.MA20)

	b.WriteString("【投资建议】\n")
	fmt.Fprintf(&b, "综合评分: %d/100\n", s.Score)
	fmt.Fprintf(&b, "建议: %s\n\n", s.Recommendation)

	b.WriteString("【风险提示】\n")
	b.WriteString("以上分析仅供参考，投资有风险，入市需谨慎。")

	return b.String()
}

// difyQuery assembles the raw numbers the AI reading works from. The
// layout matters less than completeness here, but it stays stable so
// prompt tuning on the Dify side has something to hold on to.
func difyQuery(code string, market domain.Market, s *indicator.Summary, tr *indicator.Trail, candles []domain.Candle) string {
	var b strings.Builder

	b.WriteString("【股票数据分析请求】\n\n")
	b.WriteString("1. 基本信息：\n")
	fmt.Fprintf(&b, "代码：%s\n", code)
	b.WriteString("名称：未知\n")
	fmt.Fprintf(&b, "市场类型：%s\n", market)
	fmt.Fprintf(&b, "货币单位：%s\n\n", currencyCode(market))

	b.WriteString("2. 市场数据：\n")
	fmt.Fprintf(&b, "最新价格：%.4f\n", s.LatestClose)
	fmt.Fprintf(&b, "涨跌幅：%.2f%%\n", s.LatestChange)
	fmt.Fprintf(&b, "换手率：%.2f%%\n", s.LatestTurnover)
	fmt.Fprintf(&b, "趋势：%s\n", s.Trend)
	fmt.Fprintf(&b, "波动率：%.2f%%\n", s.Volatility)
	fmt.Fprintf(&b, "成交量趋势：%s\n\n", s.VolumeTrend)

	b.WriteString("3. 技术指标：\n")
	fmt.Fprintf(&b, "RSI(14)：%.2f\n", s.RSI)
	fmt.Fprintf(&b, "RSI信号：%s\n", s.RSISignal)
	fmt.Fprintf(&b, "MACD信号：%s\n", s.MACDSignal)
	fmt.Fprintf(&b, "MA5：%.2f\n", s.MA5)
	fmt.Fprintf(&b, "MA10：%.2f\n", s.MA10)
	fmt.Fprintf(&b, "MA20：%.2f\n\n", s.MA20)

	b.WriteString("4. 技术指标趋势（最近20个交易日）：\n")
	fmt.Fprintf(&b, "RSI趋势：%s\n", joinSeries(tr.RSI))
	fmt.Fprintf(&b, "MACD趋势：%s\n", joinSeries(tr.MACD))
	fmt.Fprintf(&b, "MACD信号线：%s\n", joinSeries(tr.Signal))
	fmt.Fprintf(&b, "MA5趋势：%s\n", joinSeries(tr.MA5))
	fmt.Fprintf(&b, "MA10趋势：%s\n", joinSeries(tr.MA10))
	fmt.Fprintf(&b, "MA20趋势：%s\n", joinSeries(tr.MA20))
	fmt.Fprintf(&b, "波动率趋势：%s\n\n", joinSeries(tr.Volatility))

	b.WriteString("5. 历史数据（近一个月交易日）：\n")
	hist := candles
	if len(hist) > trailDays {
		hist = hist[len(hist)-trailDays:]
	}
	for _, c := range hist {
		fmt.Fprintf(&b, "日期：%s, 开盘：%.4f, 收盘：%.4f, 最高：%.4f, 最低：%.4f, 成交量：%s, 涨跌幅：%.2f%%\n",
			c.Date, c.Open, c.Close, c.High, c.Low,
			strconv.FormatFloat(c.Volume, 'f', -1, 64), c.ChangePct)
	}

	b.WriteString("\n请根据以上数据进行深度分析，重点关注：\n\n")
	b.WriteString("1. 技术面分析：\n")
	b.WriteString("   - 结合K线形态和技术指标（RSI、MACD、均线系统）分析当前趋势\n")
	b.WriteString("   - 分析成交量与价格的关系，判断趋势的可信度\n")
	b.WriteString("   - 通过均线系统判断多空头排列情况\n\n")
	b.WriteString("2. 趋势研判：\n")
	b.WriteString("   - 基于历史数据分析近期支撑位和压力位\n")
	b.WriteString("   - 结合RSI和MACD指标判断可能的趋势反转点\n")
	b.WriteString("   - 评估趋势的强度和持续性\n\n")
	b.WriteString("3. 投资风险提示：\n")
	b.WriteString("   - 基于波动率和换手率分析当前风险水平\n")
	b.WriteString("   - 结合技术指标给出风险预警信号\n")
	b.WriteString("   - 评估当前价格位置的风险收益比\n\n")
	b.WriteString("4. 具体操作建议：\n")
	b.WriteString("   - 给出明确的操作方向（买入/卖出/观望）\n")
	b.WriteString("   - 建议具体的买卖价格区间\n")
	b.WriteString("   - 设置合理的止损位和目标价位\n\n")
	b.WriteString("请结合所有数据，给出专业、具体且可操作的建议。")

	return b.String()
}

func joinSeries(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strings.Join(parts, ", ")
}

func currencySymbol(market domain.Market) string {
	switch market {
	case domain.MarketHK:
		return "HK$"
	case domain.MarketUS:
		return "$"
	default:
		return "¥"
	}
}

func currencyCode(market domain.Market) string {
	switch market {
	case domain.MarketHK:
		return "HKD"
	case domain.MarketUS:
		return "USD"
	default:
		return "CNY"
	}
}

// hasTurnover reports whether the market's data source fills turnover,
// which only the mainland feeds do.
func hasTurnover(market domain.Market) bool {
	switch market {
	case domain.MarketA, domain.MarketETF, domain.MarketLOF:
		return true
	}
	return false
}
