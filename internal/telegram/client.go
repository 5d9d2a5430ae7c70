// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// Status is the runtime summary reported by the /status command.
type Status struct {
	StartedAt      time.Time
	TrackedMarkets int
	KnownTrades    int
	LastSaved      time.Time
	Venues         []string
}

// StatusProvider supplies the /status reply.
type StatusProvider interface {
	Status() Status
}

// sender is the part of the bot API the client uses to deliver messages.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	api            *tgbotapi.BotAPI
	bot            sender
	chatID         int64
	allowedChats   map[int64]struct{}
	maxRetries     int
	retryDelayBase time.Duration
	status         StatusProvider
}

// NewClient creates a new Telegram client. Commands are answered only in
// chatID and in allowedChats.
func NewClient(botToken, chatID string, allowedChats []string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	allowed := map[int64]struct{}{chatIDInt: {}}
	for _, id := range allowedChats {
		n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed chat ID %q: %w", id, err)
		}
		allowed[n] = struct{}{}
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.api = bot
	c.allowedChats = allowed
	return c, nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		allowedChats:   map[int64]struct{}{chatID: {}},
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SetStatusProvider wires the source of /status replies.
func (c *Client) SetStatusProvider(p StatusProvider) {
	c.status = p
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	if c.api == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.api.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if _, ok := c.allowedChats[msg.Chat.ID]; !ok {
		logger.Debug("Ignoring /%s from unauthorized chat %d", msg.Command(), msg.Chat.ID)
		return
	}

	var reply tgbotapi.MessageConfig
	switch msg.Command() {
	case "ping":
		reply = tgbotapi.NewMessage(msg.Chat.ID, "Pong")
	case "status":
		if c.status == nil {
			reply = tgbotapi.NewMessage(msg.Chat.ID, "Status unavailable")
			break
		}
		reply = tgbotapi.NewMessage(msg.Chat.ID, formatStatus(c.status.Status()))
		reply.ParseMode = "MarkdownV2"
	default:
		return
	}
	if _, err := c.bot.Send(reply); err != nil {
		logger.Warn("Failed to reply to /%s: %v", msg.Command(), err)
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(ctx context.Context, venue string, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *%s polling error*\n`%s`", escapeMarkdownV2(venue), escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(ctx context.Context, venue string, failureCount int) error {
	text := fmt.Sprintf("✅ *%s polling recovered* after %d consecutive failure\\(s\\)", escapeMarkdownV2(venue), failureCount)
	return c.sendMarkdownV2(ctx, text)
}

// SendStatus posts the status summary to the notification chat.
func (c *Client) SendStatus(ctx context.Context, s Status) error {
	return c.sendMarkdownV2(ctx, formatStatus(s))
}

// NotifyAnomaly sends a spike or volume surge alert.
func (c *Client) NotifyAnomaly(ctx context.Context, sig models.AnomalySignal) error {
	var text string
	switch sig.Kind {
	case models.KindVolumeSurge:
		text = formatVolumeSurge(sig)
	default:
		text = formatSpike(sig)
	}
	return c.sendMarkdownV2(ctx, text)
}

// NotifyChange sends a probability change or new market alert. Plain updates are ignored.
func (c *Client) NotifyChange(ctx context.Context, ev models.ChangeEvent) error {
	switch {
	case ev.Signal != nil:
		return c.sendMarkdownV2(ctx, formatChange(*ev.Signal))
	case ev.Kind == models.ChangeNewMarket:
		return c.sendMarkdownV2(ctx, formatNewMarket(ev.Market))
	default:
		return nil
	}
}

// NotifyTrade sends a large trade alert.
func (c *Client) NotifyTrade(ctx context.Context, alert models.TradeAlert) error {
	return c.sendMarkdownV2(ctx, formatTrade(alert))
}

func marketLink(m models.MarketSnapshot) string {
	title := m.Title
	if title == "" {
		title = m.MarketID
	}
	if m.URL == "" {
		return escapeMarkdownV2(title)
	}
	return fmt.Sprintf("[%s](%s)", escapeMarkdownV2(title), escapeLinkURL(m.URL))
}

func pct(p float64) string {
	return escapeMarkdownV2(fmt.Sprintf("%.1f%%", p*100))
}

func timestamp(t time.Time) string {
	return escapeMarkdownV2(t.UTC().Format("2006-01-02 15:04:05 UTC"))
}

func formatSpike(sig models.AnomalySignal) string {
	var b strings.Builder
	b.WriteString("🚨 *Probability spike*\n\n")
	fmt.Fprintf(&b, "%s\n", marketLink(sig.Market))
	fmt.Fprintf(&b, "Platform: %s\n", escapeMarkdownV2(strings.ToUpper(sig.Market.Venue)))

	ref := sig.PreviousMean
	refLabel := "1h mean"
	if sig.Method == models.MethodPercentageWindow {
		ref = sig.PreviousProbability
		refLabel = "window start"
	}
	fmt.Fprintf(&b, "YES: %s → *%s* \\(%s\\)\n", pct(ref), pct(sig.CurrentProbability), escapeMarkdownV2(refLabel))
	fmt.Fprintf(&b, "Change: %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f%%", sig.ChangePercentage)))
	if sig.ZScore != nil {
		fmt.Fprintf(&b, "Z\\-score: %s\n", escapeMarkdownV2(fmt.Sprintf("%.2f", *sig.ZScore)))
	}
	fmt.Fprintf(&b, "Method: `%s`\n", escapeMarkdownV2(string(sig.Method)))
	fmt.Fprintf(&b, "📅 %s", timestamp(sig.DetectedAt))
	return b.String()
}

func formatVolumeSurge(sig models.AnomalySignal) string {
	var b strings.Builder
	b.WriteString("📊 *Volume surge*\n\n")
	fmt.Fprintf(&b, "%s\n", marketLink(sig.Market))
	fmt.Fprintf(&b, "Platform: %s\n", escapeMarkdownV2(strings.ToUpper(sig.Market.Venue)))
	fmt.Fprintf(&b, "Volume: %s vs 1h avg %s\n",
		escapeMarkdownV2(formatUSD(sig.CurrentVolume)), escapeMarkdownV2(formatUSD(sig.AverageVolume)))
	fmt.Fprintf(&b, "Multiplier: *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.2fx", sig.Multiplier)))
	fmt.Fprintf(&b, "📅 %s", timestamp(sig.DetectedAt))
	return b.String()
}

func formatChange(sig models.AnomalySignal) string {
	emoji := "📈"
	if sig.Direction == models.DirectionNo {
		emoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *Odds moved*\n\n", emoji)
	fmt.Fprintf(&b, "%s\n", marketLink(sig.Market))
	fmt.Fprintf(&b, "Platform: %s\n", escapeMarkdownV2(strings.ToUpper(sig.Market.Venue)))
	fmt.Fprintf(&b, "*%s* moved %s \\(now %s\\)\n",
		sig.Direction, escapeMarkdownV2(fmt.Sprintf("+%.1fpp", sig.ChangePercentage)), pct(sig.DirectionProbability))
	fmt.Fprintf(&b, "YES: %s → %s\n", pct(sig.PreviousProbability), pct(sig.CurrentProbability))
	fmt.Fprintf(&b, "NO: %s → %s\n", pct(1-sig.PreviousProbability), pct(1-sig.CurrentProbability))
	fmt.Fprintf(&b, "📅 %s", timestamp(sig.DetectedAt))
	return b.String()
}

func formatNewMarket(m models.MarketSnapshot) string {
	var b strings.Builder
	b.WriteString("🆕 *New market*\n\n")
	fmt.Fprintf(&b, "%s\n", marketLink(m))
	fmt.Fprintf(&b, "Platform: %s\n", escapeMarkdownV2(strings.ToUpper(m.Venue)))
	fmt.Fprintf(&b, "Initial YES: %s\n", pct(m.Probability))
	if len(m.Tags) > 0 {
		tags := m.Tags
		suffix := ""
		if len(tags) > 5 {
			suffix = fmt.Sprintf(" (+%d more)", len(tags)-5)
			tags = tags[:5]
		}
		fmt.Fprintf(&b, "Tags: %s\n", escapeMarkdownV2(strings.Join(tags, ", ")+suffix))
	}
	if m.Volume != nil {
		fmt.Fprintf(&b, "Volume: %s\n", escapeMarkdownV2(formatUSD(*m.Volume)))
	}
	if !m.CloseAt.IsZero() {
		fmt.Fprintf(&b, "Closes: %s\n", escapeMarkdownV2(m.CloseAt.UTC().Format("2006-01-02")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatTrade(alert models.TradeAlert) string {
	t := alert.Trade

	var b strings.Builder
	b.WriteString("🐋 *Large trade*\n\n")
	if alert.EventURL != "" {
		fmt.Fprintf(&b, "[%s](%s)\n", escapeMarkdownV2(alert.EventTitle), escapeLinkURL(alert.EventURL))
	} else {
		fmt.Fprintf(&b, "%s\n", escapeMarkdownV2(alert.EventTitle))
	}
	if t.Title != "" && t.Title != alert.EventTitle {
		fmt.Fprintf(&b, "🎯 %s\n", escapeMarkdownV2(t.Title))
	}
	fmt.Fprintf(&b, "Value: *%s*\n", escapeMarkdownV2(formatUSD(t.USDValue)))
	side := strings.TrimSpace(t.Side + " " + t.Outcome)
	if side != "" {
		fmt.Fprintf(&b, "Side: %s\n", escapeMarkdownV2(side))
	}
	fmt.Fprintf(&b, "Size: %s @ %s\n",
		escapeMarkdownV2(strconv.FormatFloat(t.Size, 'f', 2, 64)), escapeMarkdownV2(strconv.FormatFloat(t.Price, 'f', 4, 64)))
	if t.Timestamp > 0 {
		fmt.Fprintf(&b, "📅 %s", timestamp(time.Unix(t.Timestamp, 0)))
	} else {
		fmt.Fprintf(&b, "📅 %s", timestamp(alert.DetectedAt))
	}
	return b.String()
}

func formatStatus(s Status) string {
	var b strings.Builder
	b.WriteString("🟢 *oddswatch status*\n\n")
	if len(s.Venues) > 0 {
		fmt.Fprintf(&b, "Venues: %s\n", escapeMarkdownV2(strings.Join(s.Venues, ", ")))
	}
	fmt.Fprintf(&b, "Tracked markets: %d\n", s.TrackedMarkets)
	fmt.Fprintf(&b, "Known trades: %d\n", s.KnownTrades)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Up since: %s\n", timestamp(s.StartedAt))
	}
	if s.LastSaved.IsZero() {
		b.WriteString("Last save: never")
	} else {
		fmt.Fprintf(&b, "Last save: %s", timestamp(s.LastSaved))
	}
	return b.String()
}

// formatUSD renders v as $1,234,567.89.
func formatUSD(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "$" + b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeLinkURL escapes the characters MarkdownV2 requires inside (...) of an inline link.
func escapeLinkURL(u string) string {
	r := strings.NewReplacer(`\`, `\\`, `)`, `\)`)
	return r.Replace(u)
}
