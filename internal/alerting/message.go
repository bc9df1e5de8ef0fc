package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"whale-alerts/internal/event"
	"whale-alerts/internal/tier"
)

// AlertTimeLayout is the wall-clock format shown in alerts.
const AlertTimeLayout = "2006-01-02 15:04:05"

// Message is a rendered alert ready for a sink.
type Message struct {
	Destination string
	Title       string
	Body        string
	Tier        tier.Tier
	Color       int
	Timestamp   time.Time
}

// Text joins title and body.
func (m Message) Text() string {
	if m.Body == "" {
		return m.Title
	}
	return m.Title + "\n" + m.Body
}

// Renderer turns classified events into messages.
type Renderer struct {
	Destination   string
	ExplorerTxURL string
}

var usdPrinter = message.NewPrinter(language.English)

// FormatUSD renders amount as "$12,345.67".
func FormatUSD(amount decimal.Decimal) string {
	return "$" + usdPrinter.Sprintf("%.2f", amount.Round(2).InexactFloat64())
}

// Render builds the alert for ev.
func (r Renderer) Render(ev event.Classified) Message {
	title := fmt.Sprintf("%s **%s ALERT!**", ev.Tier.Emoji(), strings.ToUpper(ev.Tier.Label()))

	var b strings.Builder
	fmt.Fprintf(&b, "💰 **%s %s**\n", FormatUSD(ev.MagnitudeUSD), ev.Kind.Label())
	fmt.Fprintf(&b, "📊 **Pool:** %s\n", ev.Pool.Pair())
	fmt.Fprintf(&b, "⏰ **Time:** %s UTC", ev.Time().Format(AlertTimeLayout))
	if link := r.txLink(ev.Tx.Hash); link != "" {
		fmt.Fprintf(&b, "\n🔗 %s", link)
	}

	return Message{
		Destination: r.Destination,
		Title:       title,
		Body:        b.String(),
		Tier:        ev.Tier,
		Color:       ev.Tier.Color(),
		Timestamp:   ev.Time(),
	}
}

func (r Renderer) txLink(hash string) string {
	base := strings.TrimSpace(r.ExplorerTxURL)
	if base == "" || hash == "" {
		return ""
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, hash)
	}
	return strings.TrimRight(base, "/") + "/" + hash
}
