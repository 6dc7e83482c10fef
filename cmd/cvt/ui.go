package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chessvault/internal/market"
	"chessvault/internal/marketplace"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type galleryPayload struct {
	Visualizations []marketplace.Visualization `json:"visualizations"`
}

type listingsPayload struct {
	Listings []marketplace.Listing `json:"listings"`
}

type signalsPayload struct {
	Signals   []market.Snapshot `json:"signals"`
	Regime    string            `json:"regime"`
	Synthetic bool              `json:"synthetic"`
}

type checkoutPayload struct {
	URL string `json:"url"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo when stdin is a terminal; piped input
// falls back to a plain line read.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		text := strings.TrimSpace(string(raw))
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptFloat(label string, min float64) (float64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			printWarn("Enter a valid number.")
			continue
		}
		if v <= min {
			printWarn(fmt.Sprintf("Value must be > %.2f", min))
			continue
		}
		return v, nil
	}
}

func renderProfile(raw map[string]any) error {
	p, err := decodeInto[marketplace.Profile](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== PROFILE ==")
	fmt.Printf("Username:   %s\n", p.Username)
	fmt.Printf("Email:      %s\n", p.Email)
	if p.Visionary(time.Now().UTC()) {
		fmt.Printf("Membership: %s (until %s)\n", success.Sprint("visionary"), p.MembershipExpiresAt.Format("2006-01-02"))
	} else {
		fmt.Printf("Membership: %s\n", neutral.Sprint("free"))
	}
	return nil
}

func renderDashboard(raw map[string]any) error {
	d, err := decodeInto[marketplace.Dashboard](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== VAULT DASHBOARD ==")
	fmt.Printf("Collector:      %s\n", d.Profile.Username)
	fmt.Printf("Visualizations: %d\n", len(d.Visualizations))
	fmt.Printf("Open listings:  %d\n", len(d.OpenListings))

	if len(d.OpenListings) > 0 {
		fmt.Println()
		accent.Println("Open Listings")
		fmt.Printf("%-36s %-36s %12s\n", "LISTING", "VISUALIZATION", "PRICE")
		for _, l := range d.OpenListings {
			fmt.Printf("%-36s %-36s %12s\n", l.ID, l.VisualizationID, formatCents(l.PriceCents))
		}
	}

	fmt.Println()
	accent.Println("Recent Transfers")
	if len(d.RecentTransfers) == 0 {
		printInfo("No transfers yet.")
		return nil
	}
	fmt.Printf("%-36s %-12s %-12s %12s %-20s\n", "VISUALIZATION", "FROM", "TO", "PRICE", "WHEN")
	for _, t := range d.RecentTransfers {
		fmt.Printf("%-36s %-12s %-12s %12s %-20s\n",
			t.VisualizationID,
			truncate(t.FromUserID, 12),
			truncate(t.ToUserID, 12),
			formatCents(t.PriceCents),
			t.TransferredAt.Format("2006-01-02 15:04"),
		)
	}
	return nil
}

func renderGallery(raw map[string]any) error {
	p, err := decodeInto[galleryPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== GALLERY ==")
	if len(p.Visualizations) == 0 {
		printInfo("Nothing saved yet. Run `cvt mint` to add one.")
		return nil
	}
	fmt.Printf("%-36s %-40s %-20s\n", "ID", "TITLE", "SAVED")
	for _, v := range p.Visualizations {
		fmt.Printf("%-36s %-40s %-20s\n", v.ID, truncate(v.Title, 40), v.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func renderVisualizationCreated(raw map[string]any) error {
	v, err := decodeInto[marketplace.Visualization](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Saved %q (id %s).", v.Title, v.ID))
	return nil
}

func renderListings(raw map[string]any) error {
	p, err := decodeInto[listingsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== MARKETPLACE ==")
	if len(p.Listings) == 0 {
		printInfo("No active listings.")
		return nil
	}
	fmt.Printf("%-36s %-36s %12s %-20s\n", "LISTING", "VISUALIZATION", "PRICE", "LISTED")
	for _, l := range p.Listings {
		fmt.Printf("%-36s %-36s %12s %-20s\n", l.ID, l.VisualizationID, formatCents(l.PriceCents), l.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func renderListingCreated(raw map[string]any) error {
	l, err := decodeInto[marketplace.Listing](raw)
	if err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Listed visualization %s at %s (listing %s).", l.VisualizationID, formatCents(l.PriceCents), l.ID))
	return nil
}

func renderPurchaseResult(raw map[string]any) error {
	r, err := decodeInto[marketplace.PurchaseResult](raw)
	if err != nil {
		return err
	}
	if r.Success {
		printSuccess(fmt.Sprintf("%s (visualization %s)", r.Message, r.VisualizationID))
		return nil
	}
	if r.CheckoutURL != "" {
		printInfo("Complete the payment in your browser, then run `cvt market confirm`.")
		renderURLWithQR(r.CheckoutURL)
		return nil
	}
	printWarn("Purchase pending.")
	return nil
}

func renderCheckoutURL(raw map[string]any, hint string) error {
	p, err := decodeInto[checkoutPayload](raw)
	if err != nil {
		return err
	}
	if p.URL == "" {
		printWarn("No checkout URL returned.")
		return nil
	}
	printInfo(hint)
	renderURLWithQR(p.URL)
	return nil
}

// renderURLWithQR prints the URL and a scannable QR code for phone checkout.
func renderURLWithQR(url string) {
	fmt.Println()
	accent.Println(url)
	fmt.Println()
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     os.Stdout,
		HalfBlocks: true,
		QuietZone:  1,
	})
}

func renderSignals(raw map[string]any) error {
	p, err := decodeInto[signalsPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== SIGNALS (regime: %s) ==\n", p.Regime)
	printWarn("Synthetic demo data. Not financial advice.")
	if len(p.Signals) == 0 {
		printInfo("No symbols seeded yet.")
		return nil
	}
	fmt.Printf("%-8s %-26s %12s %-6s %8s %8s\n", "CODE", "NAME", "PRICE", "DIR", "CONF", "RSI")
	for _, s := range p.Signals {
		fmt.Printf("%-8s %-26s %12s %-6s %7.1f%% %8.1f\n",
			s.Code,
			truncate(s.DisplayName, 26),
			formatCents(s.PriceCents),
			colorizeDirection(s.Direction),
			s.Confidence,
			s.RSI,
		)
	}
	return nil
}

func renderSignalDetail(raw map[string]any) error {
	s, err := decodeInto[market.Snapshot](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s (%s) ==\n", s.Code, s.DisplayName)
	printWarn("Synthetic demo data. Not financial advice.")
	fmt.Printf("Price:      %s\n", formatCents(s.PriceCents))
	fmt.Printf("Direction:  %s\n", colorizeDirection(s.Direction))
	fmt.Printf("Confidence: %.1f%%\n", s.Confidence)
	fmt.Printf("Short MA:   %.2f\n", s.ShortMA)
	fmt.Printf("Long MA:    %.2f\n", s.LongMA)
	fmt.Printf("RSI:        %.1f\n", s.RSI)
	fmt.Printf("Regime:     %s\n", s.Regime)
	fmt.Printf("Hue:        %d\n", s.CoherenceHue)
	if len(s.Series) > 0 {
		fmt.Printf("Ticks:      %d\n", len(s.Series))
	}
	return nil
}

func renderSimpleOK(_ map[string]any, successMessage string) error {
	printSuccess(successMessage)
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func colorizeDirection(dir string) string {
	switch dir {
	case market.DirectionUp:
		return success.Sprint("UP")
	case market.DirectionDown:
		return danger.Sprint("DOWN")
	default:
		return neutral.Sprint("FLAT")
	}
}

func formatCents(cents int64) string {
	if cents == 0 {
		return "free"
	}
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%s.%02d", sign, comma(cents/100), cents%100)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
