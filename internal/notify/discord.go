package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"chessvault/internal/auth"
	"chessvault/internal/marketplace"
)

// UserDirectory resolves user ids to accounts so announcements can name the
// buyer. The Supabase admin lookup implements it.
type UserDirectory interface {
	GetUserAdmin(ctx context.Context, userID string) (auth.User, error)
}

// Discord announces completed sales to a channel. Announcements are best
// effort: a failed send is logged and never fails the purchase.
type Discord struct {
	session   *discordgo.Session
	channelID string
	users     UserDirectory
	log       *slog.Logger
}

var _ marketplace.Notifier = (*Discord)(nil)

// NewDiscord builds a REST-only session; no gateway connection is opened.
// Returns nil (a no-op for the service) when the token or channel is unset.
func NewDiscord(botToken, channelID string, users UserDirectory, logger *slog.Logger) (*Discord, error) {
	if botToken == "" || channelID == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID, users: users, log: logger}, nil
}

func (d *Discord) AnnounceSale(ctx context.Context, l marketplace.Listing, buyerID string) {
	if d == nil {
		return
	}
	msg := saleMessage(l, d.buyerLabel(ctx, buyerID))
	if _, err := d.session.ChannelMessageSend(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		d.log.Warn("discord announce failed", "err", err)
	}
}

// buyerLabel prefers the buyer's email; a failed admin lookup falls back to
// the raw id rather than blocking the announcement.
func (d *Discord) buyerLabel(ctx context.Context, buyerID string) string {
	if d.users == nil {
		return buyerID
	}
	u, err := d.users.GetUserAdmin(ctx, buyerID)
	if err != nil || u.Email == "" {
		d.log.Warn("buyer lookup failed", "buyer_id", buyerID, "err", err)
		return buyerID
	}
	return u.Email
}

func saleMessage(l marketplace.Listing, buyer string) string {
	if l.PriceCents == 0 {
		return fmt.Sprintf("Visualization %s went to %s for free.", l.VisualizationID, buyer)
	}
	return fmt.Sprintf("Visualization %s sold to %s for $%.2f.", l.VisualizationID, buyer, float64(l.PriceCents)/100)
}
