package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"chessvault/internal/marketplace"
)

const (
	currency             = "usd"
	visionaryPriceCents  = 900 // $9/month
	sessionSearchWindow  = 100
	visionaryProductName = "Visionary membership"
)

// Client implements marketplace.PaymentProvider on top of Stripe Checkout.
// It only ever creates sessions and reads them back; Stripe stays the
// system of record for payment state.
type Client struct {
	api          *client.API
	checkoutBase string
}

func New(secretKey, checkoutBaseURL string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api, checkoutBase: checkoutBaseURL}
}

var _ marketplace.PaymentProvider = (*Client)(nil)

func (c *Client) CreatePurchaseCheckout(ctx context.Context, l marketplace.Listing, buyerID string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(l.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Chess visualization " + l.VisualizationID),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(c.checkoutBase + "/marketplace?purchase=success&listing=" + l.ID),
		CancelURL:  stripe.String(c.checkoutBase + "/marketplace?purchase=cancelled&listing=" + l.ID),
	}
	params.Context = ctx
	params.AddMetadata("listing_id", l.ID)
	params.AddMetadata("buyer_id", buyerID)
	params.AddMetadata("visualization_id", l.VisualizationID)

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe checkout create: %w", err)
	}
	return sess.URL, nil
}

func (c *Client) FindPaidPurchase(ctx context.Context, listingID string) (marketplace.CheckoutSession, error) {
	listParams := &stripe.CheckoutSessionListParams{}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(sessionSearchWindow)

	it := c.api.CheckoutSessions.List(listParams)
	for it.Next() {
		cs := it.CheckoutSession()
		if cs.Metadata["listing_id"] != listingID {
			continue
		}
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			continue
		}
		return marketplace.CheckoutSession{
			ID:          cs.ID,
			ListingID:   listingID,
			BuyerID:     cs.Metadata["buyer_id"],
			Paid:        true,
			AmountCents: cs.AmountTotal,
		}, nil
	}
	if err := it.Err(); err != nil {
		return marketplace.CheckoutSession{}, fmt.Errorf("stripe checkout list: %w", err)
	}
	return marketplace.CheckoutSession{}, marketplace.ErrPaymentNotFound
}

func (c *Client) CreateSubscriptionCheckout(ctx context.Context, userID string) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(visionaryPriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(visionaryProductName),
				},
				Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripe.String("month"),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(c.checkoutBase + "/membership?status=success"),
		CancelURL:  stripe.String(c.checkoutBase + "/membership?status=cancelled"),
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe subscription checkout: %w", err)
	}
	return sess.URL, nil
}

func (c *Client) FindPaidSubscription(ctx context.Context, userID string) (marketplace.CheckoutSession, error) {
	listParams := &stripe.CheckoutSessionListParams{}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(sessionSearchWindow)

	it := c.api.CheckoutSessions.List(listParams)
	for it.Next() {
		cs := it.CheckoutSession()
		if cs.Metadata["user_id"] != userID {
			continue
		}
		if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			continue
		}
		return marketplace.CheckoutSession{
			ID:          cs.ID,
			UserID:      userID,
			Paid:        true,
			AmountCents: cs.AmountTotal,
		}, nil
	}
	if err := it.Err(); err != nil {
		return marketplace.CheckoutSession{}, fmt.Errorf("stripe checkout list: %w", err)
	}
	return marketplace.CheckoutSession{}, marketplace.ErrPaymentNotFound
}
