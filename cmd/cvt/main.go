package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cl "chessvault/internal/cli"
	"chessvault/internal/config"
	"chessvault/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "cvt",
		Short:        "ChessVault terminal client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newMeCmd(&apiBase),
		newDashCmd(&apiBase),
		newGalleryCmd(&apiBase),
		newMintCmd(&apiBase),
		newMarketCmd(&apiBase),
		newMembershipCmd(&apiBase),
		newSignalsCmd(&apiBase),
		newSyncCmd(&apiBase),
		newScalpCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create a ChessVault account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			session, err := client.Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `cvt login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to ChessVault",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			session, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newMeCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show your profile and membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Me(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderProfile(out)
		},
	}
}

func newDashCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Show your vault dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Dashboard(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderDashboard(out)
		},
	}
}

func newGalleryCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gallery",
		Short: "List visualizations you own",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ListVisualizations(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderGallery(out)
		},
	}
}

func newMintCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mint",
		Short: "Save a new visualization to your vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			title, err := promptRequired("Title")
			if err != nil {
				return err
			}
			imagePath, err := promptRequired("Image path")
			if err != nil {
				return err
			}
			gamePGN, err := promptOptional("Game PGN (optional)")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreateVisualization(ctx, sess.AccessToken, title, imagePath, gamePGN)
			if err != nil {
				return err
			}
			return renderVisualizationCreated(out)
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	market := &cobra.Command{
		Use:   "market",
		Short: "Marketplace commands",
	}
	market.AddCommand(newMarketBrowseCmd(apiBase))
	market.AddCommand(newMarketListCmd(apiBase))
	market.AddCommand(newMarketDelistCmd(apiBase))
	market.AddCommand(newMarketBuyCmd(apiBase))
	market.AddCommand(newMarketConfirmCmd(apiBase))
	return market
}

func newMarketBrowseCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse active listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ListListings(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderListings(out)
		},
	}
}

func newMarketListCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list [visualization-id]",
		Short: "List a visualization for sale",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			vizID, err := idFromArgsOrPrompt(args, "Visualization ID")
			if err != nil {
				return err
			}
			dollars, err := promptFloat("Price in dollars (0 for free)", -0.01)
			if err != nil {
				return err
			}
			priceCents := int64(dollars*100 + 0.5)

			idem := uuid.NewString()
			body := map[string]any{
				"visualization_id": vizID,
				"price_cents":      priceCents,
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreateListing(ctx, sess.AccessToken, vizID, priceCents, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           "/v1/marketplace/listings",
					Body:           body,
					IdempotencyKey: idem,
				})
			}
			return renderListingCreated(out)
		},
	}
}

func newMarketDelistCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delist [listing-id]",
		Short: "Cancel one of your active listings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			listingID, err := idFromArgsOrPrompt(args, "Listing ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CancelListing(ctx, sess.AccessToken, listingID)
			if err != nil {
				return err
			}
			return renderSimpleOK(out, "Listing cancelled.")
		},
	}
}

func newMarketBuyCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "buy [listing-id]",
		Short: "Purchase a listed visualization",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			listingID, err := idFromArgsOrPrompt(args, "Listing ID")
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			body := map[string]any{"listing_id": listingID}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Purchase(ctx, sess.AccessToken, listingID, idem)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         "POST",
					Path:           "/v1/marketplace/purchase",
					Body:           body,
					IdempotencyKey: idem,
				})
			}
			return renderPurchaseResult(out)
		},
		Args: cobra.MaximumNArgs(1),
	}
}

func newMarketConfirmCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm [listing-id]",
		Short: "Finalize a paid purchase after checkout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			listingID, err := idFromArgsOrPrompt(args, "Listing ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CompletePurchase(ctx, sess.AccessToken, listingID)
			if err != nil {
				return err
			}
			return renderPurchaseResult(out)
		},
	}
}

func newMembershipCmd(apiBase *string) *cobra.Command {
	membership := &cobra.Command{
		Use:   "membership",
		Short: "Visionary membership commands",
	}
	membership.AddCommand(&cobra.Command{
		Use:   "subscribe",
		Short: "Start a Visionary subscription checkout",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Subscribe(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderCheckoutURL(out, "Open this URL to subscribe, then run `cvt membership confirm`.")
		},
	})
	membership.AddCommand(&cobra.Command{
		Use:   "confirm",
		Short: "Confirm a completed subscription payment",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ConfirmSubscription(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderProfile(out)
		},
	})
	return membership
}

func newSignalsCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signals [CODE]",
		Short: "Show synthetic market signal panels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			if len(args) > 0 {
				code := strings.ToUpper(strings.TrimSpace(args[0]))
				out, err := client.SignalDetail(ctx, sess.AccessToken, code)
				if err != nil {
					return err
				}
				return renderSignalDetail(out)
			}
			out, err := client.Signals(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderSignals(out)
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			// Announce the batch so the server records the replay under
			// this user before the individual commands run.
			announce := make([]map[string]any, 0, len(queue))
			for _, q := range queue {
				announce = append(announce, map[string]any{
					"method":          q.Method,
					"path":            q.Path,
					"idempotency_key": q.IdempotencyKey,
				})
			}
			if _, err := client.SyncReplay(ctx, sess.AccessToken, announce); err != nil {
				printWarn(fmt.Sprintf("Replay announce failed: %v", err))
			}

			remaining := make([]syncq.Command, 0, len(queue))
			success := 0
			for _, q := range queue {
				_, err := client.Do(ctx, q.Method, q.Path, sess.AccessToken, q.Body, q.IdempotencyKey)
				if err != nil {
					remaining = append(remaining, q)
					printError(fmt.Sprintf("Sync failed for %s %s: %v", q.Method, q.Path, err))
					continue
				}
				success++
			}
			if err := syncq.Save(remaining); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", success, len(remaining)))
			return nil
		},
	}
}

// queueOnNetworkError pushes a write to the offline queue when the API is
// unreachable. Structured API errors (4xx/5xx) are surfaced as-is; queueing
// them would just replay a rejection.
func queueOnNetworkError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if isAPIStructuredError(err) {
		return err
	}
	if pushErr := syncq.Push(cmd); pushErr != nil {
		return fmt.Errorf("request failed and could not be queued: %w", pushErr)
	}
	printWarn(fmt.Sprintf("API unreachable. Queued %s %s for `cvt sync`.", cmd.Method, cmd.Path))
	return nil
}

func isAPIStructuredError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "api status")
}

func idFromArgsOrPrompt(args []string, label string) (string, error) {
	if len(args) > 0 {
		id := strings.TrimSpace(args[0])
		if id == "" {
			return "", fmt.Errorf("invalid %s", strings.ToLower(label))
		}
		return id, nil
	}
	return promptRequired(label)
}
