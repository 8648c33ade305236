//go:build integration

package alpaca

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"options_watcher/internal/cache"
	"options_watcher/internal/market"
	"options_watcher/internal/models"
)

const testAccount = "integration"

func setupTestProvider(t *testing.T) *Provider {
	key := os.Getenv("TEST_APCA_API_KEY_ID")
	secret := os.Getenv("TEST_APCA_API_SECRET_KEY")
	url := os.Getenv("TEST_APCA_API_BASE_URL")

	if key == "" || secret == "" {
		t.Skip("Skipping integration test: TEST_APCA credentials not set")
	}
	if url == "" {
		url = "https://paper-api.alpaca.markets"
	}
	return NewProvider([]Credentials{{
		AccountID: testAccount,
		APIKey:    key,
		APISecret: secret,
		BaseURL:   url,
	}}, 15*time.Second, nil)
}

func TestIntegration_SnapshotAndFills(t *testing.T) {
	provider := setupTestProvider(t)
	ctx := context.Background()

	positions, err := provider.FetchOpenPositions(ctx, testAccount)
	if err != nil {
		t.Fatalf("FetchOpenPositions failed: %v", err)
	}
	t.Logf("%d open positions", len(positions))

	fills, err := provider.FetchFills(ctx, testAccount, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("FetchFills failed: %v", err)
	}
	for i := 1; i < len(fills); i++ {
		if fills[i].Timestamp < fills[i-1].Timestamp {
			t.Fatalf("fills not ordered: %s after %s", fills[i].Timestamp, fills[i-1].Timestamp)
		}
	}

	for _, p := range positions {
		if _, err := market.ParseOCCSymbol(p.Symbol); err != nil {
			continue
		}
		price, err := provider.FetchMarkPrice(ctx, testAccount, p.Symbol)
		if err != nil {
			t.Logf("no mark price for %s: %v", p.Symbol, err)
			continue
		}
		t.Logf("%s mark %s", p.Symbol, price)
	}
}

// TestIntegration_CloseOrderCancel places a far-from-market limit sell on
// the first long option position and cancels it.
func TestIntegration_CloseOrderCancel(t *testing.T) {
	provider := setupTestProvider(t)
	ctx := context.Background()

	c := cache.New(provider, cache.WithGateway(provider))
	n, err := c.LoadPositionsForAccount(ctx, testAccount)
	if err != nil {
		t.Fatalf("LoadPositionsForAccount failed: %v", err)
	}
	if n == 0 {
		t.Skip("no long option positions on the test account")
	}
	pos := c.Positions(testAccount)[0]

	// far above any plausible mark so it never fills
	limit := pos.StrikePrice.Mul(decimal.NewFromInt(10)).Round(2)
	order, err := c.SubmitCloseOrder(ctx, testAccount, pos.Key, limit)
	if err != nil {
		t.Fatalf("SubmitCloseOrder failed: %v", err)
	}
	t.Logf("Placed Order %s", order.OrderID)

	if err := c.CancelOrder(ctx, testAccount, order.OrderID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if err := waitForStatus(provider, order.OrderID, "canceled"); err != nil {
		t.Error(err)
	}
}

func waitForStatus(p *Provider, orderID, want string) error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for %s on %s", want, orderID)
		case <-ticker.C:
			o, err := p.GetOrderStatus(context.Background(), testAccount, orderID)
			if err != nil {
				continue
			}
			if strings.EqualFold(o.Status, want) {
				return nil
			}
			if models.IsTerminalOrderStatus(o.Status) {
				return fmt.Errorf("order %s ended as %s", orderID, o.Status)
			}
		}
	}
}
