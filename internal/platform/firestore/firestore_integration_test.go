//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/orderbridge/payments/internal/domain"
	pconfig "github.com/orderbridge/payments/internal/platform/config"
	pfirestore "github.com/orderbridge/payments/internal/platform/firestore"
	frepos "github.com/orderbridge/payments/internal/repositories/firestore"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

type repoClassifier interface {
	IsNotFound() bool
	IsConflict() bool
}

func TestProviderAndRepositoriesIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "test-project",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("expected firestore client, got error: %v", err)
	}

	orders, err := frepos.NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("order repository: %v", err)
	}

	// Seed an order the way the order platform writes them.
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	if _, err := client.Collection("orders").Doc("order-1").Set(ctx, map[string]any{
		"number":    "1001",
		"status":    string(domain.OrderStatusPending),
		"paid":      false,
		"createdAt": created,
		"updatedAt": created,
		"attributes": map[string]any{
			domain.AttrTradeOrderID: "TRADE1",
			domain.AttrSessionID:    "sess-1",
		},
	}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	order, err := orders.FindByID(ctx, "order-1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if order.Number != "1001" || order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order %+v", order)
	}

	byTrade, err := orders.FindByTradeOrderID(ctx, "TRADE1")
	if err != nil {
		t.Fatalf("FindByTradeOrderID failed: %v", err)
	}
	if byTrade.ID != "order-1" {
		t.Fatalf("expected order-1, got %s", byTrade.ID)
	}

	if _, err := orders.FindByTradeOrderID(ctx, "GHOST"); err == nil {
		t.Fatal("expected not found for unknown transaction")
	} else {
		var cls repoClassifier
		if !errors.As(err, &cls) || !cls.IsNotFound() {
			t.Fatalf("expected not-found classification, got %v", err)
		}
	}

	awaiting, err := orders.ListAwaitingPayment(ctx, created.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("ListAwaitingPayment failed: %v", err)
	}
	if len(awaiting) != 1 {
		t.Fatalf("expected one awaiting order, got %d", len(awaiting))
	}

	order.Status = domain.OrderStatusProcessing
	order.Paid = true
	paidAt := time.Now().UTC()
	order.PaidAt = &paidAt
	order.PaymentRef = "TRADE1"
	order.AppendNote(domain.OrderNote{ID: "n1", Body: "Payment SUCCEEDED confirmed by provider (transaction TRADE1).", CreatedAt: paidAt})

	saved, err := orders.Update(ctx, order)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if saved.Status != domain.OrderStatusProcessing || !saved.Paid {
		t.Fatalf("unexpected saved order %+v", saved)
	}

	reloaded, err := orders.FindByID(ctx, "order-1")
	if err != nil {
		t.Fatalf("FindByID after update failed: %v", err)
	}
	if !reloaded.Paid || len(reloaded.Notes) != 1 || reloaded.StringAttribute(domain.AttrTradeOrderID) != "TRADE1" {
		t.Fatalf("update did not round-trip: %+v", reloaded)
	}

	links, err := frepos.NewCustomerLinkRepository(provider)
	if err != nil {
		t.Fatalf("customer link repository: %v", err)
	}

	link := domain.CustomerLink{AccountID: "acct-1", CustomerID: "cus-1", Email: "a@b.c"}
	if _, err := links.Insert(ctx, link); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	stored, err := links.FindByAccountID(ctx, "acct-1")
	if err != nil {
		t.Fatalf("FindByAccountID failed: %v", err)
	}
	if stored.CustomerID != "cus-1" || stored.Email != "a@b.c" {
		t.Fatalf("unexpected link %+v", stored)
	}

	if _, err := links.Insert(ctx, link); err == nil {
		t.Fatal("expected conflict on duplicate insert")
	} else {
		var cls repoClassifier
		if !errors.As(err, &cls) || !cls.IsConflict() {
			t.Fatalf("expected conflict classification, got %v", err)
		}
	}

	if _, err := links.FindByAccountID(ctx, "missing"); err == nil {
		t.Fatal("expected not found for unknown account")
	} else {
		var cls repoClassifier
		if !errors.As(err, &cls) || !cls.IsNotFound() {
			t.Fatalf("expected not-found classification, got %v", err)
		}
	}

	cancelCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
