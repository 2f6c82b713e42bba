package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/stock-deduction/internal/adapter/handler"
	"github.com/rl1809/stock-deduction/internal/adapter/storage"
	"github.com/rl1809/stock-deduction/internal/core/domain"
	"github.com/rl1809/stock-deduction/internal/core/retry"
	"github.com/rl1809/stock-deduction/internal/core/service"
)

const (
	storeID = "stress-store"
	itemID  = "stress-item"
)

// deductFunc reports whether the deduction was applied.
type deductFunc func(ctx context.Context, req domain.DeductionRequest) (bool, error)

func main() {
	target := flag.String("grpc", "", "gRPC address of a running server; empty runs in-process")
	initialStock := flag.Int64("stock", 20, "initial stock, in-process only")
	totalRequests := flag.Int("requests", 50, "number of concurrent deductions")
	concurrency := flag.Int("concurrency", 50, "max in-flight requests")
	flag.Parse()

	ctx := context.Background()

	var (
		deduct deductFunc
		final  func() (decimal.Decimal, error)
	)
	if *target == "" {
		ledger := storage.NewMemoryLedger()
		err := ledger.SetStock(ctx, domain.StockItem{StoreID: storeID, ItemID: itemID, Quantity: decimal.NewFromInt(*initialStock)})
		if err != nil {
			log.Fatalf("failed to set stock: %v", err)
		}
		coordinator := service.NewCoordinator(ledger, service.WithRetryPolicy(retry.Policy{
			MaxAttempts: 200,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		}))
		deduct = func(ctx context.Context, req domain.DeductionRequest) (bool, error) {
			_, err := coordinator.Deduct(ctx, req)
			return err == nil, nil
		}
		final = func() (decimal.Decimal, error) {
			it, err := ledger.GetStock(ctx, storeID, itemID)
			if err != nil {
				return decimal.Zero, err
			}
			return it.Quantity, nil
		}
	} else {
		conn, err := grpc.NewClient(*target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatalf("failed to dial %s: %v", *target, err)
		}
		defer conn.Close()
		client := handler.NewDeductionClient(conn)
		deduct = func(ctx context.Context, req domain.DeductionRequest) (bool, error) {
			resp, err := client.Deduct(ctx, &req)
			if err != nil {
				return false, err
			}
			return resp.Success, nil
		}
	}

	var successCount, failCount, errCount atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		txn := uuid.NewString()
		g.Go(func() error {
			ok, err := deduct(gctx, domain.DeductionRequest{
				TransactionID:  txn,
				StoreID:        storeID,
				IdempotencyKey: "stress/" + txn,
				Actor:          fmt.Sprintf("till-%d", i%8),
				Lines:          []domain.DeductionLine{{ItemID: itemID, Quantity: decimal.NewFromInt(1)}},
			})
			switch {
			case err != nil:
				errCount.Add(1)
			case ok:
				successCount.Add(1)
			default:
				failCount.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	success, fail := successCount.Load(), failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Applied:          %d\n", success)
	fmt.Printf("Rejected:         %d\n", fail)
	fmt.Printf("Errors:           %d\n", errCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if final == nil {
		return
	}

	want := *initialStock
	if int64(*totalRequests) < want {
		want = int64(*totalRequests)
	}
	if int64(success) == want {
		fmt.Printf("PASS: %d deductions applied\n", success)
	} else {
		fmt.Printf("FAIL: expected %d applied, got %d\n", want, success)
	}

	left, err := final()
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}
	fmt.Printf("Final Stock: %s\n", left)
	if left.IsNegative() {
		fmt.Println("FAIL: stock went negative")
	} else if left.Equal(decimal.NewFromInt(*initialStock - int64(success))) {
		fmt.Println("PASS: final stock matches applied deductions")
	} else {
		fmt.Println("FAIL: final stock does not match applied deductions")
	}
}
