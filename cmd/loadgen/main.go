package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpc_adapter "github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-wallet-ledger/pkg/grpc"
)

// 對同一個錢包並發送出 RecordExpense，驗證不會超扣並量測 TPS
func main() {
	addr := flag.String("addr", "localhost:50051", "grpc server address")
	owner := flag.String("owner", "", "wallet owner (default: random)")
	total := flag.Int("total", 100000, "number of RecordExpense calls")
	concurrency := flag.Int("concurrency", 500, "in-flight calls")
	fund := flag.String("fund", "1000.00", "initial wallet balance")
	amount := flag.String("amount", "0.01", "amount of each expense")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	if *owner == "" {
		*owner = "loadgen-" + uuid.NewString()
	}

	pool := grpc.NewPool(grpc.WithInterceptor(grpc.OutgoingMetadata(grpc_adapter.OwnerMetadataKey, *owner)))
	defer pool.Close()
	conn, err := pool.GetConnection(*addr)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	invoke := func(method string, req map[string]any) (*structpb.Struct, error) {
		in, err := structpb.NewStruct(req)
		if err != nil {
			return nil, err
		}
		out := &structpb.Struct{}
		return out, conn.Invoke(ctx, grpc_adapter.FullMethod(method), in, out)
	}

	if _, err := invoke("OpenWallet", map[string]any{"amount": *fund}); err != nil {
		log.Fatalf("open wallet: %v", err)
	}

	var ok, rejected, failed atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, *concurrency)
	start := time.Now()

	for i := 0; i < *total; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := invoke("RecordExpense", map[string]any{"amount": *amount, "category": "other"})
			switch status.Code(err) {
			case codes.OK:
				ok.Add(1)
			case codes.FailedPrecondition:
				rejected.Add(1)
			default:
				if failed.Add(1) <= 10 {
					log.Printf("RecordExpense %d failed: %v", idx, err)
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("owner: %s\n", *owner)
	fmt.Printf("completed %d requests in %v\n", *total, elapsed)
	fmt.Printf("ok: %d, insufficient funds: %d, failed: %d\n", ok.Load(), rejected.Load(), failed.Load())
	fmt.Printf("TPS: %.2f\n", float64(*total)/elapsed.Seconds())

	audit, err := invoke("VerifyWallet", nil)
	if err != nil {
		log.Fatalf("verify wallet: %v", err)
	}
	fmt.Printf("balance: %s, expected: %s, consistent: %v\n",
		audit.Fields["balance"].GetStringValue(),
		audit.Fields["expected"].GetStringValue(),
		audit.Fields["consistent"].GetBoolValue())
}
