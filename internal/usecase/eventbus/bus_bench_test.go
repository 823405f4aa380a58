package eventbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"walletbridge/internal/domain"
)

// BenchmarkRelayToPages measures one wallet event reaching every attached
// page, each page holding a catch-all relay like wallet.Service does.
func BenchmarkRelayToPages(b *testing.B) {
	for _, pages := range []int{1, 8, 64} {
		b.Run(fmt.Sprintf("pages=%d", pages), func(b *testing.B) {
			bus := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
			defer bus.Close()

			var wg sync.WaitGroup
			for range pages {
				bus.SubscribeAll(func(context.Context, domain.Event) { wg.Done() })
			}
			ev, err := domain.NewEvent(domain.EventChainChanged, "4221332d34e1694168c2a0c0b3fd0f273809612cb13d000d5c2e00e85f50f796")
			if err != nil {
				b.Fatal(err)
			}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for range b.N {
				wg.Add(pages)
				bus.Publish(ctx, ev)
				wg.Wait()
			}
		})
	}
}
