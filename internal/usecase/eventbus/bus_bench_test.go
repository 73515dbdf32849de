package eventbus

import (
	"context"
	"log/slog"
	"testing"

	"mosaic-ai/internal/domain"
)

func benchBus() *Bus { return New(slog.New(slog.DiscardHandler)) }

func routedEvent() domain.Event {
	return domain.NewEvent(domain.EventAgentRouted, "bench-session",
		map[string]any{"agent_id": "companion", "score": 0.82})
}

// BenchmarkPublishRouted measures the per-turn agent_routed publish with a
// single typed subscriber.
func BenchmarkPublishRouted(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	ev := routedEvent()
	bus.Subscribe(domain.EventAgentRouted, func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

// BenchmarkPublishWithJournal adds the structured-log sink every coordinator
// runs, at a level that drops the record.
func BenchmarkPublishWithJournal(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	ev := routedEvent()
	LogEvents(bus, slog.New(slog.DiscardHandler))

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

// BenchmarkPublishFanOut covers a breaker trip seen by several observers.
func BenchmarkPublishFanOut(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	ev := domain.NewEvent(domain.EventBreakerStateChanged, "",
		map[string]string{"agent_id": "therapy", "from": "closed", "to": "open"})
	for i := 0; i < 8; i++ {
		bus.Subscribe(domain.EventBreakerStateChanged, func(context.Context, domain.Event) {})
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

// BenchmarkPublishParallel models concurrent sessions publishing at once.
func BenchmarkPublishParallel(b *testing.B) {
	bus := benchBus()
	ev := routedEvent()
	bus.SubscribeAll(func(context.Context, domain.Event) {})

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, ev)
		}
	})
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := benchBus()
	ctx := context.Background()
	ev := routedEvent()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}
