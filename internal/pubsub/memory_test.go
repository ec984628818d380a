package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "rec_tbl_ABC.row1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-sub.C():
		if string(msg.Op) != `{"v":1}` {
			t.Errorf("unexpected payload: %s", msg.Op)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemory_PublishNoSubscribersIsNoop(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	if err := m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte("x")); err != nil {
		t.Fatalf("expected no error publishing with no subscribers: %v", err)
	}
}

func TestMemory_MultipleSubscribersAllReceive(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	const n = 5
	subs := make([]Subscription, n)
	for i := 0; i < n; i++ {
		sub, err := m.Subscribe(context.Background(), "rec_tbl_ABC.row1")
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		subs[i] = sub
	}

	if err := m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte("op")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			select {
			case <-sub.C():
			case <-time.After(time.Second):
				t.Error("subscriber did not receive message")
			}
		}(sub)
	}
	wg.Wait()
}

func TestMemory_CloseSubscriptionStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "rec_tbl_ABC.row1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	sub.Close()

	if err := m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte("op")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	_, ok := <-sub.C()
	if ok {
		t.Fatal("expected delivery channel to be closed after Close")
	}
}

func TestMemory_DropsOnFullQueueWithoutBlocking(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	sub, err := m.Subscribe(context.Background(), "rec_tbl_ABC.row1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberQueueSize+10; i++ {
			_ = m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte("op"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestMemory_CopyOnWriteSubscriberList(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := m.Subscribe(context.Background(), "rec_tbl_ABC.row1")
			if err != nil {
				t.Errorf("subscribe failed: %v", err)
				return
			}
			sub.Close()
		}()
	}
	wg.Wait()

	if err := m.Publish(context.Background(), "rec_tbl_ABC.row1", []byte("op")); err != nil {
		t.Fatalf("publish after concurrent subscribe/close failed: %v", err)
	}
}
