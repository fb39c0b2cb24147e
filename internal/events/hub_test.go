package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventPolicy)

	hub.Publish(Event{
		Type:   EventPolicy,
		Source: "policy",
		Data:   PolicyData{Domain: "pihole", Target: "homework-sites", Action: "enable"},
	})

	select {
	case e := <-ch:
		if e.Type != EventPolicy {
			t.Errorf("expected %s, got %s", EventPolicy, e.Type)
		}
		if e.ID == "" {
			t.Error("expected an event id")
		}
		if e.Timestamp.IsZero() {
			t.Error("expected a timestamp")
		}
		data, ok := e.Data.(PolicyData)
		if !ok {
			t.Fatal("expected PolicyData")
		}
		if data.Target != "homework-sites" {
			t.Errorf("expected target homework-sites, got %s", data.Target)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for event")
	}
}

func TestHub_TypeFiltering(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventRefresh)
	all := hub.Subscribe(10)

	hub.Publish(Event{Type: EventPolicy})
	hub.Publish(Event{Type: EventRefresh})
	hub.Publish(Event{Type: EventHealth})

	if len(ch) != 1 {
		t.Errorf("expected 1 filtered event, got %d", len(ch))
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events on global subscription, got %d", len(all))
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(1)

	hub.Publish(Event{Type: EventPolicy})
	hub.Publish(Event{Type: EventPolicy})

	published, dropped := hub.Stats()
	if published != 2 || dropped != 1 {
		t.Errorf("expected 2 published and 1 dropped, got %d and %d", published, dropped)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(10, EventPolicy, EventHealth)
	if n := hub.Subscribers(); n != 1 {
		t.Errorf("expected 1 subscriber, got %d", n)
	}
	hub.Unsubscribe(ch)
	if n := hub.Subscribers(); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}

	hub.Publish(Event{Type: EventPolicy})
	if len(ch) != 0 {
		t.Error("unsubscribed channel received an event")
	}
}

func TestHub_ConcurrentPublish(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish(Event{Type: EventPolicy})
			}
		}()
	}
	wg.Wait()

	if len(ch) != 500 {
		t.Errorf("expected 500 events, got %d", len(ch))
	}
}
