package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Broker != "localhost" || cfg.Port != 1883 {
		t.Errorf("broker defaults = %s:%d", cfg.Broker, cfg.Port)
	}
	if cfg.ClientID != "locfixd" {
		t.Errorf("ClientID = %q, want locfixd", cfg.ClientID)
	}
	if cfg.TopicPrefix != "locfix" {
		t.Errorf("TopicPrefix = %q, want locfix", cfg.TopicPrefix)
	}
	if cfg.QoS != 1 {
		t.Errorf("QoS = %d, want 1", cfg.QoS)
	}
	if cfg.Enabled {
		t.Error("Enabled should default to false")
	}
}

func TestConnectDisabledIsNoOp(t *testing.T) {
	client := NewClient(DefaultConfig(), logx.New("error"))

	if err := client.Connect(); err != nil {
		t.Fatalf("Connect on disabled client failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("disabled client reports connected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("Disconnect failed: %v", err)
	}
}

func TestPublishSkippedWhenNotConnected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	client := NewClient(cfg, logx.New("error"))

	sample := &pkg.PositionSample{
		Latitude:  59.3293,
		Longitude: 18.0686,
		AccuracyM: 10,
		Timestamp: time.Now(),
	}

	if err := client.PublishPosition(sample); err != nil {
		t.Errorf("PublishPosition without connection should be a no-op, got %v", err)
	}
	if err := client.PublishEvent(pkg.Event{Type: pkg.EventAcquire, Timestamp: time.Now()}); err != nil {
		t.Errorf("PublishEvent without connection should be a no-op, got %v", err)
	}
	if err := client.PublishStatus(map[string]interface{}{"watch_state": "idle"}); err != nil {
		t.Errorf("PublishStatus without connection should be a no-op, got %v", err)
	}
	if !client.LastPublish().IsZero() {
		t.Error("LastPublish should stay zero when nothing was published")
	}
}

func TestPublishSkippedWhenDisabled(t *testing.T) {
	client := NewClient(DefaultConfig(), logx.New("error"))
	client.connected.Store(true)

	if err := client.PublishPosition(&pkg.PositionSample{Latitude: 1, Longitude: 2, AccuracyM: 5, Timestamp: time.Now()}); err != nil {
		t.Errorf("PublishPosition on disabled client should be a no-op, got %v", err)
	}
	if !client.LastPublish().IsZero() {
		t.Error("disabled client should not record a publish")
	}
}

func TestConnectionFlagSafeUnderConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	client := NewClient(cfg, logx.New("error"))

	// Connection handlers fire on paho goroutines while publishers read
	// the flag; flip and read concurrently so the race detector can see
	// any unsynchronized access.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			client.onConnect(nil)
			client.onConnectionLost(nil, errTest)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			// Stays a no-op whenever the flag reads false mid-flip
			if client.connected.Load() {
				client.LastPublish()
			}
		}
	}()
	wg.Wait()
}

var errTest = errors.New("connection reset")
