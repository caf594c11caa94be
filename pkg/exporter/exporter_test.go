package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/server/models"
)

func init() { appLogger.SetOutput(io.Discard) }

func TestSendSnapshotRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p models.ClientPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Hostname != "h1" {
			t.Errorf("decoded %+v, %v", p, err)
		}
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	e := New(srv.URL, 5, time.Millisecond)
	if err := e.SendSnapshot(context.Background(), &models.ClientPayload{Hostname: "h1"}); err != nil {
		t.Fatalf("SendSnapshot() = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestSendSnapshotDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"Invalid report"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, 5, time.Millisecond).SendSnapshot(context.Background(), &models.ClientPayload{})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestSendSnapshotGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, 2, time.Millisecond).SendSnapshot(context.Background(), &models.ClientPayload{Hostname: "h1"})
	if err == nil {
		t.Error("SendSnapshot() succeeded against a failing collector")
	}
}
