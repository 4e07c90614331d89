// Copyright 2026 The loopguard Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(TransportConfig{})
	require.NoError(t, err)
	assert.Equal(t, TransportLog, tr.Name())

	tr, err = NewTransport(TransportConfig{Kind: "Command", Command: "./scripts/agent-send.sh"})
	require.NoError(t, err)
	assert.Equal(t, TransportCommand, tr.Name())

	tr, err = NewTransport(TransportConfig{Kind: "webhook", WebhookURL: "https://hooks.example.com/loop"})
	require.NoError(t, err)
	assert.Equal(t, TransportWebhook, tr.Name())

	_, err = NewTransport(TransportConfig{Kind: "command"})
	assert.Error(t, err)

	_, err = NewTransport(TransportConfig{Kind: "webhook", WebhookURL: "http://example.com/loop"})
	assert.Error(t, err)

	_, err = NewTransport(TransportConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestWebhookTransport_SignedPayload(t *testing.T) {
	var got webhookPayload
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get("X-Loopguard-Signature")
		assert.Equal(t, Sign("s3cret", body), signature)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tr, err := NewWebhookTransport(server.URL, "s3cret")
	require.NoError(t, err)

	iv := testIntervention("worker1")
	require.NoError(t, tr.Deliver(context.Background(), Delivery{Intervention: iv, Instruction: "stop"}))

	assert.NotEmpty(t, signature)
	assert.Equal(t, "loop_detected", got.Event)
	assert.Equal(t, iv.ID, got.InterventionID)
	assert.Equal(t, "worker1", got.Agent)
	assert.Equal(t, string(iv.Fingerprint), got.Fingerprint)
	assert.Equal(t, 300.0, got.WindowSeconds)
	assert.Equal(t, "stop", got.Instruction)
}

func TestWebhookTransport_Retries(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr, err := NewWebhookTransport(server.URL, "")
	require.NoError(t, err)
	tr.SetBackoff(time.Millisecond, time.Millisecond, time.Millisecond)

	require.NoError(t, tr.Deliver(context.Background(), Delivery{Intervention: testIntervention("worker1")}))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestWebhookTransport_GivesUp(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	tr, err := NewWebhookTransport(server.URL, "")
	require.NoError(t, err)
	tr.SetBackoff(time.Millisecond)

	err = tr.Deliver(context.Background(), Delivery{Intervention: testIntervention("worker1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestCommandTransport(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "delivered.txt")

	tr, err := NewCommandTransport("/bin/sh", "-c", `printf '%s|%s' "$0" "$1" > "`+out+`"`)
	require.NoError(t, err)
	require.NoError(t, tr.Deliver(context.Background(), Delivery{
		Intervention: testIntervention("worker1"),
		Instruction:  "stop editing",
	}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "worker1|stop editing", string(data))
}

func TestCommandTransport_Failure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	tr, err := NewCommandTransport("/bin/sh", "-c", "echo no such agent; exit 3")
	require.NoError(t, err)

	err = tr.Deliver(context.Background(), Delivery{Intervention: testIntervention("worker9")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such agent")
}
