package desklink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientRequests(t *testing.T) {
	var gotAuth, gotPath, gotMethod, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"data": map[string]string{"id": "ch-1"},
		})
	}))
	defer srv.Close()

	client := NewClient("tok-abc", WithBaseURL(srv.URL))

	t.Run("bearer token and envelope", func(t *testing.T) {
		res, err := client.Channels.List(context.Background(), "u-1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if !res.OK {
			t.Fatalf("unexpected envelope: %+v", res)
		}
		if gotAuth != "Bearer tok-abc" {
			t.Fatalf("auth header %q", gotAuth)
		}
		if gotMethod != http.MethodGet || gotPath != "/api/chat/channels" {
			t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
		}

		var ch Channel
		if err := res.Decode(&ch); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ch.ID != "ch-1" {
			t.Fatalf("unexpected payload: %+v", ch)
		}
	})

	t.Run("pagination query", func(t *testing.T) {
		if _, err := client.Messages.List(context.Background(), "ch-1", 25, 50); err != nil {
			t.Fatalf("list: %v", err)
		}
		if gotQuery != "limit=25&offset=50" {
			t.Fatalf("unexpected query %q", gotQuery)
		}
	})

	t.Run("thread replies", func(t *testing.T) {
		if _, err := client.Threads.Replies(context.Background(), "ch-1", "m-1", 10, 0); err != nil {
			t.Fatalf("replies: %v", err)
		}
		if gotMethod != http.MethodGet || gotPath != "/api/chat/channels/ch-1/messages/m-1/thread" {
			t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
		}
		if gotQuery != "limit=10" {
			t.Fatalf("unexpected query %q", gotQuery)
		}
	})

	t.Run("signature lookup", func(t *testing.T) {
		if _, err := client.Signatures.Get(context.Background(), "sig-1"); err != nil {
			t.Fatalf("get: %v", err)
		}
		if gotMethod != http.MethodGet || gotPath != "/api/chat/signatures/sig-1" {
			t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
		}
	})

	t.Run("error envelope", func(t *testing.T) {
		errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":    false,
				"error": map[string]string{"code": "forbidden", "message": "not a channel member"},
			})
		}))
		defer errSrv.Close()

		c := NewClient("tok", WithBaseURL(errSrv.URL))
		res, err := c.Messages.Create(context.Background(), &Message{ChannelID: "ch-1"})
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if res.OK || res.Error == nil {
			t.Fatalf("expected error envelope: %+v", res)
		}
		if res.Error.Code != "forbidden" {
			t.Fatalf("unexpected code %q", res.Error.Code)
		}
	})

	t.Run("set token", func(t *testing.T) {
		client.SetToken("tok-rotated")
		if _, err := client.Notifications.List(context.Background(), 0, 0); err != nil {
			t.Fatalf("list: %v", err)
		}
		if gotAuth != "Bearer tok-rotated" {
			t.Fatalf("auth header %q after rotation", gotAuth)
		}
	})
}
