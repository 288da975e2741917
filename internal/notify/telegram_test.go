package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	sender := NewTelegramSender("123:abc", "chat42")
	sender.apiBase = srv.URL

	if err := sender.Send(context.Background(), "New market", "alice asks: rain?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q, want /bot123:abc/sendMessage", gotPath)
	}
	if got["chat_id"] != "chat42" {
		t.Errorf("chat_id = %q, want chat42", got["chat_id"])
	}
	if !strings.HasPrefix(got["text"], "*New market*\n") {
		t.Errorf("text = %q, want bold title prefix", got["text"])
	}
	if got["parse_mode"] != "Markdown" {
		t.Errorf("parse_mode = %q, want Markdown", got["parse_mode"])
	}
}
