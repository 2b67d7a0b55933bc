package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
)

// NewOpenAICompatibleServer starts a server for the chat completions and
// moderation endpoints. JSON-mode requests get a clean classifier verdict;
// other chat requests get content as the assistant reply. Moderation never
// flags. Register t.Cleanup(server.Close).
func NewOpenAICompatibleServer(content string) *httptest.Server {
	if content == "" {
		content = "mock response"
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimSuffix(r.URL.Path, "/") {
		case "/v1/moderations":
			_, _ = w.Write([]byte(`{"id":"modr-test","model":"omni-moderation-latest","results":[{"flagged":false,"categories":{},"category_scores":{}}]}`))
		case "/v1/chat/completions":
			var req struct {
				ResponseFormat *struct {
					Type string `json:"type"`
				} `json:"response_format"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			reply := content
			if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
				reply = `{"flagged":false,"confidence":0.01}`
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":     "chatcmpl-test",
				"object": "chat.completion",
				"model":  "gpt-4.1",
				"choices": []map[string]any{{
					"message":       map[string]any{"role": "assistant", "content": reply},
					"finish_reason": "stop",
				}},
				"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
