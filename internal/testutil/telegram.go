package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"testing"
)

// TelegramCall is one request received by FakeTelegram. Params holds the form
// values the Bot API client posted.
type TelegramCall struct {
	Method string
	Params map[string]string
}

// Int returns a numeric parameter.
func (c TelegramCall) Int(key string) int64 {
	n, _ := strconv.ParseInt(c.Params[key], 10, 64)
	return n
}

// String returns a string parameter.
func (c TelegramCall) String(key string) string {
	return c.Params[key]
}

// methodAliases maps legacy Bot API method names to the current ones.
var methodAliases = map[string]string{
	"getChatMembersCount": "getChatMemberCount",
	"kickChatMember":      "banChatMember",
}

// FakeTelegram is an in-process Bot API. Unconfigured methods answer ok with a
// plausible result.
type FakeTelegram struct {
	*httptest.Server

	mu        sync.Mutex
	calls     []TelegramCall
	results   map[string]func(TelegramCall) any
	failures  map[string]fakeFailure
	messageID int64
}

type fakeFailure struct {
	code        int
	description string
	chatID      int64
}

// NewFakeTelegram starts a fake Bot API server, closed on cleanup.
func NewFakeTelegram(t testing.TB) *FakeTelegram {
	t.Helper()

	f := &FakeTelegram{
		results:  make(map[string]func(TelegramCall) any),
		failures: make(map[string]fakeFailure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Respond sets the result builder for method.
func (f *FakeTelegram) Respond(method string, fn func(TelegramCall) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[method] = fn
}

// Fail makes every call to method return an API error.
func (f *FakeTelegram) Fail(method string, code int, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = fakeFailure{code: code, description: description}
}

// FailChat makes calls to method addressed to chatID return an API error.
func (f *FakeTelegram) FailChat(method string, chatID int64, code int, description string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = fakeFailure{code: code, description: description, chatID: chatID}
}

// Clear removes the failure configured for method.
func (f *FakeTelegram) Clear(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// Calls returns the recorded calls to method, or every call when method is empty.
func (f *FakeTelegram) Calls(method string) []TelegramCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []TelegramCall
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeTelegram) serve(w http.ResponseWriter, r *http.Request) {
	call := TelegramCall{Method: path.Base(r.URL.Path), Params: map[string]string{}}
	if alias, ok := methodAliases[call.Method]; ok {
		call.Method = alias
	}
	_ = r.ParseForm()
	for key := range r.PostForm {
		call.Params[key] = r.PostForm.Get(key)
	}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	failure, failed := f.failures[call.Method]
	if failed && failure.chatID != 0 && failure.chatID != call.Int("chat_id") {
		failed = false
	}
	builder := f.results[call.Method]
	sends := call.Method == "sendMessage" || call.Method == "sendPhoto"
	if sends {
		f.messageID++
	}
	messageID := f.messageID
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failed {
		w.WriteHeader(failure.code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  failure.code,
			"description": failure.description,
		})
		return
	}

	var result any = true
	switch {
	case builder != nil:
		result = builder(call)
	case sends:
		result = map[string]any{
			"message_id": messageID,
			"chat":       map[string]any{"id": call.Int("chat_id")},
			"text":       call.String("text"),
		}
	case call.Method == "getChatMember":
		result = map[string]any{
			"user":   map[string]any{"id": call.Int("user_id")},
			"status": "member",
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}
