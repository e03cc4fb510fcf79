package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

// NewInProcessClient serves requests straight from handler. Responses are
// buffered, so streams must end on their own.
func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

// DoJSON sends payload as JSON to baseURL+path. A nil payload sends no body.
func DoJSON(t *testing.T, client *http.Client, method, url string, payload any) *http.Response {
	t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	if strings.HasPrefix(url, "/") {
		url = "http://in-process" + url
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func DecodeJSON(t *testing.T, resp *http.Response, dest any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

// SSEMessage is one server-sent event. Comment lines land in Comment.
type SSEMessage struct {
	ID      string
	Event   string
	Data    string
	Comment string
}

// ReadSSE parses messages from r, calling fn for each until fn returns
// false or r ends.
func ReadSSE(r io.Reader, fn func(SSEMessage) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var msg SSEMessage
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if msg.Comment == "" && msg.Event == "" && len(data) == 0 {
				continue
			}
			msg.Data = strings.Join(data, "\n")
			if !fn(msg) {
				return nil
			}
			msg, data = SSEMessage{}, nil
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "":
			msg.Comment = value
		case "id":
			msg.ID = value
		case "event":
			msg.Event = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}

func ParseSSE(body string) []SSEMessage {
	var out []SSEMessage
	_ = ReadSSE(strings.NewReader(body), func(m SSEMessage) bool {
		out = append(out, m)
		return true
	})
	return out
}
