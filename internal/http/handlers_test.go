package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/chatrelay/internal/browser"
	"github.com/roelfdiedericks/chatrelay/internal/browser/browsertest"
	"github.com/roelfdiedericks/chatrelay/internal/config"
	"github.com/roelfdiedericks/chatrelay/internal/pool"
	"github.com/roelfdiedericks/chatrelay/internal/queue"
)

// chatPage scripts a minimal chat UI on a FakePage
type chatPage struct {
	page    *browsertest.FakePage
	sel     config.PageConfig
	send    *browsertest.FakeElement
	input   *browsertest.FakeElement
	newChat *browsertest.FakeElement
}

func newChatPage(sel config.PageConfig) *chatPage {
	cp := &chatPage{
		page:    browsertest.NewPage(),
		sel:     sel,
		send:    browsertest.NewElement(""),
		input:   browsertest.NewElement(""),
		newChat: browsertest.NewElement(""),
	}
	cp.page.SetElements(sel.NewChatSelector, cp.newChat)
	cp.page.SetElements(sel.InputSelector, cp.input)
	cp.page.SetElements(sel.SendSelector, cp.send)
	return cp
}

func (cp *chatPage) finish(replyText string) {
	cp.page.SetElements(cp.sel.ReplySelector, browsertest.NewElement(replyText))
	cp.page.SetElements(cp.sel.SendDisabledSelector, browsertest.NewElement(""))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Model = "test-model"
	cfg.Queue.Capacity = 2
	cfg.Queue.MaxWait = config.Duration(20 * time.Millisecond)
	cfg.Queue.PollInterval = config.Duration(time.Millisecond)
	cfg.Relay.RetryMax = 2
	cfg.Relay.RetryDelay = config.Duration(time.Millisecond)
	cfg.Relay.PollInterval = config.Duration(time.Millisecond)
	cfg.Relay.FindTimeout = config.Duration(50 * time.Millisecond)
	return cfg
}

// newTestServer builds the full handler stack over scripted pages.
// script runs against every page the pool creates.
func newTestServer(t *testing.T, cfg *config.Config, script func(*chatPage)) (*httptest.Server, *pool.Pool, *queue.Queue) {
	t.Helper()

	factory := func() (browser.PageDriver, error) {
		cp := newChatPage(cfg.Page)
		if script != nil {
			script(cp)
		}
		return cp.page, nil
	}

	p := pool.New(cfg.Pool.Size, "", factory)
	require.NoError(t, p.Start())
	t.Cleanup(p.Close)

	q := queue.New(cfg.Queue.Capacity, cfg.Queue.MaxWait.D(), cfg.Queue.PollInterval.D())

	s := NewServer(cfg, q, p)
	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)

	return ts, p, q
}

func postCompletions(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestChatCompletionsNonStream(t *testing.T) {
	cfg := testConfig()
	ts, p, _ := newTestServer(t, cfg, func(cp *chatPage) {
		cp.send.OnClick = func() { cp.finish("Hello from the page") }
	})

	resp := postCompletions(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out openai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "test-model", out.Model)
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "assistant", out.Choices[0].Message.Role)
	assert.Equal(t, "Hello from the page", out.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, out.Choices[0].FinishReason)

	// Session goes back to the pool once the request is done
	require.Eventually(t, func() bool { return p.IdleCount() == cfg.Pool.Size },
		time.Second, 5*time.Millisecond)
}

func TestChatCompletionsEchoesRequestModel(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(), func(cp *chatPage) {
		cp.send.OnClick = func() { cp.finish("ok") }
	})

	resp := postCompletions(t, ts, `{"model":"qwen-plus","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	var out openai.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "qwen-plus", out.Model)
}

func TestChatCompletionsStream(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(), func(cp *chatPage) {
		reply := browsertest.NewElement("")
		var polls int32
		cp.send.OnClick = func() {
			cp.page.SetElements(cp.sel.ReplySelector, reply)
		}
		cp.page.OnFind = func(selector string) {
			if selector != cp.sel.ReplySelector {
				return
			}
			switch atomic.AddInt32(&polls, 1) {
			case 1:
				reply.SetText("Hel")
			case 2:
				reply.SetText("Hello")
			default:
				cp.page.SetElements(cp.sel.SendDisabledSelector, browsertest.NewElement(""))
			}
		}
	})

	resp := postCompletions(t, ts, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	blocks := strings.Split(strings.TrimSuffix(string(body), "\n\n"), "\n\n")
	require.Len(t, blocks, 5)

	for _, block := range blocks {
		assert.True(t, strings.HasPrefix(block, "data: "), "bad SSE framing: %q", block)
	}

	// Opening chunk: assistant role, no content, null finish reason
	assert.Contains(t, blocks[0], `"delta":{"role":"assistant"}`)
	assert.Contains(t, blocks[0], `"finish_reason":null`)
	assert.Contains(t, blocks[0], `"object":"chat.completion.chunk"`)

	// Content deltas in order
	assert.Contains(t, blocks[1], `"delta":{"content":"Hel"}`)
	assert.Contains(t, blocks[2], `"delta":{"content":"lo"}`)

	// Terminal chunk, then the sentinel
	assert.Contains(t, blocks[3], `"delta":{}`)
	assert.Contains(t, blocks[3], `"finish_reason":"stop"`)
	assert.Equal(t, "data: [DONE]", blocks[4])
}

func TestChatCompletionsRejectsEmptyInput(t *testing.T) {
	cfg := testConfig()
	ts, p, _ := newTestServer(t, cfg, nil)

	resp := postCompletions(t, ts, `{"messages":[{"role":"user","content":"   "}]}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	// Rejected before any session was acquired
	assert.Equal(t, cfg.Pool.Size, p.IdleCount())
}

func TestChatCompletionsRejectsInvalidJSON(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(), nil)

	resp := postCompletions(t, ts, `{not json`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletionsQueueTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Capacity = 1
	cfg.Queue.MaxWait = 0
	ts, _, q := newTestServer(t, cfg, nil)

	// Occupy the only admission slot
	ticket, err := q.Enter(context.Background())
	require.NoError(t, err)
	defer q.Leave(ticket)

	resp := postCompletions(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Request timeout in queue", out["error"])
}

func TestChatCompletionsMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t, testConfig(), nil)

	resp, err := http.Get(ts.URL + "/v1/chat/completions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPIKeyEnforcedWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APIKey = "sekrit"
	ts, _, _ := newTestServer(t, cfg, func(cp *chatPage) {
		cp.send.OnClick = func() { cp.finish("ok") }
	})

	resp := postCompletions(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("apikey", "sekrit")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHealthReportsPoolAndQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.Size = 2
	ts, _, q := newTestServer(t, cfg, nil)

	ticket, err := q.Enter(context.Background())
	require.NoError(t, err)
	defer q.Leave(ticket)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Status       string `json:"status"`
		IdleSessions int    `json:"idle_sessions"`
		QueueLength  int    `json:"queue_length"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "healthy", out.Status)
	assert.Equal(t, 2, out.IdleSessions)
	assert.Equal(t, 1, out.QueueLength)
}

func TestDeadSessionIsDiscardedNotPooled(t *testing.T) {
	cfg := testConfig()
	ts, p, _ := newTestServer(t, cfg, func(cp *chatPage) {
		// Page crashed before the turn: every lookup fails, probe says dead
		cp.page.SetFindErr(cp.sel.NewChatSelector, io.ErrUnexpectedEOF)
		cp.page.SetAlive(false)
	})

	resp := postCompletions(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Eventually(t, func() bool { return p.IdleCount() == 0 },
		time.Second, 5*time.Millisecond)
}
