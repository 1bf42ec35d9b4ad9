package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/comigor/chatrelay/internal/analysis"
	"github.com/comigor/chatrelay/internal/blob"
	"github.com/comigor/chatrelay/internal/chat"
	"github.com/comigor/chatrelay/internal/dispatch"
	"github.com/comigor/chatrelay/internal/handlers"
	"github.com/comigor/chatrelay/internal/history"
	"github.com/comigor/chatrelay/internal/llm"
	"github.com/comigor/chatrelay/internal/templates"
)

const seedPrompt = "You are the users best friend. Try to act as human as possible."

type echoModel struct {
	err error
}

func (m *echoModel) Complete(ctx context.Context, conv history.Conversation) (history.Message, error) {
	if m.err != nil {
		return history.Message{}, m.err
	}
	last := conv[len(conv)-1]
	return history.Message{Role: history.RoleAssistant, Content: "you said " + last.Content}, nil
}

type fakeAnalyzer struct {
	mu          sync.Mutex
	transcripts []string
	err         error
	// gate, when set, holds every run until it is closed.
	gate chan struct{}
	// delay makes every run take at least this long.
	delay time.Duration
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, transcript string) (*analysis.Result, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcripts = append(a.transcripts, transcript)
	if a.err != nil {
		return nil, a.err
	}
	return &analysis.Result{
		Summary: "Max and Moritz chat.",
		Predictions: analysis.BuildPredictions([]analysis.Score{
			{Label: "casual chat", Score: 0.9},
			{Label: "fraud", Score: 0.1},
		}),
	}, nil
}

type env struct {
	chatSrv     *httptest.Server
	analysisSrv *httptest.Server
	cache       *analysis.FileCache
	store       *history.Store
	model       *echoModel
	analyzer    *fakeAnalyzer
	blobDir     string
}

func newEnv(t *testing.T, rps float64) *env {
	t.Helper()
	root := t.TempDir()

	store, err := history.NewStore(filepath.Join(root, "output"), seedPrompt, filepath.Join(root, "output", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cache, err := analysis.NewFileCache(filepath.Join(root, "output"))
	require.NoError(t, err)
	blobDir := filepath.Join(root, "blob")
	bs, err := blob.NewStore(blobDir, "https://cdn.example.com")
	require.NoError(t, err)
	tpl, err := templates.NewStore(filepath.Join(blobDir, "templates"))
	require.NoError(t, err)

	e := &env{cache: cache, store: store, model: &echoModel{}, analyzer: &fakeAnalyzer{}, blobDir: blobDir}

	pipeline := &analysis.Pipeline{Analyzer: e.analyzer, Cache: cache, Speakers: analysis.DefaultSpeakers}
	e.analysisSrv = httptest.NewServer(NewAnalysisRouter(handlers.NewHandler(handlers.Deps{
		Pipeline:        pipeline,
		AnalysisTimeout: 5 * time.Second,
	})))
	t.Cleanup(e.analysisSrv.Close)

	d := dispatch.New(dispatch.Options{URL: e.analysisSrv.URL + "/analyze", Timeout: 5 * time.Second, QueueSize: 8, Workers: 1})
	t.Cleanup(func() { d.Close(context.Background()) })

	svc := chat.New(store, cache, e.model, d, tpl, chat.DefaultPolicy)
	e.chatSrv = httptest.NewServer(NewChatRouter(handlers.NewHandler(handlers.Deps{Chat: svc, Blob: bs}), ChatOptions{RateLimitRPS: rps, RateLimitBurst: 1}))
	t.Cleanup(e.chatSrv.Close)
	return e
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestChat_EndToEnd(t *testing.T) {
	e := newEnv(t, 0)
	e.analyzer.gate = make(chan struct{})
	chatURL := e.chatSrv.URL + "/api/chat"

	resp, out := postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "you said hi", out["response"])
	require.Contains(t, out, "analysis")
	require.Nil(t, out["analysis"])

	// Lengths 5 and 7; the third turn reaches 7 and dispatches.
	for _, msg := range []string{"how are you", "fine thanks"} {
		resp, out = postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: msg})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Nil(t, out["analysis"])
	}
	close(e.analyzer.gate)

	require.Eventually(t, func() bool {
		r, err := e.cache.Peek(context.Background(), "abc")
		return err == nil && r != nil
	}, 5*time.Second, 20*time.Millisecond)

	e.analyzer.mu.Lock()
	require.Len(t, e.analyzer.transcripts, 1)
	require.True(t, strings.HasPrefix(e.analyzer.transcripts[0], "Max: hi\nMoritz: you said hi"))
	e.analyzer.mu.Unlock()

	// get-chat peeks without consuming.
	resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?session_id=abc")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["chatHistory"], 7)
	require.NotNil(t, out["analysisHistory"])

	resp, out = postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: "bye"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, ok := out["analysis"].(map[string]any)
	require.True(t, ok, "analysis should be delivered: %v", out)
	require.Equal(t, "Max and Moritz chat.", got["summary"])
	preds := got["predictions"].([]any)
	require.Equal(t, "casual chat", preds[0].(map[string]any)["label"])
	require.Equal(t, "#34A853", preds[0].(map[string]any)["color"])

	_, out = postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: "really bye"})
	require.Nil(t, out["analysis"])

	n, err := e.store.Versions(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestChat_Errors(t *testing.T) {
	e := newEnv(t, 0)
	chatURL := e.chatSrv.URL + "/api/chat"

	resp, out := postJSON(t, chatURL, map[string]string{"content": "hi"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No session_id provided", out["error"])

	resp, out = postJSON(t, chatURL, map[string]string{"session_id": "abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No message provided", out["error"])

	e.model.err = errors.New("upstream down")
	resp, out = postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: "hi"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Error processing LLM response", out["error"])

	e.model.err = fmt.Errorf("client: %w", llm.ErrNotConfigured)
	resp, out = postJSON(t, chatURL, handlers.ChatRequest{SessionID: "abc", Content: "hi"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "OpenAI API key not configured", out["error"])

	n, err := e.store.Versions(context.Background(), "abc")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestChat_PathTraversalStaysInside(t *testing.T) {
	e := newEnv(t, 0)
	resp, _ := postJSON(t, e.chatSrv.URL+"/api/chat", handlers.ChatRequest{SessionID: "../../etc/evil", Content: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := os.Stat(filepath.Join(e.store.Root(), "evil", "evil_1.json"))
	require.NoError(t, err)
}

func TestGetChat(t *testing.T) {
	e := newEnv(t, 0)

	resp, out := getJSON(t, e.chatSrv.URL+"/api/get-chat")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No session_id provided", out["error"])

	resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?session_id=fresh")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []any{map[string]any{"role": "system", "content": seedPrompt}}, out["chatHistory"])
	require.Nil(t, out["analysisHistory"])

	resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?session_id=fresh&template=random")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "No templates found", out["error"])

	resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?session_id=fresh&template=nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Template not found", out["error"])

	require.NoError(t, os.MkdirAll(filepath.Join(e.blobDir, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.blobDir, "templates", "t1.json"),
		[]byte(`{"name":"T1","systemPrompt":"You are T1.","messages":[]}`), 0o644))
	for _, query := range []string{"session_id=..", "session_id=..&template=t1", "session_id=x/..&template=random"} {
		resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?"+query)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
		require.Equal(t, "Invalid session_id", out["error"], query)
	}
}

func TestSaveTemplate_ThenLoadIt(t *testing.T) {
	e := newEnv(t, 0)
	avatar := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG fake"))

	resp, out := postJSON(t, e.chatSrv.URL+"/api/save_template", map[string]any{
		"name":         "Old Friend",
		"systemPrompt": "You are an old friend.",
		"introText":    "Catch up",
		"avatar":       avatar,
		"messages":     []map[string]string{{"role": "assistant", "content": "Long time!"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "success", out["status"])
	require.Equal(t, "Template saved successfully!", out["message"])
	templateURL := out["templateUrl"].(string)
	require.True(t, strings.HasPrefix(templateURL, "https://cdn.example.com/templates/OldFriend-"), templateURL)
	require.True(t, strings.HasPrefix(out["avatarUrl"].(string), "https://cdn.example.com/avatars/OldFriend-"))

	name := strings.TrimSuffix(strings.TrimPrefix(templateURL, "https://cdn.example.com/templates/"), ".json")
	img, err := os.ReadFile(filepath.Join(e.blobDir, "avatars", name+".png"))
	require.NoError(t, err)
	require.Equal(t, []byte("\x89PNG fake"), img)

	resp, out = getJSON(t, e.chatSrv.URL+"/api/get-chat?session_id=s&template="+name)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out["chatHistory"], 2)
	require.Nil(t, out["analysisHistory"])
}

func TestSaveTemplate_BadAvatarStillSaves(t *testing.T) {
	e := newEnv(t, 0)
	resp, out := postJSON(t, e.chatSrv.URL+"/api/save_template", map[string]any{
		"name":   "x",
		"avatar": "data:image/png;base64,%%%not-base64",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "data:image/png;base64,%%%not-base64", out["avatarUrl"])

	resp, out = postJSON(t, e.chatSrv.URL+"/api/save_template", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No data provided", out["error"])
}

func TestSaveFeedback(t *testing.T) {
	e := newEnv(t, 0)

	resp, out := postJSON(t, e.chatSrv.URL+"/api/save_feedback", map[string]string{"contact": "me@example.com"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No feedback message provided", out["error"])

	resp, out = postJSON(t, e.chatSrv.URL+"/api/save_feedback", map[string]string{"message": "great", "contact": "me@example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Feedback saved successfully!", out["message"])
	url := out["url"].(string)
	require.True(t, strings.HasPrefix(url, "https://cdn.example.com/feedback/feedback-"), url)

	data, err := os.ReadFile(filepath.Join(e.blobDir, filepath.FromSlash(strings.TrimPrefix(url, "https://cdn.example.com/"))))
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Equal(t, "great", stored["message"])
	require.Contains(t, stored, "submittedAt")
}

func TestAnalyze(t *testing.T) {
	e := newEnv(t, 0)
	url := e.analysisSrv.URL + "/analyze"

	resp, out := postJSON(t, url, map[string]any{"chat_history": []any{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No session_id provided", out["error"])

	resp, out = postJSON(t, url, map[string]any{"session_id": "abc"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "No chat history provided", out["error"])

	conv := history.Seed("sys").Append(
		history.Message{Role: history.RoleUser, Content: "hi"},
		history.Message{Role: history.RoleAssistant, Content: "hello"},
	)
	resp, out = postJSON(t, url, handlers.AnalyzeRequest{SessionID: "abc", ChatHistory: conv})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"status": "success"}, out)

	res, err := e.cache.Take(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "Max and Moritz chat.", res.Summary)

	e.analyzer.err = errors.New("classifier down")
	resp, out = postJSON(t, url, handlers.AnalyzeRequest{SessionID: "abc", ChatHistory: conv})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Contains(t, out["error"], "classifier down")
}

func TestAnalyze_OutlivesDispatchTimeout(t *testing.T) {
	e := newEnv(t, 0)
	e.analyzer.delay = 300 * time.Millisecond

	// The dispatcher gives up long before the run finishes.
	d := dispatch.New(dispatch.Options{URL: e.analysisSrv.URL + "/analyze", Timeout: 50 * time.Millisecond, Workers: 1})
	conv := history.Seed("sys").Append(
		history.Message{Role: history.RoleUser, Content: "hi"},
		history.Message{Role: history.RoleAssistant, Content: "hello"},
		history.Message{Role: history.RoleUser, Content: "how are you?"},
	)
	d.Submit("slow", conv)
	require.NoError(t, d.Close(context.Background()))

	require.Eventually(t, func() bool {
		res, err := e.cache.Peek(context.Background(), "slow")
		return err == nil && res != nil
	}, 3*time.Second, 20*time.Millisecond)

	res, err := e.cache.Take(context.Background(), "slow")
	require.NoError(t, err)
	require.Equal(t, "Max and Moritz chat.", res.Summary)
}

func TestAnalysisHealth_FollowsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc, err := analysis.NewRedisCache(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	pipeline := &analysis.Pipeline{Analyzer: &fakeAnalyzer{}, Cache: rc, Speakers: analysis.DefaultSpeakers}
	srv := httptest.NewServer(NewAnalysisRouter(handlers.NewHandler(handlers.Deps{
		Pipeline:    pipeline,
		HealthCheck: rc.Ping,
	})))
	t.Cleanup(srv.Close)

	resp, out := getJSON(t, srv.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", out["status"])

	conv := history.Seed("sys").Append(
		history.Message{Role: history.RoleUser, Content: "hi"},
		history.Message{Role: history.RoleAssistant, Content: "hello"},
	)
	resp, _ = postJSON(t, srv.URL+"/analyze", handlers.AnalyzeRequest{SessionID: "abc", ChatHistory: conv})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, mr.Exists("analysis:abc"))

	mr.Close()
	resp, out = getJSON(t, srv.URL+"/health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "unavailable", out["status"])
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, 0)

	resp, out := getJSON(t, e.chatSrv.URL+"/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]any{"status": "ok", "version": "1.0"}, out)

	resp, err := http.Get(e.analysisSrv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChat_RateLimited(t *testing.T) {
	e := newEnv(t, 0.001)
	url := e.chatSrv.URL + "/api/chat"

	resp, _ := postJSON(t, url, handlers.ChatRequest{SessionID: "abc", Content: "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := postJSON(t, url, handlers.ChatRequest{SessionID: "abc", Content: "again"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate limit exceeded", out["error"])

	// Health is never limited.
	resp, _ = getJSON(t, e.chatSrv.URL+"/api/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
