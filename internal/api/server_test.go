package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sells-group/tagging-cli/internal/auth"
	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/catalog"
	"github.com/sells-group/tagging-cli/internal/fsutil"
	"github.com/sells-group/tagging-cli/internal/model"
	"github.com/sells-group/tagging-cli/internal/monitoring"
	"github.com/sells-group/tagging-cli/internal/session"
	"github.com/sells-group/tagging-cli/internal/tagstore"
)

type testEnv struct {
	handler   http.Handler
	manager   *session.Manager
	storePath string
}

func newTestEnv(t *testing.T, minRows int, keys ...string) testEnv {
	t.Helper()
	dir := t.TempDir()
	var records []model.MasterRecord
	for _, k := range keys {
		records = append(records, model.MasterRecord{
			Key:       k,
			StyleCode: "S-" + k,
			Hints:     model.Hints{StyleCategory: "RING", MetalColor: "W"},
		})
	}
	storePath := filepath.Join(dir, "tagged_data.csv")
	store := tagstore.New(tagstore.Config{
		Path:        storePath,
		MinRows:     minRows,
		LockTimeout: 50 * time.Millisecond,
	}, backup.New(backup.Config{Dir: filepath.Join(dir, "backups"), MainPath: storePath}))

	hash, err := bcrypt.GenerateFromPassword([]byte("1234"), bcrypt.MinCost)
	require.NoError(t, err)
	gate := auth.NewGate(auth.Credentials{"Ana": string(hash)}, 0)

	metrics := monitoring.NewMetrics()
	manager := session.NewManager(session.Deps{
		Catalog: catalog.New(records, 7),
		Store:   store,
		Metrics: metrics,
	}, time.Hour)

	return testEnv{
		handler:   New(manager, gate, metrics, []string{"*"}).Router(),
		manager:   manager,
		storePath: storePath,
	}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e testEnv) login(t *testing.T) sessionResponse {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/v1/sessions", loginRequest{Name: "ana", PIN: "1234"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	rr := env.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	env.login(t)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "tagger_active_sessions 1")
}

func TestAnnotators(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	rr := env.do(t, http.MethodGet, "/v1/annotators", nil)
	assert.JSONEq(t, `{"annotators":["Ana"]}`, rr.Body.String())
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, 0, "a", "b")
	resp := env.login(t)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "Ana", resp.Tagger)
	assert.False(t, resp.Done)
	require.NotNil(t, resp.Current)
	assert.Equal(t, "RING", resp.Current.Record.Hints.StyleCategory)
	assert.Equal(t, 1, env.manager.Len())
}

func TestLogin_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "wrong pin", body: loginRequest{Name: "ana", PIN: "0000"}, status: http.StatusUnauthorized},
		{name: "unknown name", body: loginRequest{Name: "eve", PIN: "1234"}, status: http.StatusUnauthorized},
		{name: "missing pin", body: loginRequest{Name: "ana"}, status: http.StatusBadRequest},
		{name: "not json", body: "x", status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 0, "a")
			rr := env.do(t, http.MethodPost, "/v1/sessions", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, 0, env.manager.Len())
		})
	}
}

func TestLogin_NoGate(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	h := New(env.manager, nil, nil, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewBufferString(`{"name":"ana","pin":"1234"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSaveSkipFlow(t *testing.T) {
	env := newTestEnv(t, 0, "a", "b", "c")
	sess := env.login(t)
	base := "/v1/sessions/" + sess.SessionID

	first := sess.Current.Key
	rr := env.do(t, http.MethodPost, base+"/save", map[string]any{"style_category": "RING", "tagger": "someone-else"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out session.SaveOutcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, first, out.Result.Record.Key)
	assert.Equal(t, "Ana", out.Result.Record.Tagger)
	assert.Equal(t, 1, out.Result.Rows)
	require.NotNil(t, out.Next)
	assert.NotEqual(t, first, out.Next.Key)

	rr = env.do(t, http.MethodPost, base+"/skip", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var skipped currentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &skipped))
	require.NotNil(t, skipped.Current)
	assert.NotEqual(t, out.Next.Key, skipped.Current.Key)
	assert.NotEqual(t, first, skipped.Current.Key)

	rr = env.do(t, http.MethodGet, base+"/current", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cur currentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cur))
	assert.Equal(t, skipped.Current.Key, cur.Current.Key)
	assert.Equal(t, 1, cur.Progress.Tagged)
	assert.Equal(t, 3, cur.Progress.Total)

	rr = env.do(t, http.MethodGet, "/v1/progress", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var prog progressResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &prog))
	assert.Equal(t, 1, prog.Tagged)
	assert.Equal(t, map[string]int{"Ana": 1}, prog.ByTagger)
}

func TestSave_Errors(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	sess := env.login(t)
	base := "/v1/sessions/" + sess.SessionID

	rr := env.do(t, http.MethodPost, base+"/save", map[string]any{"original_filename": "nope.jpg"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "not in the master catalog")

	rr = env.do(t, http.MethodPost, base+"/save", "x")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, base+"/save", map[string]any{})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, base+"/save", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, base+"/current", nil)
	var cur currentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cur))
	assert.True(t, cur.Done)
	assert.Nil(t, cur.Current)
}

func TestSave_Locked(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	sess := env.login(t)

	held, err := fsutil.Acquire(context.Background(), env.storePath+".lock", time.Second)
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck

	rr := env.do(t, http.MethodPost, "/v1/sessions/"+sess.SessionID+"/save", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/sessions/nope/current"},
		{http.MethodPost, "/v1/sessions/nope/save"},
		{http.MethodPost, "/v1/sessions/nope/skip"},
		{http.MethodDelete, "/v1/sessions/nope"},
	} {
		rr := env.do(t, tc.method, tc.path, map[string]any{})
		assert.Equal(t, http.StatusNotFound, rr.Code, tc.path)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	sess := env.login(t)

	rr := env.do(t, http.MethodDelete, "/v1/sessions/"+sess.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, 0, env.manager.Len())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, 0, "a")
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "https://tagger.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(tagstore.ErrBelowFloor))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(tagstore.ErrLocked))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(auth.ErrThrottled))
	assert.Equal(t, http.StatusBadRequest, statusFor(session.ErrNoCurrent))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
