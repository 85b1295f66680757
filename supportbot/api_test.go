package supportbot

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type testAPI struct {
	*testBot
	api *API
}

func newTestAPI(t testing.TB) *testAPI {
	t.Helper()
	bot := newTestBot(t)
	api, err := newAPI(bot.Bot, bot.config.API)
	require.NoError(t, err)
	return &testAPI{testBot: bot, api: api}
}

func (a *testAPI) do(t testing.TB, method, path string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("Authorization", bearerPrefix+a.config.API.Secret)
	}
	w := httptest.NewRecorder()
	a.api.engine.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	a := newTestAPI(t)
	addTestTag(t, a.testBot, "faq", "Read the FAQ")

	w := a.do(t, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	resp := decodeBody[healthCheckResponse](t, w)
	assert.Equal(t, 1, resp.Keywords)
	assert.False(t, resp.DiscordGatewayConnected)
	assert.Nil(t, resp.CatalogLoadedAt)
}

func TestAPI_Unauthorized(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, apiPrefix+apiPathKeywords, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathKeywords, nil)
	req.Header.Set("Authorization", bearerPrefix+"wrong")
	rec := httptest.NewRecorder()
	a.api.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuthMiddleware_NoSecret(t *testing.T) {
	a := newTestAPI(t)
	a.config.API.Secret = ""
	api, err := newAPI(a.Bot, a.config.API)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathKeywords, nil)
	req.Header.Set("Authorization", bearerPrefix)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Keywords(t *testing.T) {
	a := newTestAPI(t)
	addTestTag(t, a.testBot, "faq", "Read the FAQ")
	addTestTag(t, a.testBot, "bug", "Report it")

	w := a.do(t, http.MethodGet, apiPrefix+apiPathKeywords, true)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[[]keywordResponse](t, w)
	assert.Equal(
		t, []keywordResponse{
			{Keyword: "bug", Response: "Report it"},
			{Keyword: "faq", Response: "Read the FAQ"},
		}, resp,
	)
}

func TestAPI_Servers(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	_, err := a.directory.Upsert(
		ctx, DirectoryEntry{
			Keyword:     "neu",
			DisplayName: "NotEnoughUpdates",
			InviteLink:  "https://discord.gg/moulberry",
			Description: "NEU",
		},
	)
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, apiPrefix+apiPathServers, true)
	require.Equal(t, http.StatusOK, w.Code)
	servers := decodeBody[[]map[string]any](t, w)
	require.Len(t, servers, 1)

	w = a.do(t, http.MethodGet, apiPrefix+apiPathServerDuplicates, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestAPI_Catalog(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, apiPrefix+apiPathCatalog, true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodPost, apiPrefix+apiPathCatalogReload, true)
	require.Equal(t, http.StatusOK, w.Code)
	reload := decodeBody[catalogReloadResponse](t, w)
	assert.Equal(t, len(testModCatalog()), reload.Entries)
	assert.Equal(t, 2, reload.Mods)
	assert.WithinDuration(t, time.Now(), reload.LoadedAt, time.Minute)

	w = a.do(t, http.MethodGet, apiPrefix+apiPathCatalog, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, apiHealthCheck, false)
	health := decodeBody[healthCheckResponse](t, w)
	assert.NotNil(t, health.CatalogLoadedAt)
}

func TestAPI_CatalogReloadFailure(t *testing.T) {
	a := newTestAPI(t)
	a.catalog.mu.Lock()
	a.catalog.err = ErrExternalService
	a.catalog.mu.Unlock()

	w := a.do(t, http.MethodPost, apiPrefix+apiPathCatalogReload, true)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAPI_RegisterCommands(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, apiPrefix+apiPathRegisterCommands, true)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, a.session.overwrittenCommands(), len(a.registry.All()))
}

func TestAPI_Quit(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, apiPrefix+apiPathQuit, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quitting", decodeBody[httpReply](t, w).Message)

	w = a.do(t, http.MethodPost, apiPrefix+apiPathQuit, true)
	assert.Equal(t, http.StatusConflict, w.Code)
}
