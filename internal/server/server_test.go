package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"htbtracker/internal/db"
	"htbtracker/internal/domain"
	"htbtracker/internal/engine"
	"htbtracker/internal/migrate"
)

type noFlags struct{}

func (noFlags) FortressFlags(context.Context, string) ([]domain.FlagDef, error) {
	return nil, nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn, noFlags{})
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	_, err = e.Repo.UpsertMembers(ctx, []domain.Member{{ID: "1", Name: "alice"}, {ID: "2", Name: "bob"}})
	require.NoError(t, err)
	_, err = e.Repo.UpsertChallenges(ctx, []domain.Challenge{
		{ID: "C1", Name: "Baby", Category: "Web", Points: 20},
		{ID: "C2", Name: "Oracle", Category: "Crypto", Points: 50},
	})
	require.NoError(t, err)
	_, err = e.Repo.UpsertMachines(ctx, []domain.Machine{{ID: "M1", Name: "Zipper", Points: 40}})
	require.NoError(t, err)
	_, err = e.Rebuild(ctx)
	require.NoError(t, err)
	_, err = e.Apply(ctx, domain.Member{ID: "1", Name: "alice"}, domain.ActivityEvent{
		ObjectType: domain.KindMachine, ID: "M1", Type: domain.FlagUser, Name: "Zipper", Points: 40,
	})
	require.NoError(t, err)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(nil))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestOutstandingFilterByKind(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/outstanding", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var all outstandingList
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Equal(t, 3, all.Total)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/outstanding?kind=machine_root", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var roots outstandingList
	require.NoError(t, json.Unmarshal(body, &roots))
	require.Len(t, roots.Items, 1)
	assert.Equal(t, domain.OutstandingEntry{Kind: domain.OutstandingMachineRoot, Key: "M1", Name: "Zipper"}, roots.Items[0])

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/outstanding?kind=bogus", nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, string(body), `"code":"bad_request"`)
}

func TestBoard(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/board", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var board BoardResponse
	require.NoError(t, json.Unmarshal(body, &board))
	assert.Len(t, board.Challenges, 2)
	require.Len(t, board.Machines, 1)
	assert.Equal(t, []string{"root"}, board.Machines[0].Missing)
	assert.Empty(t, board.Fortresses)
	assert.Equal(t, 1, board.Counts["machine_root"])
	assert.Equal(t, 0, board.Counts["machine_user"])
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/stats", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Members)
	assert.Equal(t, map[string]int{"challenge": 0, "machine": 1, "fortress": 0}, stats.Facts)
	assert.Equal(t, map[string]int{"challenge": 2, "machine_user": 0, "machine_root": 1, "fortress_flag": 0}, stats.Outstanding)
}

func TestMemberFacts(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/members", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var members memberList
	require.NoError(t, json.Unmarshal(body, &members))
	assert.Len(t, members.Items, 2)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/members/1/facts", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var facts factList
	require.NoError(t, json.Unmarshal(body, &facts))
	assert.Equal(t, "alice", facts.Member.Name)
	require.Len(t, facts.Items, 1)
	assert.Equal(t, domain.FlagUser, facts.Items[0].Flag)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/members/404/facts", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Contains(t, string(body), `"code":"not_found"`)
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "first_blood", page.Items[0].Type)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?limit=50&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(body, &rest))
	assert.Empty(t, rest.NextCursor)
	for _, e := range rest.Items {
		assert.Less(t, e.ID, page.Items[0].ID)
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRebuildEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/rebuild", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var out RebuildResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Counts["challenge"])
	assert.Equal(t, 1, out.Counts["machine_root"])
}

func TestJWTAuth(t *testing.T) {
	secret := "s3cret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, "health stays open")

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/board", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(body), `"code":"unauthorized"`)

	bad, err := IssueToken("other", "ops")
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/board", map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken(secret, "ops")
	require.NoError(t, err)
	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/board", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "s3cret"})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestOpenAPISpec(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "/v0/outstanding")
	assert.Contains(t, string(body), "bearerAuth")
}
