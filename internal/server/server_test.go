package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"slipsync/internal/config"
	"slipsync/internal/db"
	"slipsync/internal/engine"
	"slipsync/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	return newTestServerAuth(t, AuthConfig{JWTSecret: testSecret})
}

func newTestServerAuth(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func devLogin(t *testing.T, srv *testServer, actorID, teamID, role string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"team_id":  teamID,
		"role":     role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body DevLoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/teams/t1/cases", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("error envelope: %s (%v)", string(data), err)
	}

	// Health stays open.
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestCrossTeamTokenForbidden(t *testing.T) {
	srv := newTestServer(t)
	hdr := devLogin(t, srv, "alice", "t1", "member")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/teams/t2/cases", nil, hdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestCaseLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	alice := devLogin(t, srv, "alice", "t1", "member")
	base := srv.URL + "/v0/teams/t1/cases"

	res, data := doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"job_number":  "JOB-1",
		"case_kind":   "montagezettel",
		"sheet_phase": "montage",
		"totals":      map[string]any{"materials": 100, "montage": 40, "demontage": 0, "total": 140, "hours": 8},
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	var created CaseResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if created.Status != "draft" || created.Phase != "draft" || created.CaseID == "" {
		t.Fatalf("created case: %+v", created)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, base+"/"+created.CaseID+"/approve", map[string]any{
		"sheet_phase": "montage",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved CaseResponse
	_ = json.Unmarshal(data, &approved)
	if approved.Status != "approved" || approved.Phase != "ready_for_demontage" {
		t.Fatalf("approved case: %+v", approved)
	}

	res, data = doJSON(t, srv.client, http.MethodPatch, base+"/"+created.CaseID+"/status", map[string]any{
		"status": "demontage_in_progress",
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status %d: %s", res.StatusCode, string(data))
	}

	// A demontage sheet completes the case and writes the receipt.
	res, data = doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"case_id":     created.CaseID,
		"job_number":  "JOB-1",
		"case_kind":   "montagezettel",
		"sheet_phase": "demontage",
		"totals":      map[string]any{"materials": 20, "montage": 0, "demontage": 30, "total": 50, "hours": 4},
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("demontage export status %d: %s", res.StatusCode, string(data))
	}
	var done CaseResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != "done" || done.Phase != "completed" {
		t.Fatalf("done case: %+v", done)
	}
	if done.Attachments.Receipt == nil || done.Attachments.Receipt.Totals.Total != 190 {
		t.Fatalf("receipt: %+v", done.Attachments.Receipt)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/teams/t1/audit", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var ledger struct {
		Entries []AuditEntryResponse `json:"entries"`
	}
	if err := json.Unmarshal(data, &ledger); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(ledger.Entries) != 4 {
		t.Fatalf("audit entries = %d, want 4", len(ledger.Entries))
	}
	if ledger.Entries[0].Action != "export_demontage" {
		t.Fatalf("newest audit action %q", ledger.Entries[0].Action)
	}

	res, data = doJSON(t, srv.client, http.MethodDelete, base+"/"+created.CaseID, nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodGet, base+"/"+created.CaseID, nil, alice)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status %d: %s", res.StatusCode, string(data))
	}
}

func TestStaleIfMatchReturns409WithCurrent(t *testing.T) {
	srv := newTestServer(t)
	alice := devLogin(t, srv, "alice", "t1", "member")
	base := srv.URL + "/v0/teams/t1/cases"

	_, data := doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"job_number": "JOB-2", "case_kind": "montagezettel", "sheet_phase": "montage",
		"totals": map[string]any{},
	}, alice)
	var first CaseResponse
	_ = json.Unmarshal(data, &first)

	_, data = doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"job_number": "JOB-2", "case_kind": "montagezettel", "sheet_phase": "montage",
		"totals": map[string]any{},
	}, alice)
	var second CaseResponse
	_ = json.Unmarshal(data, &second)

	res, data := doJSON(t, srv.client, http.MethodPost, base+"/"+first.CaseID+"/approve", map[string]any{
		"sheet_phase":         "montage",
		"if_match_updated_at": first.LastUpdatedAt,
	}, alice)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Current CaseResponse `json:"current"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "conflict" || envelope.Error.Details.Current.LastUpdatedAt != second.LastUpdatedAt {
		t.Fatalf("conflict envelope: %s", string(data))
	}
}

func TestListPageAndDeltaModes(t *testing.T) {
	srv := newTestServer(t)
	owner := devLogin(t, srv, "olivia", "t1", "owner")
	base := srv.URL + "/v0/teams/t1/cases"

	for _, job := range []string{"JOB-10", "JOB-11", "JOB-12"} {
		res, data := doJSON(t, srv.client, http.MethodPost, base, map[string]any{
			"job_number": job, "case_kind": "montagezettel", "sheet_phase": "montage",
			"totals": map[string]any{},
		}, owner)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("export %s: %d %s", job, res.StatusCode, string(data))
		}
	}

	// Page mode with a small limit.
	res, data := doJSON(t, srv.client, http.MethodGet, base+"?limit=2", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("page status %d: %s", res.StatusCode, string(data))
	}
	var page listCasesBody
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if page.Page == nil || page.Delta != nil {
		t.Fatalf("expected page mode: %s", string(data))
	}
	if len(page.Page.Items) != 2 || page.Page.Total != 3 || page.Page.NextCursor == "" {
		t.Fatalf("page: %+v", page.Page)
	}

	// A corrupt cursor restarts from the first page.
	res, data = doJSON(t, srv.client, http.MethodGet, base+"?limit=2&cursor=%25garbage%25", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("corrupt cursor status %d: %s", res.StatusCode, string(data))
	}
	var retry listCasesBody
	_ = json.Unmarshal(data, &retry)
	if retry.Page == nil || len(retry.Page.Items) != 2 {
		t.Fatalf("corrupt cursor page: %s", string(data))
	}
	if retry.Page.Items[0].CaseID != page.Page.Items[0].CaseID {
		t.Fatalf("corrupt cursor did not restart from the first page")
	}

	// Delta mode via since.
	res, data = doJSON(t, srv.client, http.MethodGet, base+"?since=1970-01-01T00%3A00%3A00.000000000Z", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delta status %d: %s", res.StatusCode, string(data))
	}
	var delta listCasesBody
	if err := json.Unmarshal(data, &delta); err != nil {
		t.Fatalf("unmarshal delta: %v", err)
	}
	if delta.Delta == nil || len(delta.Delta.Cases) != 3 || delta.Delta.MaxUpdatedAt == "" {
		t.Fatalf("delta: %s", string(data))
	}

	// Nothing new after the watermark.
	res, data = doJSON(t, srv.client, http.MethodGet,
		base+"?since="+delta.Delta.MaxUpdatedAt+"&since_id="+delta.Delta.MaxID, nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("idle delta status %d: %s", res.StatusCode, string(data))
	}
	var idle listCasesBody
	_ = json.Unmarshal(data, &idle)
	if idle.Delta == nil || len(idle.Delta.Cases) != 0 || len(idle.Delta.DeletedCaseIDs) != 0 {
		t.Fatalf("idle delta: %s", string(data))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServerAuth(t, AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true})
	hdr := map[string]string{"X-Actor-Id": "alice", "X-Team-Id": "t1"}
	base := srv.URL + "/v0/teams/t1/cases"

	res, data := doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"job_number": "JOB-30", "case_kind": "montagezettel", "sheet_phase": "montage",
		"totals": map[string]any{},
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("legacy export status %d: %s", res.StatusCode, string(data))
	}

	// Headers are ignored when the flag is off.
	strict := newTestServer(t)
	res, _ = doJSON(t, strict.client, http.MethodGet, strict.URL+"/v0/teams/t1/cases", nil, hdr)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("strict server accepted legacy headers: %d", res.StatusCode)
	}
}

func TestMemberCannotSeeOthersDraft(t *testing.T) {
	srv := newTestServer(t)
	alice := devLogin(t, srv, "alice", "t1", "member")
	bob := devLogin(t, srv, "bob", "t1", "member")
	base := srv.URL + "/v0/teams/t1/cases"

	_, data := doJSON(t, srv.client, http.MethodPost, base, map[string]any{
		"job_number": "JOB-20", "case_kind": "montagezettel", "sheet_phase": "montage",
		"totals": map[string]any{},
	}, alice)
	var created CaseResponse
	_ = json.Unmarshal(data, &created)

	res, data := doJSON(t, srv.client, http.MethodGet, base+"/"+created.CaseID, nil, bob)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("bob sees alice's draft: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, base+"/"+created.CaseID, nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alice blocked from own draft: %d", res.StatusCode)
	}
}
