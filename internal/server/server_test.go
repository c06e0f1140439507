package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"rotaguard/internal/config"
	"rotaguard/internal/db"
	"rotaguard/internal/domain"
	"rotaguard/internal/engine"
	"rotaguard/internal/engine/auth"
	"rotaguard/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	dialect := db.DialectFor(db.DriverSQLite)
	if err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, dialect, config.Default("Test Home"))
	clock := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, err := e.SeedRules(ctx, "tester"); err != nil {
		t.Fatalf("seed rules: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := e.AddStaff(ctx, engine.StaffInput{ID: fmt.Sprintf("staff-%02d", i), Name: fmt.Sprintf("Carer %d", i), ActorID: "tester"}); err != nil {
			t.Fatalf("add staff: %v", err)
		}
	}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{JWTSecret: testSecret, EnableDevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, roles, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func errorDetails(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Details
}

// createAlert opens a one-position DAY alert and invites the given staff.
func createAlert(t *testing.T, srv *testServer, staff ...string) (AlertView, map[string]string) {
	t.Helper()
	mgr := bearer(t, "mgr-1", auth.RoleManager)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/alerts", map[string]any{
		"shift_date":     "2024-03-05",
		"shift_type":     "DAY",
		"required_staff": 17,
		"current_staff":  16,
	}, mgr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create alert status %d: %s", res.StatusCode, string(data))
	}
	var alert AlertView
	if err := json.Unmarshal(data, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/alerts/"+alert.ID+"/invitations", map[string]any{
		"staff_ids": staff,
	}, mgr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invite status %d: %s", res.StatusCode, string(data))
	}
	var invited responseList
	if err := json.Unmarshal(data, &invited); err != nil {
		t.Fatalf("unmarshal invitations: %v", err)
	}
	byStaff := map[string]string{}
	for _, r := range invited.Items {
		byStaff[r.StaffID] = r.ID
	}
	return alert, byStaff
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/alerts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/alerts", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d %s", res.StatusCode, string(data))
	}
}

func TestManagerRoleRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/alerts", map[string]any{
		"shift_date":     "2024-03-05",
		"shift_type":     "DAY",
		"required_staff": 17,
		"current_staff":  15,
	}, bearer(t, "staff-01", auth.RoleStaff))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", code)
	}
}

func TestClaimFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alert, byStaff := createAlert(t, srv, "staff-01", "staff-02")
	if alert.PositionsRemaining != 1 {
		t.Fatalf("expected one open position, got %d", alert.PositionsRemaining)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-01"]+"/accept", nil, bearer(t, "staff-02", auth.RoleStaff))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "not_owner" {
		t.Fatalf("expected not_owner, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-01"]+"/accept", nil, bearer(t, "staff-01", auth.RoleStaff))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var accepted AcceptResponse
	if err := json.Unmarshal(data, &accepted); err != nil {
		t.Fatalf("unmarshal accept: %v", err)
	}
	if accepted.Shift.StaffID != "staff-01" || accepted.Shift.ShiftDate != "2024-03-05" {
		t.Fatalf("unexpected shift %+v", accepted.Shift)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-02"]+"/accept", nil, bearer(t, "staff-02", auth.RoleStaff))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_filled" {
		t.Fatalf("expected already_filled, got %d %s", res.StatusCode, string(data))
	}
	if got := errorDetails(t, data)["secondary_code"]; got != "capacity_exceeded" {
		t.Fatalf("expected capacity_exceeded as secondary code, got %v", got)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-01"]+"/accept", nil, bearer(t, "staff-01", auth.RoleStaff))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected repeat accept to conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/alerts/"+alert.ID, nil, bearer(t, "staff-01", auth.RoleStaff))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get alert status %d: %s", res.StatusCode, string(data))
	}
	var detail AlertDetailView
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Status != domain.AlertFilled || detail.PositionsRemaining != 0 {
		t.Fatalf("expected filled alert, got %s with %d remaining", detail.Status, detail.PositionsRemaining)
	}
	statuses := map[string]string{}
	for _, r := range detail.Responses {
		statuses[r.StaffID] = r.Response
	}
	if statuses["staff-01"] != domain.ResponseAccepted || statuses["staff-02"] != domain.ResponseNoResponse {
		t.Fatalf("unexpected responses %v", statuses)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "rota_alerts_claims_total") {
		t.Fatalf("metrics missing claim counter: %d", res.StatusCode)
	}
}

func TestCancelledAlertIsGone(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	alert, byStaff := createAlert(t, srv, "staff-03")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/alerts/"+alert.ID+"/cancel", map[string]any{"reason": "agency booked"}, bearer(t, "mgr-1", auth.RoleManager))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-03"]+"/accept", nil, bearer(t, "staff-03", auth.RoleStaff))
	if res.StatusCode != http.StatusGone || errorCode(t, data) != "cancelled" {
		t.Fatalf("expected 410 cancelled, got %d %s", res.StatusCode, string(data))
	}
}

func TestDeclineAndMyResponses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, byStaff := createAlert(t, srv, "staff-02")
	staff := bearer(t, "staff-02", auth.RoleStaff)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me/responses?response=PENDING", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("my responses status %d: %s", res.StatusCode, string(data))
	}
	var mine responseList
	_ = json.Unmarshal(data, &mine)
	if len(mine.Items) != 1 || mine.Items[0].ID != byStaff["staff-02"] {
		t.Fatalf("unexpected invitations %+v", mine.Items)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/responses/"+byStaff["staff-02"]+"/decline", nil, staff)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decline status %d: %s", res.StatusCode, string(data))
	}
	var declined domain.AlertResponse
	_ = json.Unmarshal(data, &declined)
	if declined.Response != domain.ResponseDeclined {
		t.Fatalf("expected DECLINED, got %s", declined.Response)
	}
}

func TestChecksAndViolationStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	mgr := bearer(t, "mgr-1", auth.RoleManager)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/checks", map[string]any{
		"start": "2024-03-05",
		"end":   "2024-03-05",
		"rules": []string{"MIN_STAFF_DAY", "NOT_A_RULE"},
	}, mgr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run checks status %d: %s", res.StatusCode, string(data))
	}
	var batch engine.BatchResult
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if len(batch.Runs) != 1 || batch.ViolationsFound != 1 || batch.AlertsCreated != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if len(batch.UnknownCodes) != 1 || batch.UnknownCodes[0] != "NOT_A_RULE" {
		t.Fatalf("expected unknown code reported, got %v", batch.UnknownCodes)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/violations?rule=MIN_STAFF_DAY", nil, mgr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list violations status %d: %s", res.StatusCode, string(data))
	}
	var list violationList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 {
		t.Fatalf("expected one violation, got %d", len(list.Items))
	}
	id := list.Items[0].ID

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/violations/"+id, map[string]any{"status": "RESOLVED", "note": "agency cover booked"}, mgr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/violations/"+id, map[string]any{"status": "ACKNOWLEDGED"}, mgr)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", res.StatusCode, string(data))
	}
}

func TestChecksDefaultEndIsTodayPlusSeven(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	mgr := bearer(t, "mgr-1", auth.RoleManager)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/checks", map[string]any{
		"start": "2024-02-20",
		"rules": []string{"LEAVE_COVERAGE"},
	}, mgr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run checks status %d: %s", res.StatusCode, string(data))
	}
	var batch engine.BatchResult
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if batch.PeriodStart != "2024-02-20" || batch.PeriodEnd != "2024-03-08" {
		t.Fatalf("expected 2024-02-20..2024-03-08, got %s..%s", batch.PeriodStart, batch.PeriodEnd)
	}
}

func TestDevLoginAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "mgr-2",
		"roles":    []string{auth.RoleManager},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	headers := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "mgr-2" || !auth.HasRole(me.Roles, auth.RoleManager) {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=staff.added&limit=2", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %d items cursor %q", len(page.Items), page.NextCursor)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=staff.added&limit=2&cursor="+page.NextCursor, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" {
		t.Fatalf("expected last page with one event, got %d cursor %q", len(next.Items), next.NextCursor)
	}
	if next.Items[0].EntityID != "staff-01" {
		t.Fatalf("expected oldest staff event last, got %s", next.Items[0].EntityID)
	}
}
