package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"varswap/internal/api"
	"varswap/internal/fixedpoint"
	"varswap/internal/oracle"
	"varswap/internal/store"
	"varswap/internal/swap"
)

// testEnv holds all the components needed for e2e testing
type testEnv struct {
	server     *httptest.Server
	store      *store.Store
	controller *swap.Controller
	feed       *oracle.Static
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	feed := oracle.NewStatic("test-index", fixedpoint.FromInt(100))
	controller := swap.NewController(st)

	srv := api.NewServer(controller, st, map[string]swap.Oracle{"test-index": feed}, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())

	return &testEnv{
		server:     ts,
		store:      st,
		controller: controller,
		feed:       feed,
	}
}

func (e *testEnv) cleanup() {
	e.server.Close()
	e.store.Close()
}

// Helper to make JSON requests
func (e *testEnv) post(path string, body interface{}, token string) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", e.server.URL+path, bytes.NewBuffer(jsonBody))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func (e *testEnv) get(path string, token string) (*http.Response, error) {
	req, _ := http.NewRequest("GET", e.server.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

// decodeJSON is a helper to decode JSON and fail the test on error
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
}

// registerUser registers a user and returns auth token and user ID
func (e *testEnv) registerUser(t *testing.T, username, password string) (token, userID string) {
	t.Helper()
	resp, err := e.post("/api/auth/register", map[string]string{
		"username": username,
		"password": password,
	}, "")
	if err != nil {
		t.Fatalf("Register request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := new(bytes.Buffer)
		body.ReadFrom(resp.Body)
		t.Fatalf("Register failed with status %d: %s", resp.StatusCode, body.String())
	}

	var result api.AuthResponse
	decodeJSON(t, resp, &result)

	if result.Token == "" || result.UserID == "" {
		t.Fatal("Missing token or user_id in register response")
	}
	return result.Token, result.UserID
}

// fundedUser registers a user and deposits amount into their account
func (e *testEnv) fundedUser(t *testing.T, username string, amount int64) (token, userID string) {
	t.Helper()
	token, userID = e.registerUser(t, username, "password123")
	resp, err := e.post("/api/account/deposit", api.AmountRequest{Amount: amount}, token)
	if err != nil {
		t.Fatalf("Deposit request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Deposit failed with status %d", resp.StatusCode)
	}
	return token, userID
}

// createBook creates a book over the test feed and returns its name
func (e *testEnv) createBook(t *testing.T, token string) string {
	t.Helper()
	resp, err := e.post("/api/books", api.CreateBookRequest{
		Oracle:            "test-index",
		RoundEnd:          time.Now().Add(time.Hour),
		CollateralPerUnit: 1000,
	}, token)
	if err != nil {
		t.Fatalf("Create book request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body := new(bytes.Buffer)
		body.ReadFrom(resp.Body)
		t.Fatalf("Create book failed with status %d: %s", resp.StatusCode, body.String())
	}

	var info swap.BookInfo
	decodeJSON(t, resp, &info)
	if info.Name == "" {
		t.Fatal("book name missing in create response")
	}
	if info.State != "OPEN" {
		t.Fatalf("new book state = %s, want OPEN", info.State)
	}
	return info.Name
}

func (e *testEnv) account(t *testing.T, token string) api.AccountResponse {
	t.Helper()
	resp, err := e.get("/api/account", token)
	if err != nil {
		t.Fatalf("Get account request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Get account failed with status %d", resp.StatusCode)
	}
	var acc api.AccountResponse
	decodeJSON(t, resp, &acc)
	return acc
}

// ==================== AUTH ====================

func TestRegisterAndLogin(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.registerUser(t, "alice", "password123")
	if token == "" {
		t.Fatal("expected token")
	}

	// Duplicate username rejected
	resp, _ := env.post("/api/auth/register", map[string]string{
		"username": "alice", "password": "password456",
	}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}

	// Login works
	resp, _ = env.post("/api/auth/login", map[string]string{
		"username": "alice", "password": "password123",
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d, want 200", resp.StatusCode)
	}

	// Wrong password rejected
	resp2, _ := env.post("/api/auth/login", map[string]string{
		"username": "alice", "password": "wrong",
	}, "")
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp2.StatusCode)
	}
}

func TestAccountRequiresAuth(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	resp, _ := env.get("/api/account", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated account status = %d, want 401", resp.StatusCode)
	}
}

func TestDepositWithdraw(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.fundedUser(t, "alice", 10000)

	acc := env.account(t, token)
	if acc.Available != 10000 {
		t.Errorf("available = %d, want 10000", acc.Available)
	}

	resp, _ := env.post("/api/account/withdraw", api.AmountRequest{Amount: 4000}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("withdraw status = %d, want 200", resp.StatusCode)
	}

	resp, _ = env.post("/api/account/withdraw", api.AmountRequest{Amount: 7000}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("overdraw status = %d, want 402", resp.StatusCode)
	}
}

// ==================== TRADING FLOW ====================

func TestFullTradingFlow(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	aliceToken, _ := env.fundedUser(t, "alice", 20000)
	bobToken, _ := env.fundedUser(t, "bob", 5000)

	book := env.createBook(t, aliceToken)

	// Alice writes 10 units at strike 105, asking 2000 for the lot
	resp, _ := env.post("/api/books/"+book+"/sell", api.SellRequest{
		Strike: 105, AskPrice: 2000, Units: "10",
	}, aliceToken)
	if resp.StatusCode != http.StatusOK {
		body := new(bytes.Buffer)
		body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("sell failed with status %d: %s", resp.StatusCode, body.String())
	}
	resp.Body.Close()

	// Collateral moved into escrow: 10 units x 1000 per unit
	acc := env.account(t, aliceToken)
	if acc.Available != 10000 || acc.Locked != 10000 {
		t.Fatalf("after sell: available=%d locked=%d, want 10000/10000", acc.Available, acc.Locked)
	}

	// Quote for 5 units at the strike
	resp, _ = env.get("/api/books/"+book+"/quote?strike=105&units=5", "")
	var quote struct {
		TotalCost int64 `json:"total_cost"`
	}
	decodeJSON(t, resp, &quote)
	resp.Body.Close()
	if quote.TotalCost != 1000 {
		t.Fatalf("quote total_cost = %d, want 1000", quote.TotalCost)
	}

	// Bob buys up to 1000, getting 5 units
	resp, _ = env.post("/api/books/"+book+"/buy", api.BuyRequest{
		Strike: 105, MaxSpend: 1000,
	}, bobToken)
	if resp.StatusCode != http.StatusOK {
		body := new(bytes.Buffer)
		body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("buy failed with status %d: %s", resp.StatusCode, body.String())
	}
	var fill struct {
		FilledUnits fixedpoint.Value `json:"filled_units"`
		TotalCost   int64            `json:"total_cost"`
	}
	decodeJSON(t, resp, &fill)
	resp.Body.Close()
	if fill.TotalCost != 1000 {
		t.Errorf("fill total_cost = %d, want 1000", fill.TotalCost)
	}
	if fill.FilledUnits.Cmp(fixedpoint.FromInt(5)) != 0 {
		t.Errorf("filled_units = %s, want 5", fill.FilledUnits)
	}

	acc = env.account(t, bobToken)
	if acc.Available != 4000 {
		t.Errorf("bob available = %d, want 4000", acc.Available)
	}

	// Bob's position shows 5 long at the strike
	resp, _ = env.get("/api/books/"+book+"/positions", bobToken)
	var positions []struct {
		Strike int64            `json:"strike"`
		Long   fixedpoint.Value `json:"long"`
	}
	decodeJSON(t, resp, &positions)
	resp.Body.Close()
	if len(positions) != 1 || positions[0].Strike != 105 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
	if positions[0].Long.Cmp(fixedpoint.FromInt(5)) != 0 {
		t.Errorf("bob long = %s, want 5", positions[0].Long)
	}

	// Depth shows the remaining 5 units resting
	resp, _ = env.get("/api/books/"+book+"/depth", "")
	var depth []struct {
		Strike int64 `json:"strike"`
	}
	decodeJSON(t, resp, &depth)
	resp.Body.Close()
	if len(depth) != 1 || depth[0].Strike != 105 {
		t.Errorf("unexpected depth: %+v", depth)
	}

	// Settling an open round is rejected
	resp, _ = env.post("/api/books/"+book+"/settle", nil, aliceToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("early settle status = %d, want 409", resp.StatusCode)
	}

	// Expire the round, move the index, settle
	if err := env.controller.SetRoundEnd(book, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SetRoundEnd failed: %v", err)
	}
	env.feed.Set(fixedpoint.FromInt(110))

	resp, _ = env.post("/api/books/"+book+"/settle", nil, aliceToken)
	if resp.StatusCode != http.StatusOK {
		body := new(bytes.Buffer)
		body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("settle failed with status %d: %s", resp.StatusCode, body.String())
	}
	var report swap.SettlementReport
	decodeJSON(t, resp, &report)
	resp.Body.Close()
	if report.FinalIndexValue.Cmp(fixedpoint.FromInt(110)) != 0 {
		t.Errorf("final index = %s, want 110", report.FinalIndexValue)
	}

	// Second settle is rejected
	resp, _ = env.post("/api/books/"+book+"/settle", nil, aliceToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double settle status = %d, want 409", resp.StatusCode)
	}

	// Alice redeems her sale proceeds and settlement credit
	resp, _ = env.post("/api/books/"+book+"/redeem/payments", nil, aliceToken)
	var redeemed api.RedeemResponse
	decodeJSON(t, resp, &redeemed)
	resp.Body.Close()
	if redeemed.Amount != 1000 {
		t.Errorf("alice sale proceeds = %d, want 1000", redeemed.Amount)
	}
	resp, _ = env.post("/api/books/"+book+"/redeem/positions", nil, aliceToken)
	decodeJSON(t, resp, &redeemed)
	resp.Body.Close()
	if redeemed.Amount != 25 {
		t.Errorf("alice settlement credit = %d, want 25", redeemed.Amount)
	}

	resp, _ = env.post("/api/books/"+book+"/redeem/positions", nil, bobToken)
	decodeJSON(t, resp, &redeemed)
	resp.Body.Close()
	if redeemed.Amount != 25 {
		t.Errorf("bob settlement credit = %d, want 25", redeemed.Amount)
	}

	// Final balances: payout conserved against total deposits
	aliceAcc := env.account(t, aliceToken)
	bobAcc := env.account(t, bobToken)
	if aliceAcc.Locked != 0 {
		t.Errorf("alice locked = %d, want 0", aliceAcc.Locked)
	}
	if aliceAcc.Available != 20975 {
		t.Errorf("alice available = %d, want 20975", aliceAcc.Available)
	}
	if bobAcc.Available != 4025 {
		t.Errorf("bob available = %d, want 4025", bobAcc.Available)
	}
}

func TestSellRequiresFunds(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	aliceToken, _ := env.fundedUser(t, "alice", 20000)
	poorToken, _ := env.fundedUser(t, "carol", 500)

	book := env.createBook(t, aliceToken)

	resp, _ := env.post("/api/books/"+book+"/sell", api.SellRequest{
		Strike: 105, AskPrice: 2000, Units: "10",
	}, poorToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("underfunded sell status = %d, want 402", resp.StatusCode)
	}
}

func TestUnknownBookIs404(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.fundedUser(t, "alice", 1000)

	resp, _ := env.get("/api/books/book-doesnotexist", token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown book status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateBookValidation(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	token, _ := env.fundedUser(t, "alice", 1000)

	// Unknown oracle
	resp, _ := env.post("/api/books", api.CreateBookRequest{
		Oracle:            "nope",
		RoundEnd:          time.Now().Add(time.Hour),
		CollateralPerUnit: 1000,
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown oracle status = %d, want 400", resp.StatusCode)
	}

	// Round end before start
	resp, _ = env.post("/api/books", api.CreateBookRequest{
		Oracle:            "test-index",
		RoundEnd:          time.Now().Add(-time.Hour),
		CollateralPerUnit: 1000,
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted round status = %d, want 400", resp.StatusCode)
	}

	// Duplicate rounds share a derived name
	name := env.createBook(t, token)
	info, err := env.controller.BookInfo(name)
	if err != nil {
		t.Fatalf("BookInfo failed: %v", err)
	}
	resp, _ = env.post("/api/books", api.CreateBookRequest{
		Oracle:            "test-index",
		RoundStart:        info.RoundStart,
		RoundEnd:          info.RoundEnd,
		CollateralPerUnit: info.CollateralPerUnit,
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate book status = %d, want 409", resp.StatusCode)
	}
}

// ==================== WEBSOCKET ====================

func TestWebSocketReceivesEvents(t *testing.T) {
	env := setupTestEnv(t)
	defer env.cleanup()

	aliceToken, _ := env.fundedUser(t, "alice", 20000)
	book := env.createBook(t, aliceToken)

	wsURL := "ws" + env.server.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket dial failed: %v", err)
	}
	defer conn.Close()

	// First frame is the book list snapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snapshot struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "books" {
		t.Fatalf("first frame type = %s, want books", snapshot.Type)
	}

	// A sell produces an order event
	resp, _ := env.post("/api/books/"+book+"/sell", api.SellRequest{
		Strike: 105, AskPrice: 2000, Units: "10",
	}, aliceToken)
	resp.Body.Close()

	var event struct {
		Type string `json:"type"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read order event: %v", err)
	}
	if event.Type != "order" {
		t.Errorf("event type = %s, want order", event.Type)
	}
}
