package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/offsetledger/internal/credits"
	"github.com/MarcoPoloResearchLab/offsetledger/internal/database"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var serverDatabaseCounter atomic.Int64

const forestAPayload = `{"project_name":"Forest A","registry":"VCS","vintage":2020,"quantity":100,"serial_number":"SN-1"}`

type testHarness struct {
	handler    http.Handler
	dispatcher *RealtimeDispatcher
	db         *gorm.DB
}

func newTestHarness(t *testing.T, heartbeat time.Duration) testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", serverDatabaseCounter.Add(1))
	db, err := database.Open(database.Options{Driver: database.DriverSQLite, DSN: dsn, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := credits.NewStore(db)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	service, err := credits.NewService(credits.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		LedgerService:     service,
		Dispatcher:        dispatcher,
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return testHarness{handler: handler, dispatcher: dispatcher, db: db}
}

func (h testHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}
