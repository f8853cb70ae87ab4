package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/crmflow-go/internal/domain/workflow"
	"github.com/crmflow-go/internal/engine"
	"github.com/crmflow-go/internal/engine/actions"
	"github.com/crmflow-go/internal/services/dispatch"
	"github.com/crmflow-go/internal/services/trigger"
	"github.com/crmflow-go/internal/services/workflow/repository"
	"github.com/crmflow-go/internal/services/workflow/service"
	"github.com/crmflow-go/pkg/config"
	"github.com/crmflow-go/pkg/database"
	"github.com/crmflow-go/pkg/logger"
)

type fixture struct {
	router *gin.Engine
	db     *database.DB
}

func setupServer(t *testing.T, webhookCfg config.WebhookConfig) *fixture {
	gin.SetMode(gin.TestMode)

	// Use in-memory SQLite for testing
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = gormDB.AutoMigrate(
		&workflow.Workflow{},
		&workflow.Step{},
		&workflow.Execution{},
		&workflow.StepExecution{},
		&workflow.Log{},
		&workflow.Dispatch{},
	)
	require.NoError(t, err)

	db := &database.DB{DB: gormDB}
	log := logger.NewNop()

	registry := actions.NewRegistry(log)
	registry.Register("send_sms", func(context.Context, map[string]interface{}, *engine.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"sent": true}, nil
	})
	registry.Register("add_tag", func(context.Context, map[string]interface{}, *engine.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"tagged": true}, nil
	})

	runner := engine.NewRunner(db, registry, log)
	repo := repository.NewWorkflowRepository(db)
	workflowService := service.NewService(repo, log)
	dispatchService := dispatch.NewService(db, config.DispatchConfig{MaxAttempts: 3, RetryBackoffSeconds: 1}, log)
	triggerService := trigger.NewService(repo, dispatchService, runner, nil, time.Hour, log)

	handlers := NewHandlers(workflowService, dispatchService, triggerService, registry, db, webhookCfg, log)
	router := setupRouter(handlers, webhookCfg, log)

	return &fixture{router: router, db: db}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	return result
}

func (f *fixture) createWorkflow(t *testing.T, triggerType string) string {
	recorder := f.request(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"name":        "Test Workflow",
		"triggerType": triggerType,
	}, nil)
	require.Equal(t, http.StatusCreated, recorder.Code)
	return decode(t, recorder)["id"].(string)
}

func (f *fixture) addStep(t *testing.T, workflowID string, body map[string]interface{}) string {
	recorder := f.request(t, http.MethodPost, "/api/v1/workflows/"+workflowID+"/steps", body, nil)
	require.Equal(t, http.StatusCreated, recorder.Code)
	return decode(t, recorder)["id"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})

	recorder := f.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.request(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestCreateWorkflow(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})

	recorder := f.request(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"name":        "Welcome",
		"triggerType": "contact_created",
	}, nil)

	require.Equal(t, http.StatusCreated, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, "draft", body["status"])

	// Missing name is rejected by binding.
	recorder = f.request(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"triggerType": "contact_created",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// Unknown trigger types are rejected by the service.
	recorder = f.request(t, http.MethodPost, "/api/v1/workflows", map[string]interface{}{
		"name":        "X",
		"triggerType": "telepathy",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})

	recorder := f.request(t, http.MethodGet, "/api/v1/workflows/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestAddStep_Validation(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})
	id := f.createWorkflow(t, "manual")

	recorder := f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/steps", map[string]interface{}{
		"stepType": "action",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/steps", map[string]interface{}{
		"stepType": "delay",
		"config":   map[string]interface{}{"seconds": -1},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestWorkflowLifecycleAndSyncRun(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})
	id := f.createWorkflow(t, "manual")

	// Publishing an empty workflow fails.
	recorder := f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/publish", nil, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	first := f.addStep(t, id, map[string]interface{}{
		"stepType":   "action",
		"actionType": "send_sms",
		"config":     map[string]interface{}{"message": "hi"},
	})
	second := f.addStep(t, id, map[string]interface{}{
		"stepType":   "action",
		"actionType": "add_tag",
		"config":     map[string]interface{}{"tag": "contacted"},
	})

	recorder = f.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/workflows/%s/steps/%s/connect", id, first),
		map[string]interface{}{"toStepId": second, "edge": "next"}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/publish", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "published", decode(t, recorder)["status"])

	// A sync run returns the finished execution.
	recorder = f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/run", map[string]interface{}{
		"sync":        true,
		"triggerData": map[string]interface{}{"contact": map[string]interface{}{"id": "c-1"}},
	}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	execution := decode(t, recorder)
	assert.Equal(t, "completed", execution["status"])
	assert.Equal(t, float64(2), execution["stepsCompleted"])

	// Step executions are queryable afterwards.
	recorder = f.request(t, http.MethodGet,
		"/api/v1/executions/"+execution["id"].(string)+"/steps", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(2), decode(t, recorder)["count"])
}

func TestRunWorkflow_AsyncEnqueuesDispatch(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})
	id := f.createWorkflow(t, "manual")
	f.addStep(t, id, map[string]interface{}{
		"stepType":   "action",
		"actionType": "send_sms",
	})

	recorder := f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/run", nil, nil)
	require.Equal(t, http.StatusAccepted, recorder.Code)
	body := decode(t, recorder)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, id, body["workflowId"])

	recorder = f.request(t, http.MethodGet, "/api/v1/queue/stats", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), decode(t, recorder)["pending"])
}

func TestListActions(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})

	recorder := f.request(t, http.MethodGet, "/api/v1/actions", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	actionTypes := decode(t, recorder)["actions"].([]interface{})
	assert.Equal(t, []interface{}{"add_tag", "send_sms"}, actionTypes)
}

func publishWebhookWorkflow(t *testing.T, f *fixture, triggerType string) string {
	id := f.createWorkflow(t, triggerType)
	f.addStep(t, id, map[string]interface{}{
		"stepType":   "action",
		"actionType": "send_sms",
	})
	recorder := f.request(t, http.MethodPost, "/api/v1/workflows/"+id+"/publish", nil, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	return id
}

func TestReceiveWebhook_Async(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})
	publishWebhookWorkflow(t, f, "contact_created")

	recorder := f.request(t, http.MethodPost, "/webhooks/crm", map[string]interface{}{
		"event":   "ContactCreate",
		"contact": map[string]interface{}{"id": "c-1"},
	}, nil)

	require.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, float64(1), decode(t, recorder)["enqueued"])
}

func TestReceiveWebhook_UnknownEventIsAcknowledged(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})

	recorder := f.request(t, http.MethodPost, "/webhooks/crm", map[string]interface{}{
		"event": "SomethingElse",
	}, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(0), decode(t, recorder)["matched"])
}

func TestReceiveWebhook_SyncMode(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: false})
	publishWebhookWorkflow(t, f, "contact_created")

	recorder := f.request(t, http.MethodPost, "/webhooks/crm", map[string]interface{}{
		"event":   "contact_created",
		"contact": map[string]interface{}{"id": "c-1"},
	}, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, float64(1), decode(t, recorder)["executions"])
}

func signWebhook(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestReceiveWebhook_SignatureVerification(t *testing.T) {
	cfg := config.WebhookConfig{
		SigningSecret:       "topsecret",
		SignatureTTLSeconds: 300,
		AsyncDispatch:       true,
	}
	f := setupServer(t, cfg)
	publishWebhookWorkflow(t, f, "contact_created")

	payload := map[string]interface{}{
		"event":   "contact_created",
		"contact": map[string]interface{}{"id": "c-1"},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	// Valid signature passes.
	recorder := f.request(t, http.MethodPost, "/webhooks/crm", payload, map[string]string{
		"X-Webhook-Timestamp": timestamp,
		"X-Webhook-Signature": signWebhook("topsecret", timestamp, body),
	})
	assert.Equal(t, http.StatusAccepted, recorder.Code)

	// Wrong secret is rejected.
	recorder = f.request(t, http.MethodPost, "/webhooks/crm", payload, map[string]string{
		"X-Webhook-Timestamp": timestamp,
		"X-Webhook-Signature": signWebhook("wrong", timestamp, body),
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// Missing headers are rejected.
	recorder = f.request(t, http.MethodPost, "/webhooks/crm", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// Stale timestamps are rejected even with a valid signature.
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	recorder = f.request(t, http.MethodPost, "/webhooks/crm", payload, map[string]string{
		"X-Webhook-Timestamp": stale,
		"X-Webhook-Signature": signWebhook("topsecret", stale, body),
	})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestReceiveWebhook_APIKeyFallback(t *testing.T) {
	cfg := config.WebhookConfig{APIKey: "key-123", AsyncDispatch: true}
	f := setupServer(t, cfg)

	payload := map[string]interface{}{"event": "contact_created"}

	recorder := f.request(t, http.MethodPost, "/webhooks/crm", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = f.request(t, http.MethodPost, "/webhooks/crm", payload, map[string]string{
		"X-API-Key": "key-123",
	})
	assert.Equal(t, http.StatusAccepted, recorder.Code)
}

func TestDeleteWorkflow(t *testing.T) {
	f := setupServer(t, config.WebhookConfig{AsyncDispatch: true})
	id := f.createWorkflow(t, "manual")

	recorder := f.request(t, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder = f.request(t, http.MethodDelete, "/api/v1/workflows/"+id, nil, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
