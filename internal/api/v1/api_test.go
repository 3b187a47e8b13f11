package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/notifications"
	"flowline/internal/pipelines/actions"
	"flowline/internal/services"
)

type apiEnv struct {
	t      *testing.T
	engine *gin.Engine
	repos  *repositories.Repositories
}

func newAPIEnv(t *testing.T, localMode bool) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	repos := repositories.New(database)
	_, err = repos.Users.Create("admin", true, nil)
	require.NoError(t, err)

	registry := actions.NewRegistry()
	registry.Register(actions.NewCustomHandler())
	registry.Register(actions.NewUpdateFieldHandler(repos.Entities))

	svc := Services{
		Pipelines:   services.NewPipelineService(repos),
		Transitions: services.NewTransitionService(repos, registry, nil, nil),
		Dashboard:   services.NewDashboardService(repos, 7),
		Audit:       notifications.NewAuditService(database.Conn()),
	}

	engine := gin.New()
	NewAPIHandlers(repos, svc, localMode, "admin").RegisterRoutes(engine.Group("/api/v1"))
	return &apiEnv{t: t, engine: engine, repos: repos}
}

func (e *apiEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) decode(rec *httptest.ResponseRecorder, out any) {
	e.t.Helper()
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), out))
}

var assetDefinition = map[string]any{
	"code":        "asset-lifecycle",
	"name":        "Asset Lifecycle",
	"entity_kind": "asset",
	"states": []map[string]any{
		{"code": "draft", "name": "Draft", "type": "initial"},
		{"code": "active", "name": "Active", "type": "intermediate"},
		{"code": "disposed", "name": "Disposed", "type": "final"},
	},
	"transitions": []map[string]any{
		{"code": "activate", "name": "Activate", "from": "draft", "to": "active"},
		{"code": "dispose", "name": "Dispose", "from": "active", "to": "disposed", "requires_comment": true},
	},
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	e := newAPIEnv(t, true)

	rec := e.do(http.MethodPost, "/api/v1/pipelines/import", assetDefinition, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var imported struct {
		PipelineID int64 `json:"pipeline_id"`
		Created    bool  `json:"created"`
	}
	e.decode(rec, &imported)
	assert.True(t, imported.Created)

	// Re-import is an update, not a create.
	rec = e.do(http.MethodPost, "/api/v1/pipelines/import", assetDefinition, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d", imported.PipelineID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Code        string `json:"code"`
		States      []struct {
			ID   int64  `json:"id"`
			Code string `json:"code"`
		} `json:"states"`
		Transitions []struct {
			ID   int64  `json:"id"`
			Code string `json:"code"`
		} `json:"transitions"`
	}
	e.decode(rec, &detail)
	assert.Equal(t, "asset-lifecycle", detail.Code)
	require.Len(t, detail.Transitions, 2)

	var activateID, disposeID int64
	for _, tr := range detail.Transitions {
		switch tr.Code {
		case "activate":
			activateID = tr.ID
		case "dispose":
			disposeID = tr.ID
		}
	}
	require.NotZero(t, activateID)
	require.NotZero(t, disposeID)

	rec = e.do(http.MethodPost, "/api/v1/entities/asset", map[string]any{
		"display_name": "Printer",
		"attrs":        map[string]any{"amount": 500},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var entity struct {
		ID int64 `json:"id"`
	}
	e.decode(rec, &entity)

	rec = e.do(http.MethodGet, fmt.Sprintf("/api/v1/entities/asset/%d/state", entity.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Entered      bool `json:"entered"`
		CurrentState struct {
			Code string `json:"code"`
		} `json:"current_state"`
		AvailableTransitions []struct {
			Code      string `json:"code"`
			IsAllowed bool   `json:"is_allowed"`
		} `json:"available_transitions"`
	}
	e.decode(rec, &view)
	assert.False(t, view.Entered)
	assert.Equal(t, "draft", view.CurrentState.Code)
	require.Len(t, view.AvailableTransitions, 1)
	assert.True(t, view.AvailableTransitions[0].IsAllowed)

	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/entities/asset/%d/transitions", entity.ID),
		map[string]any{"transition_id": activateID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Executing the same transition again conflicts with the current state.
	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/entities/asset/%d/transitions", entity.ID),
		map[string]any{"transition_id": activateID}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Comment requirement surfaces as 422.
	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/entities/asset/%d/transitions", entity.ID),
		map[string]any{"transition_id": disposeID}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/entities/asset/%d/transitions", entity.ID),
		map[string]any{"transition_id": disposeID, "comment": "scrapped"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, fmt.Sprintf("/api/v1/entities/asset/%d/timeline", entity.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline struct {
		Total int64 `json:"total"`
	}
	e.decode(rec, &timeline)
	assert.Equal(t, int64(2), timeline.Total)

	rec = e.do(http.MethodGet, "/api/v1/dashboard/summary?entity_kind=asset", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Total int64 `json:"total"`
	}
	e.decode(rec, &summary)
	assert.Equal(t, int64(1), summary.Total)
}

func TestActorResolution(t *testing.T) {
	e := newAPIEnv(t, false)

	rec := e.do(http.MethodGet, "/api/v1/pipelines", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/pipelines", nil, map[string]string{"X-User-ID": "not-a-number"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/pipelines", nil, map[string]string{"X-User-ID": "9999"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin, err := e.repos.Users.GetByUsername("admin")
	require.NoError(t, err)
	rec = e.do(http.MethodGet, "/api/v1/pipelines", nil, map[string]string{
		"X-User-ID": fmt.Sprintf("%d", admin.ID),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPermissionEnforcementOverHTTP(t *testing.T) {
	e := newAPIEnv(t, false)
	clerk, err := e.repos.Users.Create("clerk", false, nil)
	require.NoError(t, err)
	headers := map[string]string{"X-User-ID": fmt.Sprintf("%d", clerk.ID)}

	rec := e.do(http.MethodPost, "/api/v1/pipelines", map[string]any{
		"name": "Invoices", "code": "invoices", "entity_kind": "invoice",
	}, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(http.MethodPost, "/api/v1/users", map[string]any{"username": "other"}, headers)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	e := newAPIEnv(t, true)

	def := map[string]any{
		"code":        "po-approval",
		"name":        "Purchase Order Approval",
		"entity_kind": "purchase_order",
		"states": []map[string]any{
			{"code": "submitted", "name": "Submitted", "type": "initial"},
			{"code": "approved", "name": "Approved", "type": "final"},
		},
		"transitions": []map[string]any{
			{"code": "approve", "name": "Approve", "from": "submitted", "to": "approved", "requires_approval": true},
		},
	}
	rec := e.do(http.MethodPost, "/api/v1/pipelines/import", def, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var imported struct {
		PipelineID int64 `json:"pipeline_id"`
	}
	e.decode(rec, &imported)

	rec = e.do(http.MethodGet, fmt.Sprintf("/api/v1/pipelines/%d", imported.PipelineID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Transitions []struct {
			ID int64 `json:"id"`
		} `json:"transitions"`
	}
	e.decode(rec, &detail)
	require.Len(t, detail.Transitions, 1)

	rec = e.do(http.MethodPost, "/api/v1/entities/purchase_order", map[string]any{
		"display_name": "PO-1001",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var entity struct {
		ID int64 `json:"id"`
	}
	e.decode(rec, &entity)

	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/entities/purchase_order/%d/transitions", entity.ID),
		map[string]any{"transition_id": detail.Transitions[0].ID}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var pending struct {
		Approval struct {
			ApprovalID string `json:"approval_id"`
			Status     string `json:"status"`
		} `json:"approval"`
	}
	e.decode(rec, &pending)
	assert.Equal(t, "pending", pending.Approval.Status)

	rec = e.do(http.MethodGet, "/api/v1/approvals", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var approvals struct {
		Count int `json:"count"`
	}
	e.decode(rec, &approvals)
	assert.Equal(t, 1, approvals.Count)

	rec = e.do(http.MethodPost, fmt.Sprintf("/api/v1/approvals/%s/approve", pending.Approval.ApprovalID),
		map[string]any{"reason": "budget cleared"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(http.MethodGet, fmt.Sprintf("/api/v1/entities/purchase_order/%d/state", entity.ID), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		CurrentState struct {
			Code string `json:"code"`
		} `json:"current_state"`
	}
	e.decode(rec, &view)
	assert.Equal(t, "approved", view.CurrentState.Code)
}
