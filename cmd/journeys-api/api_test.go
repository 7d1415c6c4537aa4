package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/journeys/pkg/events"
	"github.com/dukex/journeys/pkg/models"
	"github.com/dukex/journeys/pkg/persistence/file"
	"github.com/dukex/journeys/pkg/testutil"
	"github.com/dukex/journeys/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) (*fiber.App, *testutil.RecordingPublisher) {
	t.Helper()

	publisher := &testutil.RecordingPublisher{}
	api := NewAPI(testutil.Logger(), file.NewPersistence(t.TempDir()), publisher)

	return api.App(), publisher
}

func send(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := send(t, app, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Journeys API", string(body))
}

func TestAPI_Liveness(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := send(t, app, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Metrics(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := send(t, app, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_ActionSchemasValidateWorkflows(t *testing.T) {
	app, _ := setupTestApp(t)

	req := web.WorkflowRequest{
		Name: "Welcome series",
		Steps: []*models.Step{
			testutil.TriggerStep("signup", "form.submitted"),
			testutil.ActionStep("mail", models.ActionTypeSendEmail, map[string]any{"subject": "missing template"}),
		},
		Connections: []*models.Connection{testutil.Connect("signup", "mail")},
	}

	resp, body := send(t, app, http.MethodPost, "/workflows", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.Workflow
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = send(t, app, http.MethodPost, "/workflows/"+created.ID+"/activate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "step mail")
}

func TestAPI_IngestEventPublishes(t *testing.T) {
	app, publisher := setupTestApp(t)

	resp, _ := send(t, app, http.MethodPost, "/events", web.IngestEventRequest{
		ContactID: "c-1",
		EventType: "email.clicked",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Len(t, publisher.Events(events.ContactEventReceivedEvent), 1)
}
