package alertdesksdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "DEPT001", body["unique_id"])
			json.NewEncoder(w).Encode(map[string]any{"token": "tok", "must_change": true, "account": map[string]any{"unique_id": "DEPT001"}})
		case "/v1/tasks":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			assert.Equal(t, "overdue", r.URL.Query().Get("status"))
			json.NewEncoder(w).Encode([]map[string]any{{"id": 3, "status": "pending", "display_status": "overdue"}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	s, err := c.Login(context.Background(), "DEPT001", "pw")
	require.NoError(t, err)
	assert.True(t, s.MustChange)

	tasks, err := c.ListTasks(context.Background(), TaskFilter{Status: "overdue"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "overdue", tasks[0].DisplayStatus)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"code":"notification_failed","message":"notification could not be delivered","details":{"outbox_id":7}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).ResendNotification(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, IsCode(err, "notification_failed"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, float64(7), ae.Details["outbox_id"])
}

func TestCreateTaskUploadsLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "L-1", r.FormValue("letter_id"))
		assert.Equal(t, "4", r.FormValue("department_id"))
		f, _, err := r.FormFile("letter_file")
		require.NoError(t, err)
		f.Close()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "letter_id": "L-1", "letter_url": "/uploads/letter-1-L-1.pdf"})
	}))
	defer srv.Close()

	task, err := New(srv.URL).CreateTask(context.Background(), NewTask{
		LetterID: "L-1", Subject: "s", DepartmentID: 4, Letter: strings.NewReader("%PDF-1.4"),
	})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/letter-1-L-1.pdf", task.LetterURL)
}
