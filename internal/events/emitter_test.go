package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
	"github.com/inboundemail/inbound/internal/svix"
)

func TestEmitRecordsAndRelays(t *testing.T) {
	var svixPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svixPaths = append(svixPaths, r.URL.Path)
		switch r.URL.Path {
		case "/api/v1/app/":
			json.NewEncoder(w).Encode(map[string]string{"id": "app_1", "uid": "user-1"})
		case "/api/v1/app/app_1/msg/":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, DomainVerified, body["eventType"])
			json.NewEncoder(w).Encode(map[string]string{"id": "msg_9"})
		default:
			t.Errorf("unexpected svix call %s", r.URL.Path)
		}
	}))
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := store.NewStore(db)
	emitter := NewEmitter(st, svix.NewClient(config.SvixConfig{
		Enabled:        true,
		BaseURL:        server.URL,
		APIKey:         "sk_test",
		TimeoutSeconds: 5,
	}))

	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-1", DomainVerified, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM users WHERE id`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at"}).
			AddRow("user-1", "owner@acme.com", "Acme Inc", time.Now()))
	mock.ExpectExec(`UPDATE email_events SET svix_message_id`).
		WithArgs(sqlmock.AnyArg(), "msg_9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	emitter.Emit(context.Background(), "user-1", DomainVerified, map[string]string{"domain": "acme.com"})
	emitter.Wait()

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []string{"/api/v1/app/", "/api/v1/app/app_1/msg/"}, svixPaths)
}

func TestEmitCachesApplication(t *testing.T) {
	var ensureCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/app/":
			ensureCalls++
			json.NewEncoder(w).Encode(map[string]string{"id": "app_1"})
		default:
			json.NewEncoder(w).Encode(map[string]string{"id": "msg_n"})
		}
	}))
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emitter := NewEmitter(store.NewStore(db), svix.NewClient(config.SvixConfig{
		Enabled:        true,
		BaseURL:        server.URL,
		APIKey:         "sk_test",
		TimeoutSeconds: 5,
	}))

	for i := 0; i < 2; i++ {
		mock.ExpectExec(`INSERT INTO email_events`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		if i == 0 {
			mock.ExpectQuery(`FROM users WHERE id`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at"}).
					AddRow("user-1", "owner@acme.com", "", time.Now()))
		}
		mock.ExpectExec(`UPDATE email_events SET svix_message_id`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		emitter.Emit(context.Background(), "user-1", EmailSent, map[string]string{"email_id": "em_1"})
		emitter.Wait()
	}

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, ensureCalls)
}

func TestEmitDisabledOnlyRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emitter := NewEmitter(store.NewStore(db), svix.NewClient(config.SvixConfig{Enabled: false}))

	mock.ExpectExec(`INSERT INTO email_events`).
		WithArgs(sqlmock.AnyArg(), "user-1", TenantPaused, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	emitter.Emit(context.Background(), "user-1", TenantPaused, map[string]string{"tenant_id": "t1"})
	emitter.Wait()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmitSurvivesSvixFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	emitter := NewEmitter(store.NewStore(db), svix.NewClient(config.SvixConfig{
		Enabled:        true,
		BaseURL:        server.URL,
		APIKey:         "sk_test",
		TimeoutSeconds: 2,
	}))

	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM users WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "name", "created_at"}).
			AddRow("user-1", "owner@acme.com", "", time.Now()))

	// the row is recorded even though dispatch never succeeds
	emitter.Emit(context.Background(), "user-1", EmailFailed, map[string]string{"email_id": "em_1"})
	emitter.Wait()

	require.NoError(t, mock.ExpectationsWereMet())
}
