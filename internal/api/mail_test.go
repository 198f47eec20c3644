package api

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/outbound"
	"github.com/inboundemail/inbound/internal/store"
)

// Mail is loaded user-scoped, so an email belonging to another account
// produces the same empty result as an id that never existed.
func TestResendMailOtherUsersEmailIs404(t *testing.T) {
	f := newTestAPI(t)

	f.expectAuth("user-1")
	f.mock.ExpectQuery("SELECT (.+) FROM received_emails").
		WithArgs("mail-9", "user-1").
		WillReturnRows(emptyReceivedRows())

	rec := f.authed(t, http.MethodPost, "/api/v2/mail/mail-9/resend", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "email not found", decodeBody(t, rec)["error"])
}

func TestResendMailEmailsAliasRoute(t *testing.T) {
	f := newTestAPI(t)

	f.expectAuth("user-1")
	f.mock.ExpectQuery("SELECT (.+) FROM received_emails").
		WithArgs("mail-9", "user-1").
		WillReturnRows(emptyReceivedRows())

	rec := f.authed(t, http.MethodPost, "/api/v2/emails/mail-9/resend", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResendMailWithoutEndpointIs409(t *testing.T) {
	f := newTestAPI(t)

	f.expectAuth("user-1")
	f.mock.ExpectQuery("SELECT (.+) FROM received_emails").
		WithArgs("mail-1", "user-1").
		WillReturnRows(receivedRow("mail-1", "user-1", "support@acme.com"))
	// The address exists but routes nowhere (store-only inbox).
	f.mock.ExpectQuery("SELECT (.+) FROM email_addresses").
		WillReturnRows(mailAddressRow("user-1", "support@acme.com", ""))

	rec := f.authed(t, http.MethodPost, "/api/v2/mail/mail-1/resend", nil)

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "no endpoint")
}

func TestResendMailDeliversToWebhook(t *testing.T) {
	f := newTestAPI(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.expectAuth("user-1")
	f.mock.ExpectQuery("SELECT (.+) FROM received_emails").
		WithArgs("mail-1", "user-1").
		WillReturnRows(receivedRow("mail-1", "user-1", "support@acme.com"))
	f.mock.ExpectQuery("SELECT (.+) FROM email_addresses").
		WillReturnRows(mailAddressRow("user-1", "support@acme.com", "ep-1"))
	f.mock.ExpectQuery("SELECT (.+) FROM endpoints").
		WillReturnRows(webhookEndpointRow("ep-1", "user-1", srv.URL))
	f.mock.ExpectExec("INSERT INTO deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE deliveries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := f.authed(t, http.MethodPost, "/api/v2/mail/mail-1/resend", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, hits.Load())

	body := decodeBody(t, rec)
	assert.Equal(t, "mail-1", body["email_id"])
	deliveries, ok := body["deliveries"].([]interface{})
	require.True(t, ok)
	require.Len(t, deliveries, 1)
	first := deliveries[0].(map[string]interface{})
	assert.Equal(t, "ep-1", first["endpoint_id"])
	assert.Equal(t, store.DeliveryDelivered, first["status"])
}

func TestUpdateMailFlagsRequiresAField(t *testing.T) {
	f := newTestAPI(t)

	f.expectAuth("user-1")
	f.mock.ExpectQuery("SELECT (.+) FROM received_emails").
		WithArgs("mail-1", "user-1").
		WillReturnRows(receivedRow("mail-1", "user-1", "support@acme.com"))

	rec := f.authed(t, http.MethodPatch, "/api/v2/mail/mail-1", map[string]interface{}{})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplyThreadingHeaders(t *testing.T) {
	e := &store.ReceivedEmail{
		MessageID: "abc@mail.example.com",
		Headers:   store.JSON{"References": "<root@x> <mid@x>"},
	}
	send := &outbound.Request{}
	threadHeaders(send, e)

	assert.Equal(t, "<abc@mail.example.com>", send.Headers["In-Reply-To"])
	assert.Equal(t, "<root@x> <mid@x> <abc@mail.example.com>", send.Headers["References"])
}

func TestReplySubjectPrefix(t *testing.T) {
	assert.Equal(t, "Re: Hello", replySubject("Hello"))
	assert.Equal(t, "RE: Hello", replySubject("RE: Hello"))
	assert.Equal(t, "re: hello", replySubject("re: hello"))
}
