package notification

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
)

func newStore(t *testing.T) *storagetest.MemoryStore {
	store := storagetest.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 3, Step: 1})
	ctx := context.Background()
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{
		Code:    TemplateOTP,
		Subject: "Your code",
		HTML:    "<p>{{.code}}</p>",
		Text:    "code: {{.code}}",
	}))
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{
		Code:    TemplateStatusChange,
		Subject: "Status: {{.status}}",
		HTML:    "<p>{{.status}} {{.note}}</p>",
	}))
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{
		Code:    "welcome",
		Subject: "Hi {{.name}}",
		HTML:    "<b>{{.name}}</b>{{.missing}}",
	}))
	return store
}

func TestRenderEscapesHTMLAndFillsMissingKeys(t *testing.T) {
	tpl := &storage.EmailTemplate{Code: "t", Subject: "Hello\r\n{{.name}}", HTML: "<p>{{.name}}{{.nope}}</p>", Text: "{{.name}}"}
	out, err := Render(tpl, map[string]string{"name": "<Ali>"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Hello <Ali>", out.Subject)
	assert.Equal(t, "<p>&lt;Ali&gt;</p>", out.HTML)
	assert.Equal(t, "<Ali>", out.Text)

	out, err = Render(tpl, nil, "Override")
	require.NoError(t, err)
	assert.Equal(t, "Override", out.Subject)
}

func TestRenderReportsBrokenTemplate(t *testing.T) {
	_, err := Render(&storage.EmailTemplate{Code: "bad", Subject: "{{.x", HTML: ""}, nil, "")
	assert.Error(t, err)
}

func TestSingleRequiresTemplate(t *testing.T) {
	svc := New(newStore(t))
	_, err := svc.Single(context.Background(), "a@b.co", "nope", nil, "")
	assert.True(t, apperr.Is(err, apperr.NotifTemplateNotFound))

	n, err := svc.Single(context.Background(), "a@b.co", "welcome", map[string]string{"name": "x"}, "")
	require.NoError(t, err)
	assert.Equal(t, storage.SCHEDULED, n.State)
	assert.Equal(t, ChannelEmail, n.Channel)
}

func TestStatusChangePrefersStatusTemplate(t *testing.T) {
	store := newStore(t)
	svc := New(store)
	ctx := context.Background()

	n, err := svc.StatusChange(ctx, "a@b.co", "shipped", map[string]string{"note": "soon"})
	require.NoError(t, err)
	assert.Equal(t, TemplateStatusChange, n.Template)
	assert.Equal(t, "shipped", n.Context["status"])
	assert.Equal(t, "soon", n.Context["note"])

	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{Code: "shipped", Subject: "Shipped", HTML: "ok"}))
	n, err = svc.StatusChange(ctx, "a@b.co", "shipped", nil)
	require.NoError(t, err)
	assert.Equal(t, "shipped", n.Template)
}

func TestSendOTPChannels(t *testing.T) {
	svc := New(newStore(t))
	_, err := svc.SendOTP(context.Background(), "sms", "a@b.co", "123456")
	assert.True(t, apperr.Is(err, apperr.NotifChannelNotImplemented))

	n, err := svc.SendOTP(context.Background(), "", "a@b.co", "123456")
	require.NoError(t, err)
	assert.Equal(t, "123456", n.Context["code"])
}

func TestRenderNotification(t *testing.T) {
	store := newStore(t)
	svc := New(store)
	n, err := svc.Single(context.Background(), "a@b.co", "welcome", map[string]string{"name": "Sara"}, "")
	require.NoError(t, err)

	email, err := RenderNotification(context.Background(), store, n)
	require.NoError(t, err)
	assert.Equal(t, "Hi Sara", email.Subject)
	assert.Equal(t, "<b>Sara</b>", email.HTML)
	assert.Equal(t, "a@b.co", email.To)
}

func TestChaosAndOutbox(t *testing.T) {
	outbox := &Outbox{Fail: map[string]error{"bad@b.co": errors.New("rejected")}}
	ctx := context.Background()
	assert.NoError(t, outbox.Send(ctx, &Email{To: "a@b.co"}))
	assert.Error(t, outbox.Send(ctx, &Email{To: "bad@b.co"}))
	assert.Len(t, outbox.Sent(), 1)

	assert.Equal(t, Provider(outbox), Chaos(outbox, 0))
	assert.Error(t, Chaos(outbox, 1).Send(ctx, &Email{To: "a@b.co"}))
}

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("noreply@acm.ut.ac.ir", &Email{To: "a@b.co", Subject: "S", HTML: "<p>h</p>", Text: "t"})
	assert.Equal(t, []string{"a@b.co"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"S"}, msg.GetHeader("Subject"))
}

type staticAuth struct{}

func (staticAuth) ParseAccess(token string) (*httpx.Principal, error) {
	if token == "staff" {
		return &httpx.Principal{UserID: 1, Staff: true}, nil
	}
	return &httpx.Principal{UserID: 2}, nil
}

func newRouter(store storage.Store) http.Handler {
	r := mux.NewRouter()
	NewHandler(New(store)).Register(r.PathPrefix("/api/notification").Subrouter())
	return httpx.Authenticate(staticAuth{})(r)
}

func TestHandlers(t *testing.T) {
	router := newRouter(newStore(t))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		status int
	}{
		{"health", http.MethodGet, "/api/notification/health/", "", "", http.StatusOK},
		{"otp is public", http.MethodPost, "/api/notification/email/otp/", "", `{"to":"a@b.co","code":"111111"}`, http.StatusAccepted},
		{"single needs staff", http.MethodPost, "/api/notification/email/single/", "user", `{"to":"a@b.co","template_code":"welcome"}`, http.StatusForbidden},
		{"single", http.MethodPost, "/api/notification/email/single/", "staff", `{"to":"a@b.co","template_code":"welcome","context":{"name":"x","n":3}}`, http.StatusAccepted},
		{"single unknown template", http.MethodPost, "/api/notification/email/single/", "staff", `{"to":"a@b.co","template_code":"zzz"}`, http.StatusNotFound},
		{"status", http.MethodPost, "/api/notification/email/status/", "staff", `{"to":"a@b.co","status_code":"paid"}`, http.StatusAccepted},
		{"bulk empty", http.MethodPost, "/api/notification/email/bulk/", "staff", `{"template_code":"welcome","recipients":[]}`, http.StatusBadRequest},
		{"bulk bad type", http.MethodPost, "/api/notification/email/bulk/", "staff", `{"template_code":"welcome","recipients":[{"to":"a@b.co"}],"job_type":"spam"}`, http.StatusBadRequest},
		{"bulk", http.MethodPost, "/api/notification/email/bulk/", "staff", `{"template_code":"welcome","recipients":[{"to":"a@b.co"},{"to":"c@d.co"}]}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestStringify(t *testing.T) {
	out := Stringify(map[string]interface{}{
		"s": "x",
		"n": float64(1000000),
		"b": true,
		"l": []interface{}{"a"},
		"z": nil,
	})
	assert.Equal(t, map[string]string{"s": "x", "n": "1000000", "b": "true", "l": `["a"]`, "z": ""}, out)
}
