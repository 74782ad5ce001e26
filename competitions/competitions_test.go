package competitions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/payment"
)

type fakePayments struct {
	err     error
	targets []*payment.Target
}

func (p *fakePayments) Initiate(ctx context.Context, tx storage.Store, user *storage.User, target *payment.Target) (*payment.StartPay, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.targets = append(p.targets, target)
	return &payment.StartPay{URL: "https://pay/StartPay/A" + target.ID, Authority: "A" + target.ID}, nil
}

type fixture struct {
	store     *storagetest.MemoryStore
	payments  *fakePayments
	svc       *Service
	submitter *storage.User
	open      *storage.Competition
	reviewed  *storage.Competition
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	store := storagetest.NewMemoryStore(storage.RetryPolicy{})
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{
		Code: notification.TemplateStatusChange, Subject: "{{.status}}", HTML: "{{.status}}",
	}))
	submitter := &storage.User{Email: "lead@uni.ir", IsActive: true, IsEmailVerified: true}
	require.NoError(t, store.CreateUser(ctx, submitter))

	open := &storage.Competition{Name: "ICPC", Slug: "icpc", MinTeamSize: 1, MaxTeamSize: 3, SignupFee: 5000, IsActive: true}
	store.AddCompetition(open, storage.FieldConfig{"tshirt_size": storage.HIDDEN})
	reviewed := &storage.Competition{Name: "Cup", Slug: "cup", MinTeamSize: 1, MaxTeamSize: 2, IsActive: true, RequiresBackofficeApproval: true}
	store.AddCompetition(reviewed, storage.FieldConfig{})

	payments := &fakePayments{}
	svc := NewService(store, notification.New(store), payments, Config{SecretKey: "s", PublicBaseURL: "https://acm.ir/"})
	return &fixture{store: store, payments: payments, svc: svc, submitter: submitter, open: open, reviewed: reviewed}
}

func participant(email string) Participant {
	return Participant{FirstName: "F", LastName: "L", Email: email, PhoneNumber: "0912"}
}

// drain pops every queued email.
func (f *fixture) drain(t *testing.T) []*storage.Notification {
	var out []*storage.Notification
	for {
		n, err := f.store.SelectNotification(context.Background())
		if err != nil {
			return out
		}
		out = append(out, n)
	}
}

// tokens maps member email to the approval token from its emailed link.
func tokens(t *testing.T, sent []*storage.Notification) map[string]string {
	out := map[string]string{}
	for _, n := range sent {
		link := n.Context["action_link"]
		if link == "" {
			continue
		}
		u, err := url.Parse(link)
		require.NoError(t, err)
		out[n.To] = u.Query().Get("token")
	}
	return out
}

func statuses(sent []*storage.Notification) []string {
	var out []string
	for _, n := range sent {
		out = append(out, n.Context["status"])
	}
	return out
}

func TestValidate(t *testing.T) {
	p := participant("a@b.co")
	assert.NoError(t, Validate(storage.DefaultFieldConfig(), &p))

	p.TshirtSize = "L"
	err := Validate(storage.FieldConfig{"tshirt_size": storage.HIDDEN}, &p)
	require.Error(t, err)
	assert.Equal(t, "3001: tshirt_size: Field not allowed for this competition", err.Error())

	err = Validate(nil, &p)
	assert.True(t, apperr.Is(err, apperr.CompFieldInvalid))
	assert.Contains(t, err.Error(), "national_id: Field is required")
}

func TestSubmitChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, &storage.User{Email: "x@y.z"}, &Submission{CompetitionID: f.open.ID})
	assert.True(t, apperr.Is(err, apperr.AccEmailNotVerified))

	_, err = f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.reviewed.ID, Participants: []Participant{
		participant("a@b.co"), participant("b@b.co"), participant("c@b.co"),
	}})
	assert.True(t, apperr.Is(err, apperr.CompTeamSizeInvalid))
	assert.Contains(t, err.Error(), "between 1 and 2")

	_, err = f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{
		participant("a@b.co"), participant(" A@B.co"),
	}})
	assert.True(t, apperr.Is(err, apperr.CompDuplicateParticipantEmail))

	_, err = f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{participant("a@b.co")}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{participant("A@b.co")}})
	assert.True(t, apperr.Is(err, apperr.CompParticipantAlreadyActive))
}

func TestApprovalLeadsToPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	request, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, TeamName: "T", Participants: []Participant{
		participant("lead@uni.ir"), participant("b@uni.ir"),
	}})
	require.NoError(t, err)
	require.NotNil(t, request.Members[0].UserID)
	assert.Equal(t, f.submitter.ID, *request.Members[0].UserID)
	assert.Nil(t, request.Members[1].UserID)

	sent := f.drain(t)
	assert.Equal(t, []string{TemplateMemberApproval, TemplateMemberApproval, TemplateSubmitted}, statuses(sent))
	links := tokens(t, sent)
	require.Len(t, links, 2)
	assert.True(t, strings.HasPrefix(sent[0].Context["action_link"], "https://acm.ir/api/competitions/approve?rid="))

	_, err = f.svc.Decide(ctx, request.ID, "bogus", true)
	assert.True(t, apperr.Is(err, apperr.CompInvalidOrExpiredToken))

	member, err := f.svc.Decide(ctx, request.ID, links["lead@uni.ir"], true)
	require.NoError(t, err)
	assert.Equal(t, storage.APPROVAL_APPROVED, member.ApprovalStatus)
	stored, err := f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_APPROVAL, stored.Status)

	_, err = f.svc.Decide(ctx, request.ID, links["b@uni.ir"], true)
	require.NoError(t, err)
	stored, err = f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_PAYMENT, stored.Status)
	assert.NotEmpty(t, stored.PaymentLink)
	require.Len(t, f.payments.targets, 1)
	assert.Equal(t, int64(5000), f.payments.targets[0].Amount)
	assert.Equal(t, storage.TARGET_COMPETITION, f.payments.targets[0].Type)

	sent = f.drain(t)
	require.Len(t, sent, 1)
	assert.Equal(t, TemplatePendingPayment, sent[0].Context["status"])
	assert.Equal(t, stored.PaymentLink, sent[0].Context["link"])

	require.NoError(t, f.svc.PaymentSucceeded(ctx, f.store, &storage.Payment{TargetID: f.payments.targets[0].ID}))
	stored, err = f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.FINAL, stored.Status)
}

func TestRejectionAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	request, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{
		participant("a@uni.ir"), participant("b@uni.ir"),
	}})
	require.NoError(t, err)
	links := tokens(t, f.drain(t))

	f.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = f.svc.Decide(ctx, request.ID, links["a@uni.ir"], true)
	assert.True(t, apperr.Is(err, apperr.CompTokenExpired))

	f.svc.now = time.Now
	_, err = f.svc.Decide(ctx, request.ID, links["a@uni.ir"], false)
	require.NoError(t, err)
	stored, err := f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.REJECTED, stored.Status)
	assert.Equal(t, []string{TemplateRejected}, statuses(f.drain(t)))

	// the team no longer blocks its members
	_, err = f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{participant("a@uni.ir")}})
	assert.NoError(t, err)
}

func TestPaymentFailureKeepsApprovalPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.payments.err = errors.New("gateway down")

	request, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{participant("a@uni.ir")}})
	require.NoError(t, err)
	links := tokens(t, f.drain(t))

	_, err = f.svc.Decide(ctx, request.ID, links["a@uni.ir"], true)
	assert.True(t, apperr.Is(err, apperr.CompPaymentInitFailed))
	assert.Contains(t, err.Error(), "Payment initiate failed: gateway down")

	// the decision was rolled back, so the same link can be used again
	f.payments.err = nil
	_, err = f.svc.Decide(ctx, request.ID, links["a@uni.ir"], true)
	require.NoError(t, err)
	stored, err := f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_PAYMENT, stored.Status)
}

func TestBackofficeFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	request, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.reviewed.ID, Participants: []Participant{participant("a@uni.ir")}})
	require.NoError(t, err)
	links := tokens(t, f.drain(t))

	_, err = f.svc.BackofficeApprove(ctx, request.ID)
	assert.True(t, apperr.Is(err, apperr.CompNotInInvestigationState))

	_, err = f.svc.Decide(ctx, request.ID, links["a@uni.ir"], true)
	require.NoError(t, err)
	stored, err := f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_INVESTIGATION, stored.Status)
	assert.Empty(t, f.payments.targets)

	approved, err := f.svc.BackofficeApprove(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_PAYMENT, approved.Status)

	rejected, err := f.svc.MarkPaymentRejected(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PAYMENT_REJECTED, rejected.Status)

	_, err = f.svc.BackofficeReject(ctx, request.ID, "late")
	assert.True(t, apperr.Is(err, apperr.CompBackofficeRejectInvalidState))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.open.ID, Participants: []Participant{participant("a@uni.ir")}})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.submitter.ID, open.ID)
	assert.True(t, apperr.Is(err, apperr.CompCancellationNotApplicable))

	reviewed, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.reviewed.ID, Participants: []Participant{participant("b@uni.ir")}})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.submitter.ID+100, reviewed.ID)
	assert.True(t, apperr.Is(err, apperr.CompOnlySubmitterCanCancel))

	cancelled, err := f.svc.Cancel(ctx, f.submitter.ID, reviewed.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.CANCELLED, cancelled.Status)

	_, err = f.svc.Cancel(ctx, f.submitter.ID, reviewed.ID)
	assert.True(t, apperr.Is(err, apperr.CompCancellationNotAllowed))
}

func TestApproveLinkRedirects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	request, err := f.svc.Submit(ctx, f.submitter, &Submission{CompetitionID: f.reviewed.ID, Participants: []Participant{participant("a@uni.ir")}})
	require.NoError(t, err)
	sent := f.drain(t)

	router := mux.NewRouter()
	NewHandler(f.svc, "https://front/approved").Register(router.PathPrefix("/api/competitions").Subrouter())

	link, err := url.Parse(sent[0].Context["action_link"])
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, link.RequestURI(), nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://front/approved", w.Header().Get("Location"))

	stored, err := f.store.GetTeamRequest(ctx, request.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.PENDING_INVESTIGATION, stored.Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/competitions/cup/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"slug":"cup"`)
}
