package presentations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/payment"
)

var tehran = time.FixedZone("IRST", 3*3600+1800)

// monday is 2026-10-19 10:00 local time.
var monday = time.Date(2026, 10, 19, 10, 0, 0, 0, tehran)

type fakePayments struct {
	targets []*payment.Target
}

func (p *fakePayments) Initiate(ctx context.Context, tx storage.Store, user *storage.User, target *payment.Target) (*payment.StartPay, error) {
	p.targets = append(p.targets, target)
	return &payment.StartPay{URL: "https://pay/StartPay/A1", Authority: "A1"}, nil
}

type fakeRooms struct {
	calls int
}

func (r *fakeRooms) LoginURL(ctx context.Context, userID string, nickname string) (string, error) {
	r.calls++
	return "https://class/" + userID, nil
}

type fixture struct {
	store    *storagetest.MemoryStore
	payments *fakePayments
	rooms    *fakeRooms
	svc      *Service
	user     *storage.User
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	store := storagetest.NewMemoryStore(storage.RetryPolicy{})
	for _, code := range []string{TemplateSubmitted, TemplateApproved, TemplateRejected, TemplateFinal} {
		require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{Code: code, Subject: code, HTML: "{{.course}}"}))
	}
	user := &storage.User{Email: "u@uni.ir", FirstName: "Sara", IsActive: true, IsEmailVerified: true}
	require.NoError(t, store.CreateUser(ctx, user))
	payments := &fakePayments{}
	rooms := &fakeRooms{}
	svc := NewService(store, notification.New(store), payments, rooms, tehran)
	svc.now = func() time.Time { return monday }
	return &fixture{store: store, payments: payments, rooms: rooms, svc: svc, user: user}
}

// course adds an active course taught Mondays 10:30-12:00 and Wednesdays
// 18:00-19:30; children must be added first.
func (f *fixture) course(slug string, price int64, capacity int, children ...int64) *storage.Course {
	c := &storage.Course{
		Name: slug, Slug: slug, Price: price, Capacity: capacity, IsActive: true, ChildIDs: children,
		Schedule: []storage.ScheduleRule{
			{Weekday: 0, StartTime: "10:30:00", EndTime: "12:00:00"},
			{Weekday: 2, StartTime: "18:00", EndTime: "19:30"},
		},
	}
	f.store.AddCourse(c)
	return c
}

func (f *fixture) emails() []*storage.Notification {
	var out []*storage.Notification
	for {
		n, err := f.store.SelectNotification(context.Background())
		if err != nil {
			return out
		}
		out = append(out, n)
	}
}

func templates(sent []*storage.Notification) []string {
	var out []string
	for _, n := range sent {
		out = append(out, n.Template)
	}
	return out
}

func TestFreeCourseIsFinalImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course("intro", 0, 10)

	reg, err := f.svc.Submit(ctx, f.user, &Submission{CourseID: course.ID})
	require.NoError(t, err)
	assert.Equal(t, storage.REG_FINAL, reg.Status)
	assert.Empty(t, f.payments.targets)

	sent := f.emails()
	assert.Equal(t, []string{TemplateSubmitted, TemplateFinal}, templates(sent))
	assert.Equal(t, string(storage.REG_QUEUED), sent[0].Context["status"])

	_, err = f.svc.Submit(ctx, f.user, &Submission{CourseID: course.ID})
	assert.True(t, apperr.Is(err, apperr.RegAlreadyOwned))
}

func TestPaidBundleOpensPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	child := f.course("graphs", 300, 5)
	parent := f.course("algo", 1000, 5, child.ID)

	reg, err := f.svc.Submit(ctx, f.user, &Submission{
		CourseID:     parent.ID,
		ChildIDs:     []int64{child.ID, child.ID},
		ExtraAnswers: map[string]interface{}{"codeforces_score": "1650", "codeforces_handle": "sara"},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.REG_APPROVED, reg.Status)
	assert.Equal(t, "https://pay/StartPay/A1", reg.PaymentLink)
	require.Len(t, reg.Items, 1)

	require.Len(t, f.payments.targets, 1)
	target := f.payments.targets[0]
	assert.Equal(t, int64(1300), target.Amount)
	assert.Equal(t, storage.TARGET_COURSE, target.Type)
	assert.Equal(t, "algo + [graphs]", target.Description)
	assert.Equal(t, reg.ID, target.Metadata["reg_id"])

	extra, err := f.store.GetUserExtra(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1650, extra.CodeforcesScore)
	assert.Equal(t, "sara", extra.CodeforcesHandle)

	assert.Equal(t, []string{TemplateSubmitted, TemplateApproved}, templates(f.emails()))

	err = f.svc.PaymentSucceeded(ctx, f.store, &storage.Payment{UserID: f.user.ID, Metadata: map[string]interface{}{"reg_id": float64(reg.ID)}})
	require.NoError(t, err)
	stored, err := f.store.GetRegistration(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.REG_FINAL, stored.Status)

	// the child is now owned through the parent registration
	other := f.course("bundle", 0, 5, child.ID)
	_, err = f.svc.Submit(ctx, f.user, &Submission{CourseID: other.ID, ChildIDs: []int64{child.ID}})
	assert.True(t, apperr.Is(err, apperr.RegChildAlreadyOwned))
	assert.Contains(t, err.Error(), "graphs")
}

func TestFullCourseIsWaitlisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	child := f.course("dp", 100, 0)
	parent := f.course("algo", 100, 5, child.ID)

	reg, err := f.svc.Submit(ctx, f.user, &Submission{CourseID: parent.ID, ChildIDs: []int64{child.ID}})
	require.NoError(t, err)
	assert.Equal(t, storage.REG_RESERVED, reg.Status)
	assert.Empty(t, f.payments.targets)

	sent := f.emails()
	require.Len(t, sent, 1)
	assert.Equal(t, "dp", sent[0].Context["waitlisted_children"])
	assert.Equal(t, string(storage.REG_RESERVED), sent[0].Context["status"])
}

func TestSubmitRejectsBadSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.course("algo", 100, 5)

	_, err := f.svc.Submit(ctx, &storage.User{Email: "x@y.z"}, &Submission{CourseID: parent.ID})
	assert.True(t, apperr.Is(err, apperr.AccEmailNotVerified))

	_, err = f.svc.Submit(ctx, f.user, &Submission{CourseID: parent.ID, ChildIDs: []int64{999}})
	assert.True(t, apperr.Is(err, apperr.RegChildInvalidSelection))
}

func TestBackofficeDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	course := f.course("ml", 500, 5)
	course.RequiresApproval = true
	f.store.AddCourse(course)

	reg, err := f.svc.Submit(ctx, f.user, &Submission{CourseID: course.ID})
	require.NoError(t, err)
	assert.Equal(t, storage.REG_QUEUED, reg.Status)

	_, err = f.svc.Reject(ctx, reg.ID, "  ")
	assert.True(t, apperr.Is(err, apperr.RegRejectionReasonRequired))

	rejected, err := f.svc.Reject(ctx, reg.ID, "no seats")
	require.NoError(t, err)
	assert.Equal(t, storage.REG_REJECTED, rejected.Status)

	approved, err := f.svc.Approve(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.REG_APPROVED, approved.Status)
	assert.Equal(t, reg.ID, f.payments.targets[0].Metadata["reg_id"])

	final, err := f.svc.MarkFinal(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.REG_FINAL, final.Status)

	_, err = f.svc.Approve(ctx, reg.ID)
	assert.True(t, apperr.Is(err, apperr.RegAlreadyFinalOrApproved))

	assert.Equal(t, []string{TemplateSubmitted, TemplateRejected, TemplateApproved, TemplateFinal}, templates(f.emails()))
}

func TestInShift(t *testing.T) {
	schedule := []storage.ScheduleRule{{Weekday: 0, StartTime: "10:30:00", EndTime: "12:00:00"}}
	assert.False(t, inShift(schedule, monday, shiftWindow))
	assert.True(t, inShift(schedule, monday.Add(15*time.Minute), shiftWindow))
	assert.True(t, inShift(schedule, monday.Add(2*time.Hour+15*time.Minute), shiftWindow))
	assert.False(t, inShift(schedule, monday.Add(2*time.Hour+16*time.Minute), shiftWindow))
	assert.False(t, inShift(schedule, monday.AddDate(0, 0, 1).Add(time.Hour), shiftWindow))
}

func TestClassLinkAndSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	child := f.course("graphs", 0, 5)
	parent := f.course("algo", 0, 5, child.ID)

	_, err := f.svc.ClassLink(ctx, f.user, child)
	assert.True(t, apperr.Is(err, apperr.RegNoAccess))
	_, err = f.svc.Sessions(ctx, f.user.ID, child)
	assert.True(t, apperr.Is(err, apperr.RegNoAccess))

	_, err = f.svc.Submit(ctx, f.user, &Submission{CourseID: parent.ID})
	require.NoError(t, err)

	// 10:00 is outside 10:15-12:15
	_, err = f.svc.ClassLink(ctx, f.user, child)
	assert.True(t, apperr.Is(err, apperr.RegNoAccess))
	assert.Equal(t, 0, f.rooms.calls)

	f.svc.now = func() time.Time { return monday.Add(20 * time.Minute).UTC() }
	url, err := f.svc.ClassLink(ctx, f.user, child)
	require.NoError(t, err)
	assert.Equal(t, "https://class/u@uni.ir", url)

	sessions, err := f.svc.Sessions(ctx, f.user.ID, child)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "2026-10-19", sessions[0].Date)
	assert.True(t, sessions[0].Live)
	assert.Equal(t, "2026-10-21", sessions[1].Date)
	assert.False(t, sessions[1].Live)
}

func TestSkyroomClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/skyroom/api/key", r.URL.Path)
		var body struct {
			Action string                 `json:"action"`
			Params map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "createLoginUrl", body.Action)
		assert.Equal(t, float64(7), body.Params["room_id"])
		if body.Params["user_id"] == "bad@uni.ir" {
			w.Write([]byte(`{"ok":false,"error":{"code":12,"message":"denied"}}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":"https://sky/room?t=1"}`))
	}))
	defer srv.Close()

	sky := NewSkyroom(SkyroomConfig{BaseURL: srv.URL + "/", APIKey: "key", RoomID: 7})
	url, err := sky.LoginURL(context.Background(), "u@uni.ir", "Sara")
	require.NoError(t, err)
	assert.Equal(t, "https://sky/room?t=1", url)

	_, err = sky.LoginURL(context.Background(), "bad@uni.ir", "Bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}
