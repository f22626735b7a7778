package scheduler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

var la = mustLoad("America/Los_Angeles")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Monday 2026-03-02 08:00 Pacific.
var monday8am = time.Date(2026, 3, 2, 8, 0, 0, 0, la)

type stubCalendar struct {
	mu        sync.Mutex
	slots     []time.Time
	slotsErr  error
	createErr error
	slotCalls int
	created   []crm.AppointmentRequest
	nextID    string
}

func (c *stubCalendar) FreeSlots(_ context.Context, _ string, _, _ time.Time, _ string) ([]time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slotCalls++
	return c.slots, c.slotsErr
}

func (c *stubCalendar) CreateAppointment(_ context.Context, req crm.AppointmentRequest) (*crm.Appointment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return nil, c.createErr
	}
	c.created = append(c.created, req)
	id := c.nextID
	if id == "" {
		id = "evt-1"
	}
	return &crm.Appointment{ID: id, Status: "confirmed"}, nil
}

type stubRecorder struct {
	saved []*model.AppointmentBooking
}

func (r *stubRecorder) SaveBooking(_ context.Context, b *model.AppointmentBooking) error {
	r.saved = append(r.saved, b)
	return nil
}

type failingLimiter struct{}

func (failingLimiter) Attempts(context.Context, string, time.Time) (int, error) {
	return 0, errors.New("redis down")
}
func (failingLimiter) Record(context.Context, string, time.Time) error { return nil }

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestScheduler(cal *stubCalendar, limiter AttemptLimiter) (*Scheduler, *clock, *stubRecorder) {
	clk := &clock{t: monday8am}
	rec := &stubRecorder{}
	s := New(Config{
		CalendarID:           "cal-1",
		Location:             la,
		BufferMinutes:        15,
		ScoreThreshold:       5,
		MaxAttemptsPerHour:   3,
		DaysAhead:            7,
		OfferTTL:             2 * time.Hour,
		SelectionRetryCap:    2,
		Confirmation:         ConfirmSMSEmail,
		ManualWorkflowID:     "wf-manual",
		AppointmentTimeField: "contact.appointment_time",
		Now:                  clk.Now,
	}, cal, limiter, rec, logger.NewNop())
	return s, clk, rec
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, la)
}

func qualifiedBuyer() Lead {
	return Lead{
		ContactID:   "contact-1",
		Contact:     model.ContactInfo{FirstName: "Dana", Phone: "+15555550100", Email: "dana@example.com"},
		Score:       6,
		Preferences: map[string]string{"budget": "800k", "location": "Pasadena"},
		Message:     "ready now",
		Channel:     model.ChannelSMS,
	}
}

func hotSeller() Lead {
	return Lead{
		ContactID: "contact-2",
		Contact:   model.ContactInfo{FirstName: "Sam", Phone: "+15555550101"},
		Score:     8,
		Preferences: map[string]string{
			"motivation":     "relocating, need to sell",
			"home_condition": "needs some repairs",
			"timeline":       "asap",
		},
		Channel: model.ChannelSMS,
	}
}

func hasTag(actions model.Actions, tag string) bool {
	for _, t := range actions.Tags() {
		if t == tag {
			return true
		}
	}
	return false
}

func hasWorkflow(actions model.Actions, id string) bool {
	for _, a := range actions {
		if w, ok := a.(model.TriggerWorkflow); ok && w.WorkflowID == id {
			return true
		}
	}
	return false
}

func TestBuyerConsultationOffersThreeSlots(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{
		at(7, 0), // before opening
		at(9, 0),
		at(10, 0),
		at(11, 0),
		at(17, 0),  // 60 + 15 minute buffer runs past 18:00
		at(16, 45), // ends exactly at close
	}}
	s, _, _ := newTestScheduler(cal, nil)

	o := s.HandleAppointmentRequest(context.Background(), qualifiedBuyer())
	if o.State != StateOffered {
		t.Fatalf("expected offer, got %s (%s)", o.State, o.Reason)
	}
	if o.Pending == nil || len(o.Pending.Options) != 3 {
		t.Fatalf("expected 3 options, got %+v", o.Pending)
	}
	if o.Pending.OfferedType != model.BuyerConsultation || o.Pending.OfferedDuration != 60 {
		t.Fatalf("unexpected offer %s/%d", o.Pending.OfferedType, o.Pending.OfferedDuration)
	}
	for i, opt := range o.Pending.Options {
		if opt.Slot.ActualMinutes() != 60 {
			t.Fatalf("option %d is %d minutes", i, opt.Slot.ActualMinutes())
		}
		if !s.cfg.Hours.Fits(opt.Slot.Start, 75*time.Minute) {
			t.Fatalf("option %d at %s is outside business hours", i, opt.Slot.Start)
		}
	}
	if got := o.Pending.Options[0].Slot.Start; !got.Equal(at(9, 0)) {
		t.Fatalf("expected earliest slot first, got %s", got)
	}
	if !strings.Contains(o.Message, "1)") || !strings.Contains(o.Message, "3)") {
		t.Fatalf("offer message should list labelled options: %q", o.Message)
	}
}

func TestHotSellerWithTwoSlotsFallsBackToManual(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(10, 0)}}
	s, _, _ := newTestScheduler(cal, nil)

	o := s.HandleAppointmentRequest(context.Background(), hotSeller())
	if o.State != StateManual {
		t.Fatalf("expected manual fallback, got %s", o.State)
	}
	if o.Pending != nil {
		t.Fatalf("a partial hot seller offer must not be made")
	}
	if !hasTag(o.Actions, TagNeedsManual) {
		t.Fatalf("expected %s tag, got %v", TagNeedsManual, o.Actions.Tags())
	}
	if !hasWorkflow(o.Actions, "wf-manual") {
		t.Fatalf("expected workflow trigger action")
	}
}

func TestHotSellerGetsExactlyThreeSellerConsultations(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(9, 30), at(10, 0), at(10, 30), at(11, 0)}}
	s, _, _ := newTestScheduler(cal, nil)

	o := s.HandleAppointmentRequest(context.Background(), hotSeller())
	if o.State != StateOffered || o.Pending == nil {
		t.Fatalf("expected offer, got %s", o.State)
	}
	if !o.Pending.Strict || len(o.Pending.Options) != 3 {
		t.Fatalf("expected strict 3-option offer, got %+v", o.Pending)
	}
	for _, opt := range o.Pending.Options {
		if opt.Slot.AppointmentType != model.SellerConsultation || opt.Slot.ActualMinutes() != 30 {
			t.Fatalf("unexpected slot %+v", opt.Slot)
		}
	}
}

func TestRateLimitBlocksWithoutCalendarCall(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0)}}
	limiter := NewMemoryLimiter(time.Hour)
	s, clk, _ := newTestScheduler(cal, limiter)
	lead := qualifiedBuyer()

	for _, ago := range []time.Duration{50 * time.Minute, 20 * time.Minute, 5 * time.Minute} {
		_ = limiter.Record(context.Background(), lead.ContactID, clk.t.Add(-ago))
	}

	dec := s.ShouldAutoBook(context.Background(), lead)
	if dec.Eligible {
		t.Fatalf("expected ineligible")
	}
	if !strings.Contains(dec.Reason, "rate limit") {
		t.Fatalf("reason should mention rate limit: %q", dec.Reason)
	}

	o := s.HandleAppointmentRequest(context.Background(), lead)
	if o.State != StateManual || !hasTag(o.Actions, TagNeedsManual) {
		t.Fatalf("expected manual fallback, got %s", o.State)
	}
	if cal.slotCalls != 0 {
		t.Fatalf("calendar must not be called when rate limited")
	}

	// The oldest attempt leaves the window after 11 minutes.
	clk.t = clk.t.Add(11 * time.Minute)
	if !s.ShouldAutoBook(context.Background(), lead).Eligible {
		t.Fatalf("expected eligibility once the window slides")
	}
}

func TestShouldAutoBookHasNoSideEffects(t *testing.T) {
	limiter := NewMemoryLimiter(time.Hour)
	s, clk, _ := newTestScheduler(&stubCalendar{}, limiter)
	lead := qualifiedBuyer()

	for i := 0; i < 5; i++ {
		if !s.ShouldAutoBook(context.Background(), lead).Eligible {
			t.Fatalf("call %d unexpectedly ineligible", i)
		}
	}
	if n, _ := limiter.Attempts(context.Background(), lead.ContactID, clk.t); n != 0 {
		t.Fatalf("eligibility checks recorded %d attempts", n)
	}
}

func TestShouldAutoBookCheckOrder(t *testing.T) {
	s, _, _ := newTestScheduler(&stubCalendar{}, failingLimiter{})

	low := qualifiedBuyer()
	low.Score = 4
	if dec := s.ShouldAutoBook(context.Background(), low); dec.Eligible || !strings.Contains(dec.Reason, "score") {
		t.Fatalf("expected score rejection first, got %+v", dec)
	}

	noContact := qualifiedBuyer()
	noContact.Contact = model.ContactInfo{FirstName: "Dana"}
	if dec := s.ShouldAutoBook(context.Background(), noContact); dec.Eligible || !strings.Contains(dec.Reason, "phone or email") {
		t.Fatalf("expected contact rejection, got %+v", dec)
	}

	if dec := s.ShouldAutoBook(context.Background(), qualifiedBuyer()); dec.Eligible || !dec.RateLimited {
		t.Fatalf("limiter failure must refuse auto-booking, got %+v", dec)
	}
}

func TestBookedLeadIsNotEligible(t *testing.T) {
	limiter := NewMemoryLimiter(time.Hour)
	cal := &stubCalendar{}
	s, clk, _ := newTestScheduler(cal, limiter)
	lead := qualifiedBuyer()
	lead.BookingID = "b-1"

	if dec := s.ShouldAutoBook(context.Background(), lead); dec.Eligible || dec.Reason != "already booked" {
		t.Fatalf("expected booked rejection, got %+v", dec)
	}
	if o := s.HandleAppointmentRequest(context.Background(), lead); o.Handled {
		t.Fatalf("booked lead should fall through to a normal reply, got %+v", o)
	}
	if n, _ := limiter.Attempts(context.Background(), lead.ContactID, clk.t); n != 0 {
		t.Fatalf("booked lead recorded %d attempts", n)
	}
}

func TestSelectionBooksChosenSlot(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(10, 0), at(11, 0)}, nextID: "evt-42"}
	s, clk, rec := newTestScheduler(cal, nil)
	lead := qualifiedBuyer()

	offer := s.HandleAppointmentRequest(context.Background(), lead)
	if offer.Pending == nil {
		t.Fatalf("expected pending offer")
	}

	clk.t = clk.t.Add(10 * time.Minute)
	o := s.HandleSelection(context.Background(), lead, offer.Pending, "option 2 please")
	if o.State != StateBooked || o.Booking == nil {
		t.Fatalf("expected booking, got %s (%s)", o.State, o.Reason)
	}
	if !o.Booking.TimeSlot.Start.Equal(at(10, 0)) {
		t.Fatalf("booked wrong slot %s", o.Booking.TimeSlot.Start)
	}
	if o.Booking.LeadScore < s.Threshold() || o.Booking.CalendarEventID != "evt-42" {
		t.Fatalf("unexpected booking %+v", o.Booking)
	}
	if !o.ClearPending {
		t.Fatalf("booked offer must be cleared")
	}
	if len(rec.saved) != 1 {
		t.Fatalf("expected booking persisted")
	}
	if !hasTag(o.Actions, TagAutoBooked) || !hasTag(o.Actions, "Appointment-Buyer-Consultation") || !hasTag(o.Actions, TagUrgentTimeline) {
		t.Fatalf("missing confirmation tags: %v", o.Actions.Tags())
	}
	var sms, email int
	for _, a := range o.Actions {
		if m, ok := a.(model.SendMessage); ok {
			if m.Channel == model.ChannelEmail {
				email++
			} else {
				sms++
			}
		}
	}
	if sms != 1 || email != 1 {
		t.Fatalf("expected one SMS and one email confirmation, got %d/%d", sms, email)
	}
	if !strings.Contains(o.Message, "text and email") {
		t.Fatalf("unexpected confirmation message %q", o.Message)
	}
}

func TestOfferAndBookingCountAsOneAttempt(t *testing.T) {
	limiter := NewMemoryLimiter(time.Hour)
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(10, 0), at(11, 0)}}
	s, clk, _ := newTestScheduler(cal, limiter)
	lead := qualifiedBuyer()

	offer := s.HandleAppointmentRequest(context.Background(), lead)
	if offer.Pending == nil {
		t.Fatalf("expected pending offer, got %s (%s)", offer.State, offer.Reason)
	}
	if o := s.HandleSelection(context.Background(), lead, offer.Pending, "1"); o.State != StateBooked {
		t.Fatalf("expected booking, got %s (%s)", o.State, o.Reason)
	}
	if n, _ := limiter.Attempts(context.Background(), lead.ContactID, clk.t); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestSelectionRetriesThenFallsBack(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(10, 0), at(11, 0)}}
	s, _, _ := newTestScheduler(cal, nil)
	lead := qualifiedBuyer()
	pending := s.HandleAppointmentRequest(context.Background(), lead).Pending

	for i := 1; i <= 2; i++ {
		o := s.HandleSelection(context.Background(), lead, pending, "what about friday?")
		if o.State != StateOffered || o.Pending == nil || o.Pending.Attempts != i {
			t.Fatalf("attempt %d: expected re-prompt, got %s", i, o.State)
		}
		pending = o.Pending
	}

	o := s.HandleSelection(context.Background(), lead, pending, "hmm")
	if o.State != StateManual || !o.ClearPending {
		t.Fatalf("expected manual fallback after retry cap, got %s", o.State)
	}
	if len(cal.created) != 0 {
		t.Fatalf("no appointment should be created")
	}
}

func TestExpiredOfferFallsBack(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(9, 0), at(10, 0), at(11, 0)}}
	s, clk, _ := newTestScheduler(cal, nil)
	lead := qualifiedBuyer()
	pending := s.HandleAppointmentRequest(context.Background(), lead).Pending

	clk.t = clk.t.Add(3 * time.Hour)
	o := s.HandleSelection(context.Background(), lead, pending, "1")
	if o.State != StateExpired || !hasTag(o.Actions, TagNeedsManual) {
		t.Fatalf("expected expiry fallback, got %s", o.State)
	}
	if len(cal.created) != 0 {
		t.Fatalf("expired offer must not book")
	}
}

func TestBookRejectsMismatchedSlot(t *testing.T) {
	cal := &stubCalendar{}
	s, _, _ := newTestScheduler(cal, nil)
	offer := s.newOffer([]model.TimeSlot{model.NewTimeSlot(at(9, 0), model.SellerConsultation, la)}, model.SellerConsultation, true)

	wrong := model.NewTimeSlot(at(9, 0), model.ListingAppointment, la)
	res := s.Book(context.Background(), hotSeller(), offer, wrong)
	if !errors.Is(res.Err, ErrOfferMismatch) {
		t.Fatalf("expected ErrOfferMismatch, got %v", res.Err)
	}

	stretched := model.NewTimeSlot(at(9, 0), model.SellerConsultation, la)
	stretched.End = stretched.End.Add(15 * time.Minute)
	res = s.Book(context.Background(), hotSeller(), offer, stretched)
	if !errors.Is(res.Err, ErrOfferMismatch) {
		t.Fatalf("expected duration mismatch, got %v", res.Err)
	}
	if len(cal.created) != 0 {
		t.Fatalf("mismatched slots must not reach the calendar")
	}
}

func TestBookRejectsUnqualifiedLead(t *testing.T) {
	cal := &stubCalendar{}
	s, _, _ := newTestScheduler(cal, nil)
	slot := model.NewTimeSlot(at(9, 0), model.BuyerConsultation, la)
	offer := s.newOffer([]model.TimeSlot{slot}, model.BuyerConsultation, false)

	lead := qualifiedBuyer()
	lead.Score = 3
	res := s.Book(context.Background(), lead, offer, slot)
	if !errors.Is(res.Err, model.ErrScoreBelowThreshold) {
		t.Fatalf("expected ErrScoreBelowThreshold, got %v", res.Err)
	}
	if len(cal.created) != 0 {
		t.Fatalf("calendar must not be called for an unqualified lead")
	}
}

func TestBookingFailureTagsAndFallback(t *testing.T) {
	cal := &stubCalendar{
		slots:     []time.Time{at(9, 0), at(10, 0), at(11, 0)},
		createErr: &crm.APIError{Operation: "create_appointment", StatusCode: http.StatusConflict, Body: "slot taken"},
	}
	s, _, _ := newTestScheduler(cal, nil)
	lead := qualifiedBuyer()
	pending := s.HandleAppointmentRequest(context.Background(), lead).Pending

	o := s.HandleSelection(context.Background(), lead, pending, "1")
	if o.State != StateManual {
		t.Fatalf("expected manual fallback, got %s", o.State)
	}
	if !hasTag(o.Actions, TagBookingFailed) || !hasTag(o.Actions, TagNeedsManual) {
		t.Fatalf("unexpected tags %v", o.Actions.Tags())
	}
}

func TestAutoBookFirstSlot(t *testing.T) {
	cal := &stubCalendar{slots: []time.Time{at(10, 0), at(9, 0)}}
	s, _, _ := newTestScheduler(cal, nil)
	s.cfg.AutoBookFirstSlot = true

	o := s.HandleAppointmentRequest(context.Background(), qualifiedBuyer())
	if o.State != StateBooked {
		t.Fatalf("expected immediate booking, got %s", o.State)
	}
	if !o.Booking.TimeSlot.Start.Equal(at(9, 0)) {
		t.Fatalf("expected earliest slot, got %s", o.Booking.TimeSlot.Start)
	}
}

func TestAvailableSlotsPreferredTimeAndCap(t *testing.T) {
	var raw []time.Time
	for d := 0; d < 5; d++ {
		for h := 9; h < 17; h++ {
			raw = append(raw, time.Date(2026, 3, 2+d, h, 0, 0, 0, la))
		}
	}
	s, _, _ := newTestScheduler(&stubCalendar{slots: raw}, nil)

	all, err := s.AvailableSlots(context.Background(), model.FollowUpCall, 7, nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(all) != MaxSlots {
		t.Fatalf("expected cap of %d, got %d", MaxSlots, len(all))
	}

	afternoon, _ := s.AvailableSlots(context.Background(), model.FollowUpCall, 7, []string{"afternoon"})
	for _, slot := range afternoon {
		if h := slot.Start.Hour(); h < 12 || h >= 17 {
			t.Fatalf("slot at %d:00 is not in the afternoon", h)
		}
	}
}

func TestAvailableSlotsRequiresCalendar(t *testing.T) {
	s, _, _ := newTestScheduler(&stubCalendar{}, nil)
	s.cfg.CalendarID = ""
	if _, err := s.AvailableSlots(context.Background(), model.BuyerConsultation, 7, nil); !errors.Is(err, ErrCalendarNotConfigured) {
		t.Fatalf("expected ErrCalendarNotConfigured, got %v", err)
	}
}

func TestClassifyAppointment(t *testing.T) {
	tests := []struct {
		name  string
		prefs map[string]string
		want  model.AppointmentType
	}{
		{"default buyer", map[string]string{"budget": "500k"}, model.BuyerConsultation},
		{"home condition means listing", map[string]string{"home_condition": "good"}, model.ListingAppointment},
		{"selling motivation", map[string]string{"motivation": "Want to sell before summer"}, model.ListingAppointment},
		{"investor", map[string]string{"motivation": "looking for a rental property"}, model.InvestorMeeting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyAppointment(tt.prefs); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsUrgentMatchesWholeWords(t *testing.T) {
	if !IsUrgent(Lead{Message: "Ready now!"}) {
		t.Fatalf("expected urgent")
	}
	if IsUrgent(Lead{Message: "let me know"}) {
		t.Fatalf("'know' must not match 'now'")
	}
	if !IsUrgent(Lead{Preferences: map[string]string{"timeline": "this month"}}) {
		t.Fatalf("expected urgent timeline")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{context.DeadlineExceeded, FailureTimeout},
		{&crm.APIError{StatusCode: http.StatusConflict}, FailureDoubleBooking},
		{&crm.APIError{StatusCode: http.StatusTooManyRequests}, FailureRateLimited},
		{&crm.APIError{StatusCode: http.StatusBadRequest, Body: "No availability for this slot"}, FailureNoAvailability},
		{&crm.APIError{StatusCode: http.StatusNotFound, Body: "Calendar not found"}, FailureCalendarConfig},
		{&crm.APIError{StatusCode: http.StatusInternalServerError}, FailureAPI},
		{errors.New("boom"), FailureSystem},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
