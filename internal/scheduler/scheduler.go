// Package scheduler decides whether a qualified lead is auto-booked, offers
// business-hours slots and books the one the lead picks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
	"github.com/capitalize-ai/lead-scheduler/pkg/metrics"
)

// MaxSlots caps how many candidate slots AvailableSlots returns.
const MaxSlots = 10

// HotSellerSlotCount is the exact number of options a hot seller is offered.
const HotSellerSlotCount = 3

// ErrCalendarNotConfigured is returned when no calendar id is set.
var ErrCalendarNotConfigured = errors.New("calendar not configured")

// Calendar is the subset of the CRM client used for availability and booking.
type Calendar interface {
	FreeSlots(ctx context.Context, calendarID string, start, end time.Time, timezone string) ([]time.Time, error)
	CreateAppointment(ctx context.Context, req crm.AppointmentRequest) (*crm.Appointment, error)
}

// BookingRecorder persists confirmed bookings.
type BookingRecorder interface {
	SaveBooking(ctx context.Context, b *model.AppointmentBooking) error
}

// Confirmation selects which confirmation messages are sent.
type Confirmation string

const (
	ConfirmSMS      Confirmation = "sms"
	ConfirmSMSEmail Confirmation = "sms_email"
)

// Config holds scheduling policy.
type Config struct {
	CalendarID     string
	AssignedUserID string
	Location       *time.Location
	Hours          BusinessHours
	// BufferMinutes is added after every appointment when checking hours.
	BufferMinutes      int
	ScoreThreshold     int
	MaxAttemptsPerHour int
	DaysAhead          int
	MaxOfferOptions    int
	OfferTTL           time.Duration
	SelectionRetryCap  int
	AutoBookFirstSlot  bool
	Confirmation       Confirmation
	ManualWorkflowID   string
	// Custom field ids or keys written after a booking. Empty skips the field.
	AppointmentTimeField string
	AppointmentTypeField string
	Now                  func() time.Time
}

func (c *Config) setDefaults() {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Hours == nil {
		c.Hours = DefaultBusinessHours()
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 5
	}
	if c.MaxAttemptsPerHour <= 0 {
		c.MaxAttemptsPerHour = 3
	}
	if c.DaysAhead <= 0 {
		c.DaysAhead = 7
	}
	if c.MaxOfferOptions <= 0 {
		c.MaxOfferOptions = 3
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 24 * time.Hour
	}
	if c.SelectionRetryCap <= 0 {
		c.SelectionRetryCap = 2
	}
	if c.Confirmation == "" {
		c.Confirmation = ConfirmSMSEmail
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler runs the auto-booking flow.
type Scheduler struct {
	cfg      Config
	calendar Calendar
	limiter  AttemptLimiter
	bookings BookingRecorder
	logger   *logger.Logger
}

// New creates a scheduler. bookings may be nil.
func New(cfg Config, calendar Calendar, limiter AttemptLimiter, bookings BookingRecorder, log *logger.Logger) *Scheduler {
	cfg.setDefaults()
	if limiter == nil {
		limiter = NewMemoryLimiter(time.Hour)
	}
	return &Scheduler{
		cfg:      cfg,
		calendar: calendar,
		limiter:  limiter,
		bookings: bookings,
		logger:   log.Named("scheduler"),
	}
}

// Threshold returns the minimum qualification score for auto-booking.
func (s *Scheduler) Threshold() int {
	return s.cfg.ScoreThreshold
}

// Lead is the scheduler's view of a contact.
type Lead struct {
	ContactID   string
	Contact     model.ContactInfo
	Score       int
	Preferences map[string]string
	// Message is the latest inbound text, scanned for urgency.
	Message string
	Channel model.Channel
	// BookingID is set once the contact holds a booking. Booked contacts are
	// never offered again.
	BookingID string
}

// Decision is the outcome of ShouldAutoBook.
type Decision struct {
	Eligible    bool
	Reason      string
	RateLimited bool
	Type        model.AppointmentType
	Urgent      bool
	HotSeller   bool
}

// ShouldAutoBook decides eligibility without recording anything. Checks run
// in order: score, contact info, attempt rate.
func (s *Scheduler) ShouldAutoBook(ctx context.Context, lead Lead) Decision {
	dec := Decision{Type: ClassifyAppointment(lead.Preferences), Urgent: IsUrgent(lead)}
	dec.HotSeller = dec.Type == model.ListingAppointment && dec.Urgent

	if lead.BookingID != "" {
		dec.Reason = "already booked"
		return dec
	}
	if lead.Score < s.cfg.ScoreThreshold {
		dec.Reason = fmt.Sprintf("lead score %d below threshold %d", lead.Score, s.cfg.ScoreThreshold)
		return dec
	}
	if lead.Contact.Phone == "" && lead.Contact.Email == "" {
		dec.Reason = "no phone or email on file"
		return dec
	}

	n, err := s.limiter.Attempts(ctx, lead.ContactID, s.cfg.Now())
	if err != nil {
		s.logger.Warn("attempt limiter unavailable, refusing auto-booking",
			zap.String("contact_id", lead.ContactID), zap.Error(err))
		dec.Reason = "rate limit check unavailable"
		dec.RateLimited = true
		return dec
	}
	if n >= s.cfg.MaxAttemptsPerHour {
		dec.Reason = fmt.Sprintf("rate limit: %d booking attempts in the last hour", n)
		dec.RateLimited = true
		return dec
	}

	dec.Eligible = true
	dec.Reason = "qualified"
	return dec
}

var (
	sellingKeywords    = []string{"sell", "selling", "list my", "listing", "home value", "what's my home worth", "needs work", "repairs", "fixer"}
	investmentKeywords = []string{"invest", "investment", "rental", "cash flow", "portfolio", "flip"}
	urgentKeywords     = []string{"asap", "immediately", "urgent", "this month", "this week", "next week", "soon", "right away", "now", "quickly"}
)

// ClassifyAppointment maps preferences onto an appointment type.
func ClassifyAppointment(prefs map[string]string) model.AppointmentType {
	if strings.TrimSpace(prefs["home_condition"]) != "" {
		return model.ListingAppointment
	}
	text := strings.ToLower(prefs["motivation"] + " " + prefs["intent"])
	switch {
	case containsAny(text, sellingKeywords):
		return model.ListingAppointment
	case containsAny(text, investmentKeywords):
		return model.InvestorMeeting
	default:
		return model.BuyerConsultation
	}
}

// IsUrgent reports whether the timeline or latest message signals urgency.
func IsUrgent(lead Lead) bool {
	return containsAnyWord(strings.ToLower(lead.Preferences["timeline"]+" "+lead.Message), urgentKeywords)
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// containsAnyWord matches keywords on word boundaries so "now" does not match
// "know".
func containsAnyWord(text string, keywords []string) bool {
	padded := " " + strings.Join(strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}), " ") + " "
	for _, k := range keywords {
		if strings.Contains(padded, " "+k+" ") {
			return true
		}
	}
	return false
}

// AvailableSlots returns future slots of apptType that fit business hours
// including the buffer, sorted by start and capped at MaxSlots. With
// preferred time-of-day buckets, only matching slots are kept.
func (s *Scheduler) AvailableSlots(ctx context.Context, apptType model.AppointmentType, daysAhead int, preferred []string) ([]model.TimeSlot, error) {
	if s.cfg.CalendarID == "" {
		return nil, ErrCalendarNotConfigured
	}
	if daysAhead <= 0 {
		daysAhead = s.cfg.DaysAhead
	}

	loc := s.cfg.Location
	now := s.cfg.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, daysAhead)

	raw, err := s.calendar.FreeSlots(ctx, s.cfg.CalendarID, start, end, loc.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch free slots: %w", err)
	}

	occupied := time.Duration(apptType.DurationMinutes()+s.cfg.BufferMinutes) * time.Minute
	seen := make(map[int64]bool, len(raw))
	var slots []model.TimeSlot
	for _, t := range raw {
		local := t.In(loc)
		if local.Before(now) || seen[local.Unix()] {
			continue
		}
		if !s.cfg.Hours.Fits(local, occupied) {
			continue
		}
		if len(preferred) > 0 && !matchesPreferred(local, preferred) {
			continue
		}
		seen[local.Unix()] = true
		slots = append(slots, model.NewTimeSlot(local, apptType, loc))
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	if len(slots) > MaxSlots {
		slots = slots[:MaxSlots]
	}
	return slots, nil
}

// HotSellerSlots returns exactly three seller consultation slots, or none.
func (s *Scheduler) HotSellerSlots(ctx context.Context) ([]model.TimeSlot, error) {
	slots, err := s.AvailableSlots(ctx, model.SellerConsultation, s.cfg.DaysAhead, nil)
	if err != nil {
		return nil, err
	}
	if len(slots) < HotSellerSlotCount {
		return nil, nil
	}
	return slots[:HotSellerSlotCount], nil
}

func preferredTimes(prefs map[string]string) []string {
	raw := prefs["preferred_time"]
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '/' || r == ' ' }) {
		if _, ok := timeOfDay[strings.ToLower(p)]; ok {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func recordOutcome(o Outcome) {
	metrics.SchedulerOutcomes.WithLabelValues(string(o.State)).Inc()
}
