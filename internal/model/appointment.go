package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppointmentType is the kind of meeting booked for a lead.
type AppointmentType string

const (
	BuyerConsultation  AppointmentType = "buyer_consultation"
	ListingAppointment AppointmentType = "listing_appointment"
	SellerConsultation AppointmentType = "seller_consultation"
	InvestorMeeting    AppointmentType = "investor_meeting"
	PropertyShowing    AppointmentType = "property_showing"
	FollowUpCall       AppointmentType = "follow_up_call"
)

var appointmentDurations = map[AppointmentType]int{
	BuyerConsultation:  60,
	ListingAppointment: 90,
	SellerConsultation: 30,
	InvestorMeeting:    45,
	PropertyShowing:    30,
	FollowUpCall:       15,
}

// DurationMinutes returns the customer-facing length of the appointment.
func (t AppointmentType) DurationMinutes() int {
	if d, ok := appointmentDurations[t]; ok {
		return d
	}
	return 60
}

// Title is the human label used in calendar titles and tags.
func (t AppointmentType) Title() string {
	switch t {
	case SellerConsultation:
		return "Seller Consultation (30 min)"
	default:
		words := strings.Split(string(t), "_")
		for i, w := range words {
			if w != "" {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
		return strings.Join(words, " ")
	}
}

// Description is the phrase used inside confirmation messages.
func (t AppointmentType) Description() string {
	switch t {
	case SellerConsultation:
		return "30 minute seller consultation"
	case InvestorMeeting:
		return "investment discussion"
	default:
		return strings.ReplaceAll(string(t), "_", " ")
	}
}

// TimeSlot is a zone-aware candidate appointment window.
type TimeSlot struct {
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	DurationMinutes int             `json:"duration_minutes"`
	AppointmentType AppointmentType `json:"appointment_type"`
	Timezone        string          `json:"timezone"`
}

// NewTimeSlot builds a slot whose End is derived from the appointment duration.
func NewTimeSlot(start time.Time, apptType AppointmentType, loc *time.Location) TimeSlot {
	start = start.In(loc)
	d := apptType.DurationMinutes()
	return TimeSlot{
		Start:           start,
		End:             start.Add(time.Duration(d) * time.Minute),
		DurationMinutes: d,
		AppointmentType: apptType,
		Timezone:        loc.String(),
	}
}

// ActualMinutes is the slot length measured from Start and End.
func (s TimeSlot) ActualMinutes() int {
	return int(s.End.Sub(s.Start) / time.Minute)
}

// Local returns Start in the slot's own timezone.
func (s TimeSlot) Local() time.Time {
	if loc, err := time.LoadLocation(s.Timezone); err == nil {
		return s.Start.In(loc)
	}
	return s.Start
}

// FormatForLead renders the slot the way it is shown in SMS copy.
func (s TimeSlot) FormatForLead() string {
	return s.Local().Format("Monday, January 02 at 03:04 PM MST")
}

// SlotOption is one labelled choice in an offer.
type SlotOption struct {
	Label string   `json:"label"`
	Slot  TimeSlot `json:"slot"`
}

// SelectionStatus is the lifecycle of an offer.
type SelectionStatus string

const (
	SelectionAwaiting SelectionStatus = "awaiting_selection"
	SelectionBooked   SelectionStatus = "booked"
	SelectionExpired  SelectionStatus = "expired"
	SelectionManual   SelectionStatus = "manual_fallback"
)

// PendingSelection is the per-contact offer awaiting the lead's reply.
type PendingSelection struct {
	Status          SelectionStatus `json:"status"`
	Options         []SlotOption    `json:"options"`
	OfferedType     AppointmentType `json:"offered_type"`
	OfferedDuration int             `json:"offered_duration"`
	Strict          bool            `json:"strict,omitempty"`
	Attempts        int             `json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Expired reports whether the offer can no longer be accepted at now.
func (p *PendingSelection) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Option returns the option with the given label.
func (p *PendingSelection) Option(label string) (SlotOption, bool) {
	for _, o := range p.Options {
		if o.Label == label {
			return o, true
		}
	}
	return SlotOption{}, false
}

// ErrScoreBelowThreshold is returned when a booking is built for an unqualified lead.
var ErrScoreBelowThreshold = errors.New("lead score below booking threshold")

// AppointmentBooking is a confirmed calendar appointment.
type AppointmentBooking struct {
	BookingID        string          `json:"booking_id"`
	ContactID        string          `json:"contact_id"`
	AppointmentType  AppointmentType `json:"appointment_type"`
	TimeSlot         TimeSlot        `json:"time_slot"`
	LeadScore        int             `json:"lead_score"`
	ConfirmationSent bool            `json:"confirmation_sent"`
	CalendarEventID  string          `json:"calendar_event_id"`
	BookedAt         time.Time       `json:"booked_at"`
}

// NewAppointmentBooking validates the score against threshold before creating
// the record; callers only invoke it after the calendar event exists.
func NewAppointmentBooking(contactID string, slot TimeSlot, leadScore, threshold int, calendarEventID string, now time.Time) (*AppointmentBooking, error) {
	if leadScore < threshold {
		return nil, fmt.Errorf("%w: score %d, threshold %d", ErrScoreBelowThreshold, leadScore, threshold)
	}
	return &AppointmentBooking{
		BookingID:       uuid.NewString(),
		ContactID:       contactID,
		AppointmentType: slot.AppointmentType,
		TimeSlot:        slot,
		LeadScore:       leadScore,
		CalendarEventID: calendarEventID,
		BookedAt:        now,
	}, nil
}
