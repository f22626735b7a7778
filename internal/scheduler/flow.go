package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/internal/crm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// State is where a scheduling interaction ended up.
type State string

const (
	StateNone    State = "none"
	StateOffered State = "offered"
	StateBooked  State = "booked"
	StateExpired State = "expired"
	StateManual  State = "manual_fallback"
)

// Outcome is what the conversation layer sends back and stores.
type Outcome struct {
	// Handled is false when the scheduler had nothing to do with the message.
	Handled bool
	State   State
	Message string
	Actions model.Actions
	// Pending replaces the stored offer when non-nil.
	Pending *model.PendingSelection
	// ClearPending removes the stored offer.
	ClearPending bool
	Booking      *model.AppointmentBooking
	Reason       string
}

// FailureKind classifies a failed booking.
type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureNoAvailability FailureKind = "no_availability"
	FailureDoubleBooking  FailureKind = "double_booking"
	FailureRateLimited    FailureKind = "rate_limited"
	FailureAPI            FailureKind = "api_error"
	FailureCalendarConfig FailureKind = "calendar_not_found"
	FailureSystem         FailureKind = "system_error"
)

// Tags written on failure or manual hand-off.
const (
	TagNeedsManual      = "Needs-Manual-Scheduling"
	TagHighPriority     = "High-Priority-Lead"
	TagBookingFailed    = "Booking-Failed-Manual-Needed"
	TagBookingSysError  = "Booking-System-Error"
	TagAutoBooked       = "Auto-Booked"
	TagUrgentTimeline   = "Urgent-Timeline"
	TagAppointmentOffer = "Appointment-Offered"
)

// ErrOfferMismatch is returned when a slot does not match the offer it came from.
var ErrOfferMismatch = errors.New("slot does not match the offered appointment")

// HandleAppointmentRequest runs the auto-booking flow for a lead that is not
// answering an existing offer. Every call past the eligibility check counts
// as one attempt.
func (s *Scheduler) HandleAppointmentRequest(ctx context.Context, lead Lead) Outcome {
	dec := s.ShouldAutoBook(ctx, lead)
	if !dec.Eligible {
		if dec.RateLimited {
			o := s.manualFallback(lead, dec.Urgent, StateManual, dec.Reason)
			recordOutcome(o)
			return o
		}
		return Outcome{State: StateNone, Reason: dec.Reason}
	}

	now := s.cfg.Now()
	if err := s.limiter.Record(ctx, lead.ContactID, now); err != nil {
		s.logger.Warn("failed to record booking attempt", zap.String("contact_id", lead.ContactID), zap.Error(err))
		o := s.manualFallback(lead, dec.Urgent, StateManual, "attempt could not be recorded")
		recordOutcome(o)
		return o
	}

	var o Outcome
	if dec.HotSeller {
		o = s.offerHotSeller(ctx, lead)
	} else {
		o = s.offerGeneral(ctx, lead, dec)
	}
	recordOutcome(o)
	return o
}

func (s *Scheduler) offerHotSeller(ctx context.Context, lead Lead) Outcome {
	slots, err := s.HotSellerSlots(ctx)
	if err != nil {
		s.logger.Warn("hot seller availability failed", zap.String("contact_id", lead.ContactID), zap.Error(err))
		return s.manualFallback(lead, true, StateManual, "availability lookup failed")
	}
	if len(slots) != HotSellerSlotCount {
		return s.manualFallback(lead, true, StateManual, "fewer than three seller consultation slots")
	}
	return s.offer(lead, slots, model.SellerConsultation, true)
}

func (s *Scheduler) offerGeneral(ctx context.Context, lead Lead, dec Decision) Outcome {
	slots, err := s.AvailableSlots(ctx, dec.Type, s.cfg.DaysAhead, preferredTimes(lead.Preferences))
	if err != nil {
		s.logger.Warn("availability failed", zap.String("contact_id", lead.ContactID), zap.Error(err))
		return s.manualFallback(lead, dec.Urgent, StateManual, "availability lookup failed")
	}
	if len(slots) == 0 {
		return s.manualFallback(lead, dec.Urgent, StateManual, "no available slots")
	}

	if s.cfg.AutoBookFirstSlot {
		offer := s.newOffer(slots[:1], dec.Type, false)
		return s.bookOutcome(ctx, lead, offer, slots[0], dec.Urgent)
	}

	if len(slots) > s.cfg.MaxOfferOptions {
		slots = slots[:s.cfg.MaxOfferOptions]
	}
	return s.offer(lead, slots, dec.Type, false)
}

func (s *Scheduler) newOffer(slots []model.TimeSlot, apptType model.AppointmentType, strict bool) *model.PendingSelection {
	now := s.cfg.Now()
	p := &model.PendingSelection{
		Status:          model.SelectionAwaiting,
		OfferedType:     apptType,
		OfferedDuration: apptType.DurationMinutes(),
		Strict:          strict,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.OfferTTL),
	}
	for i, slot := range slots {
		p.Options = append(p.Options, model.SlotOption{Label: strconv.Itoa(i + 1), Slot: slot})
	}
	return p
}

func (s *Scheduler) offer(lead Lead, slots []model.TimeSlot, apptType model.AppointmentType, strict bool) Outcome {
	p := s.newOffer(slots, apptType, strict)
	return Outcome{
		Handled: true,
		State:   StateOffered,
		Message: offerMessage(lead, p),
		Actions: model.Actions{model.AddTag{Tag: TagAppointmentOffer}},
		Pending: p,
		Reason:  fmt.Sprintf("offered %d %s slots", len(slots), apptType),
	}
}

// HandleSelection resolves a reply to a stored offer. It returns an
// unhandled Outcome when there is no live offer.
func (s *Scheduler) HandleSelection(ctx context.Context, lead Lead, pending *model.PendingSelection, reply string) Outcome {
	if pending == nil || pending.Status != model.SelectionAwaiting {
		return Outcome{State: StateNone}
	}
	urgent := IsUrgent(lead)

	if pending.Expired(s.cfg.Now()) {
		o := s.manualFallback(lead, urgent, StateExpired, "offer expired")
		recordOutcome(o)
		return o
	}

	label, ok := ParseSelection(reply, len(pending.Options))
	if !ok {
		next := *pending
		next.Attempts++
		if next.Attempts > s.cfg.SelectionRetryCap {
			o := s.manualFallback(lead, urgent, StateManual, "no valid selection after retries")
			recordOutcome(o)
			return o
		}
		return Outcome{
			Handled: true,
			State:   StateOffered,
			Message: repromptMessage(&next),
			Pending: &next,
			Reason:  "unrecognized selection",
		}
	}

	opt, ok := pending.Option(label)
	if !ok {
		o := s.manualFallback(lead, urgent, StateManual, "selected option missing from offer")
		recordOutcome(o)
		return o
	}
	o := s.bookOutcome(ctx, lead, pending, opt.Slot, urgent)
	recordOutcome(o)
	return o
}

// BookingResult is the outcome of Book.
type BookingResult struct {
	Booking *model.AppointmentBooking
	Failure FailureKind
	Err     error
}

// Book validates slot against the offer and the lead's score, creates the
// calendar event and records the booking.
func (s *Scheduler) Book(ctx context.Context, lead Lead, offer *model.PendingSelection, slot model.TimeSlot) BookingResult {
	if err := validateSlot(offer, slot); err != nil {
		return BookingResult{Failure: FailureSystem, Err: err}
	}
	if lead.Score < s.cfg.ScoreThreshold {
		return BookingResult{Failure: FailureSystem, Err: model.ErrScoreBelowThreshold}
	}
	if s.cfg.CalendarID == "" {
		return BookingResult{Failure: FailureCalendarConfig, Err: ErrCalendarNotConfigured}
	}

	appt, err := s.calendar.CreateAppointment(ctx, crm.AppointmentRequest{
		CalendarID:     s.cfg.CalendarID,
		ContactID:      lead.ContactID,
		AssignedUserID: s.cfg.AssignedUserID,
		Title:          appointmentTitle(lead, slot.AppointmentType),
		Notes:          appointmentNotes(lead),
		Start:          slot.Start,
		End:            slot.End,
	})
	if err != nil {
		return BookingResult{Failure: ClassifyError(err), Err: err}
	}

	booking, err := model.NewAppointmentBooking(lead.ContactID, slot, lead.Score, s.cfg.ScoreThreshold, appt.ID, s.cfg.Now())
	if err != nil {
		return BookingResult{Failure: FailureSystem, Err: err}
	}
	if s.bookings != nil {
		if err := s.bookings.SaveBooking(ctx, booking); err != nil {
			s.logger.Error("failed to persist booking",
				zap.String("contact_id", lead.ContactID), zap.String("booking_id", booking.BookingID), zap.Error(err))
		}
	}
	return BookingResult{Booking: booking}
}

func (s *Scheduler) bookOutcome(ctx context.Context, lead Lead, offer *model.PendingSelection, slot model.TimeSlot, urgent bool) Outcome {
	res := s.Book(ctx, lead, offer, slot)
	if res.Err != nil {
		s.logger.Warn("booking failed",
			zap.String("contact_id", lead.ContactID), zap.String("failure", string(res.Failure)), zap.Error(res.Err))
		o := s.manualFallback(lead, urgent, StateManual, "booking failed: "+string(res.Failure))
		tag := TagBookingFailed
		if res.Failure == FailureSystem {
			tag = TagBookingSysError
		}
		o.Actions = append(o.Actions, model.AddTag{Tag: tag})
		return o
	}

	res.Booking.ConfirmationSent = true
	return Outcome{
		Handled:      true,
		State:        StateBooked,
		Message:      bookedMessage(lead, res.Booking, s.sendsEmail(lead)),
		Actions:      s.confirmationActions(lead, res.Booking, urgent),
		ClearPending: true,
		Booking:      res.Booking,
		Reason:       "booked",
	}
}

func validateSlot(offer *model.PendingSelection, slot model.TimeSlot) error {
	if offer == nil {
		return fmt.Errorf("%w: no offer", ErrOfferMismatch)
	}
	if slot.AppointmentType != offer.OfferedType {
		return fmt.Errorf("%w: type %s, offered %s", ErrOfferMismatch, slot.AppointmentType, offer.OfferedType)
	}
	if slot.DurationMinutes != offer.OfferedDuration || slot.ActualMinutes() != offer.OfferedDuration {
		return fmt.Errorf("%w: %d minutes, offered %d", ErrOfferMismatch, slot.ActualMinutes(), offer.OfferedDuration)
	}
	if offer.Strict && (slot.AppointmentType != model.SellerConsultation || slot.ActualMinutes() != model.SellerConsultation.DurationMinutes()) {
		return fmt.Errorf("%w: strict offer requires a seller consultation", ErrOfferMismatch)
	}
	return nil
}

// ClassifyError maps a booking error onto a FailureKind.
func ClassifyError(err error) FailureKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, ErrCalendarNotConfigured) {
		return FailureCalendarConfig
	}

	var apiErr *crm.APIError
	if errors.As(err, &apiErr) {
		body := strings.ToLower(apiErr.Body)
		switch {
		case apiErr.StatusCode == http.StatusConflict || strings.Contains(body, "double booking") || strings.Contains(body, "already booked"):
			return FailureDoubleBooking
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return FailureRateLimited
		case apiErr.StatusCode == http.StatusGatewayTimeout || apiErr.StatusCode == http.StatusRequestTimeout:
			return FailureTimeout
		case strings.Contains(body, "calendar not found"):
			return FailureCalendarConfig
		case strings.Contains(body, "no availability") || strings.Contains(body, "not available"):
			return FailureNoAvailability
		default:
			return FailureAPI
		}
	}
	return FailureSystem
}

func (s *Scheduler) sendsEmail(lead Lead) bool {
	return s.cfg.Confirmation == ConfirmSMSEmail && lead.Contact.Email != ""
}

func (s *Scheduler) confirmationActions(lead Lead, b *model.AppointmentBooking, urgent bool) model.Actions {
	channel := lead.Channel
	if channel == "" || channel == model.ChannelEmail {
		channel = model.ChannelSMS
	}
	actions := model.Actions{
		model.SendMessage{Message: confirmationSMS(lead, b), Channel: channel},
	}
	if s.sendsEmail(lead) {
		actions = append(actions, model.SendMessage{Message: confirmationEmail(lead, b), Channel: model.ChannelEmail})
	}
	actions = append(actions,
		model.AddTag{Tag: appointmentTag(b.AppointmentType)},
		model.AddTag{Tag: TagAutoBooked},
	)
	if urgent {
		actions = append(actions, model.AddTag{Tag: TagUrgentTimeline})
	}
	if s.cfg.AppointmentTimeField != "" {
		actions = append(actions, model.UpdateCustomField{Field: s.cfg.AppointmentTimeField, Value: b.TimeSlot.Start.Format("2006-01-02T15:04:05Z07:00")})
	}
	if s.cfg.AppointmentTypeField != "" {
		actions = append(actions, model.UpdateCustomField{Field: s.cfg.AppointmentTypeField, Value: string(b.AppointmentType)})
	}
	return actions
}

func (s *Scheduler) manualFallback(lead Lead, urgent bool, state State, reason string) Outcome {
	actions := model.Actions{
		model.AddTag{Tag: TagNeedsManual},
		model.AddTag{Tag: TagHighPriority},
	}
	if s.cfg.ManualWorkflowID != "" {
		actions = append(actions, model.TriggerWorkflow{WorkflowID: s.cfg.ManualWorkflowID})
	}
	s.logger.Info("handing lead to manual scheduling",
		zap.String("contact_id", lead.ContactID), zap.String("reason", reason))
	return Outcome{
		Handled:      true,
		State:        state,
		Message:      manualMessage(urgent),
		Actions:      actions,
		ClearPending: true,
		Reason:       reason,
	}
}
