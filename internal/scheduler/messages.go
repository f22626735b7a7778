package scheduler

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

func firstName(lead Lead) string {
	if lead.Contact.FirstName != "" {
		return lead.Contact.FirstName
	}
	return "there"
}

func offerMessage(lead Lead, p *model.PendingSelection) string {
	var b strings.Builder
	if p.Strict {
		fmt.Fprintf(&b, "Hi %s! I can get you in for a %s this week. Here are the next openings:\n",
			firstName(lead), p.OfferedType.Description())
	} else {
		fmt.Fprintf(&b, "Great news %s! I have a few times open for your %s:\n",
			firstName(lead), p.OfferedType.Description())
	}
	writeOptions(&b, p)
	b.WriteString(replyHint(p))
	return b.String()
}

func repromptMessage(p *model.PendingSelection) string {
	var b strings.Builder
	b.WriteString("Sorry, I didn't catch which time works. Here they are again:\n")
	writeOptions(&b, p)
	b.WriteString(replyHint(p))
	return b.String()
}

func writeOptions(b *strings.Builder, p *model.PendingSelection) {
	for _, o := range p.Options {
		fmt.Fprintf(b, "%s) %s\n", o.Label, o.Slot.FormatForLead())
	}
}

func replyHint(p *model.PendingSelection) string {
	labels := make([]string, len(p.Options))
	for i, o := range p.Options {
		labels[i] = o.Label
	}
	switch len(labels) {
	case 1:
		return "Reply 1 to lock it in."
	case 2:
		return fmt.Sprintf("Reply %s or %s to lock one in.", labels[0], labels[1])
	default:
		return fmt.Sprintf("Reply %s, or %s to lock one in.",
			strings.Join(labels[:len(labels)-1], ", "), labels[len(labels)-1])
	}
}

func bookedMessage(lead Lead, b *model.AppointmentBooking, email bool) string {
	msg := fmt.Sprintf("Perfect %s! I've scheduled your %s for %s. ",
		firstName(lead), b.AppointmentType.Description(), b.TimeSlot.FormatForLead())
	if email {
		return msg + "You'll receive a confirmation text and email shortly!"
	}
	return msg + "You'll receive a confirmation text shortly!"
}

func confirmationSMS(lead Lead, b *model.AppointmentBooking) string {
	return fmt.Sprintf("Confirmed: %s on %s. Reply here if you need to reschedule.",
		b.AppointmentType.Title(), b.TimeSlot.FormatForLead())
}

func confirmationEmail(lead Lead, b *model.AppointmentBooking) string {
	return fmt.Sprintf("Hi %s,\n\nYour %s is confirmed for %s (%d minutes).\n\nIf anything changes, just reply to this email.",
		firstName(lead), b.AppointmentType.Description(), b.TimeSlot.FormatForLead(), b.TimeSlot.DurationMinutes)
}

func manualMessage(urgent bool) string {
	if urgent {
		return "Thanks! I want to get you scheduled right away. A member of our team will reach out within the hour to find a time that works."
	}
	return "Thanks for your interest! A member of our team will reach out shortly to find a time that works for you."
}

func appointmentTitle(lead Lead, t model.AppointmentType) string {
	if name := lead.Contact.Name(); name != "" {
		return t.Title() + " - " + name
	}
	return t.Title()
}

func appointmentNotes(lead Lead) string {
	var parts []string
	for _, k := range []string{"budget", "location", "timeline", "motivation", "home_condition", "financing"} {
		if v := lead.Preferences[k]; v != "" {
			parts = append(parts, k+": "+v)
		}
	}
	parts = append(parts, fmt.Sprintf("lead score: %d", lead.Score))
	return strings.Join(parts, "\n")
}

// appointmentTag renders "seller_consultation" as "Appointment-Seller-Consultation".
func appointmentTag(t model.AppointmentType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "Appointment-" + strings.Join(words, "-")
}
