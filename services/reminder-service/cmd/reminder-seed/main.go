package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/carereminder/libs/config"
	"github.com/md-rashed-zaman/carereminder/libs/db"
	"github.com/md-rashed-zaman/carereminder/libs/redisx"
	"github.com/md-rashed-zaman/carereminder/libs/runtime"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/audit"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/hooks"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/outbox"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/planner"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/preferences"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/settings"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/templates"
)

const seedActor = "seed"

var sampleTemplates = []model.Template{
	{
		Name:    "Appointment Reminder - SMS",
		Channel: model.ChannelSMS,
		Body:    "Hi {{patient_name}}, this is a reminder for your {{appointment_type}} appointment with {{doctor_name}} on {{appointment_date}} at {{appointment_time}}. Reply YES to confirm or call us at (555) 123-4567 to reschedule.",
	},
	{
		Name:    "Appointment Reminder - Email",
		Channel: model.ChannelEmail,
		Subject: "Reminder: Your Upcoming Appointment",
		Body: "Dear {{patient_name}},\n\nThis is a friendly reminder about your upcoming {{appointment_type}} appointment with {{doctor_name}} on {{appointment_date}} at {{appointment_time}}.\n\n" +
			"Location: {{location}}\n\nPlease arrive 15 minutes early to complete any necessary paperwork. If you need to reschedule, please call us at (555) 123-4567 at least 24 hours in advance.\n\nThank you,\nThe Medical Team",
	},
	{
		Name:            "Dental Cleaning Reminder",
		Channel:         model.ChannelSMS,
		AppointmentType: "Dental Cleaning",
		Body:            "Hi {{patient_name}}, don't forget your dental cleaning with Dr. {{doctor_name}} on {{appointment_date}} at {{appointment_time}}. Please brush before your appointment. Reply YES to confirm.",
	},
	{
		Name:            "Physical Exam Preparation",
		Channel:         model.ChannelEmail,
		AppointmentType: "Physical Exam",
		Subject:         "Important Instructions for Your Physical Exam",
		Body: "Dear {{patient_name}},\n\nYour physical examination is scheduled for {{appointment_date}} at {{appointment_time}} with Dr. {{doctor_name}}.\n\n" +
			"Preparation Instructions:\n- Fast for 8 hours prior to your appointment\n- Bring all current medications\n- Wear comfortable clothing\n- Bring your insurance card\n\n" +
			"If you have any questions, please call us at (555) 123-4567.\n\nThank you,\nThe Medical Team",
	},
	{
		Name:            "MRI Appointment Preparation",
		Channel:         model.ChannelSMS,
		AppointmentType: "MRI",
		Body:            "Hi {{patient_name}}, important instructions for your MRI on {{appointment_date}}: Remove all metal objects, arrive 30 min early, and inform us of any implants or devices. Reply YES to confirm.",
	},
	{
		Name:    "WhatsApp Reminder",
		Channel: model.ChannelWhatsApp,
		Body:    "Hello {{patient_name}},\nThis is a reminder for your {{appointment_type}} with Dr. {{doctor_name}} on {{appointment_date}} at {{appointment_time}}. Please reply with 'CONFIRM' to confirm your attendance or call us to reschedule.",
	},
	{
		Name:    "App Notification",
		Channel: model.ChannelApp,
		Subject: "Upcoming appointment",
		Body:    "{{appointment_type}} with {{doctor_name}} on {{appointment_date}} at {{appointment_time}}.",
	},
}

var appointmentTypes = []string{"Dental Cleaning", "Physical Exam", "MRI", "Consultation", "Follow-up"}

func main() {
	var (
		patients = flag.Int("patients", config.Int("SEED_PATIENTS", 20), "patients to create")
		doctors  = flag.Int("doctors", config.Int("SEED_DOCTORS", 5), "doctors to create")
		perPat   = flag.Int("appointments", config.Int("SEED_APPOINTMENTS_PER_PATIENT", 2), "appointments per patient")
	)
	flag.Parse()

	_ = config.LoadDotEnv()
	logger := runtime.NewLogger("reminder-seed", config.String("LOG_LEVEL", "info"))

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		fatal(logger, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, dbURL, db.Options{ApplicationName: "reminder-seed", MaxConns: 2})
	if err != nil {
		fatal(logger, fmt.Errorf("connect postgres: %w", err))
	}
	defer pool.Close()

	policy, err := settings.Load(config.String("REMINDER_CONFIG", "config/reminder.yaml"))
	if err != nil {
		fatal(logger, err)
	}
	store := storage.NewPostgres(pool, outbox.NewRepository())

	if err := seedTemplates(ctx, store); err != nil {
		fatal(logger, fmt.Errorf("seed templates: %w", err))
	}
	logger.Info("templates seeded", "count", len(sampleTemplates))

	doctorIDs, err := seedDoctors(ctx, store, *doctors)
	if err != nil {
		fatal(logger, fmt.Errorf("seed doctors: %w", err))
	}

	plan := planner.New(store,
		preferences.NewResolver(store, policy.DefaultLeadTime),
		templates.NewResolver(store),
		templates.NewRenderer(policy.Location()),
		logger,
		planner.Config{ClampBuffer: policy.ClampBuffer, ManualOnly: !policy.AutomaticReminders},
	)
	lifecycle := hooks.New(store, plan, redisx.NewLocalLocker(), logger)

	created := 0
	for i := 0; i < *patients; i++ {
		patient, err := seedPatient(ctx, store)
		if err != nil {
			fatal(logger, fmt.Errorf("seed patient: %w", err))
		}
		for j := 0; j < *perPat; j++ {
			res, err := lifecycle.OnAppointmentCreated(ctx, fakeAppointment(patient.ID, doctorIDs[gofakeit.Number(0, len(doctorIDs)-1)]))
			if err != nil {
				fatal(logger, fmt.Errorf("plan appointment: %w", err))
			}
			created += len(res.Created)
		}
	}
	logger.Info("seed complete", "patients", *patients, "doctors", len(doctorIDs), "reminders", created)
}

func seedTemplates(ctx context.Context, store storage.Store) error {
	for _, t := range sampleTemplates {
		entry := audit.New(audit.EntityTemplate, "", audit.ActionTemplateUpserted, seedActor, map[string]any{
			"channel":          string(t.Channel),
			"appointment_type": t.AppointmentType,
		})
		if _, err := store.UpsertTemplate(ctx, t, entry); err != nil {
			return err
		}
	}
	return nil
}

func seedDoctors(ctx context.Context, store storage.Store, count int) ([]string, error) {
	if count < 1 {
		count = 1
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		d := model.Person{ID: uuid.NewString(), Name: gofakeit.LastName()}
		if err := store.UpsertPerson(ctx, d); err != nil {
			return nil, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// seedPatient creates a patient with a random subset of channels enabled and opted in.
func seedPatient(ctx context.Context, store storage.Store) (model.Person, error) {
	p := model.Person{
		ID:    uuid.NewString(),
		Name:  gofakeit.FirstName() + " " + gofakeit.LastName(),
		Phone: fmt.Sprintf("+1555%07d", gofakeit.Number(0, 9999999)),
		Email: gofakeit.Email(),
	}
	if err := store.UpsertPerson(ctx, p); err != nil {
		return model.Person{}, err
	}

	now := time.Now().UTC()
	leads := []time.Duration{0, 2 * time.Hour, 24 * time.Hour, 48 * time.Hour}
	for i, ch := range []model.Channel{model.ChannelSMS, model.ChannelEmail, model.ChannelWhatsApp, model.ChannelApp} {
		enabled := i == 0 || gofakeit.Bool()
		pref := model.Preference{
			PatientID: p.ID,
			Channel:   ch,
			Enabled:   enabled,
			Priority:  i + 1,
			LeadTime:  leads[gofakeit.Number(0, len(leads)-1)],
		}
		entry := audit.New(audit.EntityPreference, p.ID, audit.ActionPreferenceUpserted, seedActor, map[string]any{
			"channel":    string(ch),
			"is_enabled": enabled,
		})
		if err := store.UpsertPreference(ctx, pref, entry); err != nil {
			return model.Person{}, err
		}
		if !enabled {
			continue
		}
		ev := model.OptInEvent{
			PatientID: p.ID,
			Channel:   ch,
			OptedIn:   true,
			IPAddress: gofakeit.IPv4Address(),
			UserAgent: gofakeit.UserAgent(),
			CreatedAt: now,
		}
		entry = audit.New(audit.EntityPreference, p.ID, audit.ActionOptInRecorded, seedActor, map[string]any{
			"channel":  string(ch),
			"opted_in": true,
		})
		if err := store.AppendOptIn(ctx, ev, entry); err != nil {
			return model.Person{}, err
		}
	}
	return p, nil
}

func fakeAppointment(patientID, doctorID string) model.Appointment {
	start := time.Now().UTC().
		Add(time.Duration(gofakeit.Number(1, 14)) * 24 * time.Hour).
		Truncate(time.Hour).
		Add(time.Duration(gofakeit.Number(0, 7)) * time.Hour)
	apptType := appointmentTypes[gofakeit.Number(0, len(appointmentTypes)-1)]
	return model.Appointment{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		PatientID: patientID,
		StartTime: start,
		EndTime:   start.Add(30 * time.Minute),
		Type:      apptType,
		Status:    model.AppointmentScheduled,
		Location:  gofakeit.Street() + ", " + gofakeit.City(),
	}
}

func fatal(logger *slog.Logger, err error) {
	logger.Error("seed failed", "err", err)
	os.Exit(1)
}
