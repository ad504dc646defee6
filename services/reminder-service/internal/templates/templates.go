package templates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/storage"
	"github.com/valyala/fasttemplate"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateRender   = errors.New("template render failed")
)

type Store interface {
	GetTemplate(ctx context.Context, channel model.Channel, appointmentType string) (model.Template, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve prefers the template for the exact appointment type and falls back to the channel default.
func (r *Resolver) Resolve(ctx context.Context, channel model.Channel, appointmentType string) (model.Template, error) {
	if appointmentType != "" {
		t, err := r.store.GetTemplate(ctx, channel, appointmentType)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Template{}, err
		}
	}
	t, err := r.store.GetTemplate(ctx, channel, "")
	if errors.Is(err, storage.ErrNotFound) {
		return model.Template{}, fmt.Errorf("%s/%q: %w", channel, appointmentType, ErrTemplateNotFound)
	}
	return t, err
}

// Data is what a template can reference.
type Data struct {
	Appointment model.Appointment
	Patient     model.Person
	Doctor      model.Person
}

type Rendered struct {
	Subject string
	Body    string
}

const (
	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

type Renderer struct {
	loc *time.Location
}

// NewRenderer formats appointment dates and times in loc.
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

// Render fills every {{placeholder}} in the subject and body. Unknown placeholders and empty
// values fail the whole render.
func (r *Renderer) Render(t model.Template, d Data) (Rendered, error) {
	values := r.values(d)
	body, err := r.execute(t.Body, values)
	if err != nil {
		return Rendered{}, err
	}
	if t.Channel == model.ChannelEmail && strings.TrimSpace(t.Subject) == "" {
		return Rendered{}, fmt.Errorf("%w: email template %s has no subject", ErrTemplateRender, t.ID)
	}
	subject, err := r.execute(t.Subject, values)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Body: body}, nil
}

func (r *Renderer) values(d Data) map[string]string {
	start := d.Appointment.StartTime.In(r.loc)
	return map[string]string{
		"patient_name":             d.Patient.Name,
		"doctor_name":              d.Doctor.Name,
		"appointment_date":         start.Format(dateLayout),
		"appointment_time":         start.Format(timeLayout),
		"appointment_type":         d.Appointment.Type,
		"location":                 d.Appointment.Location,
		"preparation_instructions": d.Appointment.PreparationInstructions,
	}
}

func (r *Renderer) execute(text string, values map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	if i := strings.LastIndex(text, "{{"); i >= 0 && !strings.Contains(text[i:], "}}") {
		return "", fmt.Errorf("%w: unterminated placeholder", ErrTemplateRender)
	}
	out, err := fasttemplate.ExecuteFuncStringWithErr(text, "{{", "}}", func(w io.Writer, tag string) (int, error) {
		key := strings.TrimSpace(tag)
		v, ok := values[key]
		if !ok {
			return 0, fmt.Errorf("%w: unknown placeholder %q", ErrTemplateRender, key)
		}
		if strings.TrimSpace(v) == "" {
			return 0, fmt.Errorf("%w: no value for %q", ErrTemplateRender, key)
		}
		return w.Write([]byte(v))
	})
	if err != nil {
		if errors.Is(err, ErrTemplateRender) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return out, nil
}
