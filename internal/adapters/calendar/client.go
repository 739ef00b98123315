// Package calendar talks to the external calendar service, a Google
// Calendar v3 style JSON API authenticated with a bearer token.
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/driving-school-scheduler/internal/apierror"
	"github.com/robertarktes/driving-school-scheduler/internal/domain"
)

// API is the raw calendar surface the rest of the service depends on.
type API interface {
	FreeBusy(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Interval, error)
	CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (string, error)
	CancelEvent(ctx context.Context, calendarID, eventID string) error
}

type Client struct {
	hc      *http.Client
	baseURL string
	token   string
}

func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{hc: hc, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

type freeBusyRequest struct {
	TimeMin string         `json:"timeMin"`
	TimeMax string         `json:"timeMax"`
	Items   []freeBusyItem `json:"items"`
}

type freeBusyItem struct {
	ID string `json:"id"`
}

type freeBusyResponse struct {
	Calendars map[string]struct {
		Busy []struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"busy"`
		Errors []struct {
			Domain string `json:"domain"`
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"calendars"`
}

type eventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

type eventResource struct {
	ID          string    `json:"id,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
}

type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func (c *Client) FreeBusy(ctx context.Context, calendarID string, start, end time.Time) ([]domain.Interval, error) {
	req := freeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: end.UTC().Format(time.RFC3339),
		Items:   []freeBusyItem{{ID: calendarID}},
	}
	var resp freeBusyResponse
	if err := c.do(ctx, http.MethodPost, "/freeBusy", req, &resp); err != nil {
		return nil, err
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, &apierror.ResponseError{StatusCode: http.StatusNotFound, Reason: "notFound", Message: "calendar missing from freeBusy response"}
	}
	if len(cal.Errors) > 0 {
		status := http.StatusBadRequest
		if cal.Errors[0].Reason == "notFound" {
			status = http.StatusNotFound
		}
		return nil, &apierror.ResponseError{StatusCode: status, Reason: cal.Errors[0].Reason, Message: "freeBusy calendar error"}
	}

	busy := make([]domain.Interval, 0, len(cal.Busy))
	for _, b := range cal.Busy {
		busy = append(busy, domain.Interval{Start: b.Start.UTC(), End: b.End.UTC()})
	}
	return busy, nil
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev domain.CalendarEvent) (string, error) {
	body := eventResource{
		ID:          ev.ID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       eventTime{DateTime: ev.StartAt.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         eventTime{DateTime: ev.EndAt.UTC().Format(time.RFC3339), TimeZone: "UTC"},
	}
	var created eventResource
	path := "/calendars/" + url.PathEscape(calendarID) + "/events?sendUpdates=none"
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("calendar: created event has no id")
	}
	return created.ID, nil
}

// CancelEvent deletes an event. An event that is already gone (410) counts
// as cancelled.
func (c *Client) CancelEvent(ctx context.Context, calendarID, eventID string) error {
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID) + "?sendUpdates=none"
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var resp *apierror.ResponseError
	if errors.As(err, &resp) && resp.StatusCode == http.StatusGone {
		return nil
	}
	return err
}

// do sends one request. Non-2xx replies come back as *apierror.ResponseError
// for the classifier; transport errors are returned as is.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "calendar: encode request")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "calendar: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if res.StatusCode >= 300 {
		return responseError(res, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "calendar: decode %s %s", method, path)
	}
	return nil
}

func responseError(res *http.Response, raw []byte) *apierror.ResponseError {
	e := &apierror.ResponseError{
		StatusCode: res.StatusCode,
		RetryAfter: res.Header.Get("Retry-After"),
	}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		e.Message = eb.Error.Message
		if len(eb.Error.Errors) > 0 {
			e.Reason = eb.Error.Errors[0].Reason
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(res.StatusCode)
	}
	return e
}
