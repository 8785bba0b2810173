package gcal

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// TokenUpdateFunc is invoked whenever the OAuth token is refreshed so the
// caller can persist the new credentials.
type TokenUpdateFunc func(token *oauth2.Token) error

// CalendarInfo describes one remote calendar.
type CalendarInfo struct {
	ID      string
	Summary string
	Primary bool
}

// EventData is the provider-neutral shape of one calendar event.
type EventData struct {
	ID          string    `json:"id,omitempty"`
	Etag        string    `json:"etag,omitempty"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Status      string    `json:"status,omitempty"`
	Organizer   string    `json:"organizer,omitempty"`
	Updated     time.Time `json:"updated,omitempty"`
}

// PageQuery selects one page of an event listing. SyncToken and the time
// window are mutually exclusive, as the provider requires.
type PageQuery struct {
	SyncToken   string
	PageToken   string
	TimeMin     time.Time
	TimeMax     time.Time
	ShowDeleted bool
}

// EventsPage is one page of results plus the continuation cursors.
type EventsPage struct {
	Items         []*EventData
	NextPageToken string
	NextSyncToken string
}

// BusyInterval is one busy span from a free/busy query.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Service talks to Google Calendar on behalf of one account.
type Service struct {
	clientID     string
	clientSecret string
}

// notifyTokenSource wraps an oauth2 token source to detect refreshes and
// hand the new token to a persistence callback.
type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Calendar] Failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

// NewService creates a calendar service factory for the given OAuth client.
func NewService(clientID, clientSecret string) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

// Client binds the service to one account's tokens.
func (s *Service) Client(ctx context.Context, accessToken, refreshToken string, onTokenRefresh TokenUpdateFunc) (*Client, error) {
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
	}
	if refreshToken != "" {
		token.Expiry = time.Now()
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: onTokenRefresh,
	}

	httpClient := oauth2.NewClient(ctx, wrappedSource)
	srv, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return &Client{srv: srv}, nil
}

// Client is one account's view of the calendar API.
type Client struct {
	srv *calendar.Service
}

// ListCalendars returns the calendars visible to the account.
func (c *Client) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	resp, err := c.srv.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to list calendars: %w", err)
	}

	infos := make([]CalendarInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		infos = append(infos, CalendarInfo{
			ID:      item.Id,
			Summary: item.Summary,
			Primary: item.Primary,
		})
	}
	return infos, nil
}

// ListEventsPage fetches one page of events, either by sync token or by
// explicit window.
func (c *Client) ListEventsPage(ctx context.Context, calendarID string, query PageQuery) (*EventsPage, error) {
	call := c.srv.Events.List(calendarID).Context(ctx).MaxResults(250)

	if query.SyncToken != "" {
		call = call.SyncToken(query.SyncToken)
	} else {
		if !query.TimeMin.IsZero() {
			call = call.TimeMin(query.TimeMin.Format(time.RFC3339))
		}
		if !query.TimeMax.IsZero() {
			call = call.TimeMax(query.TimeMax.Format(time.RFC3339))
		}
	}
	if query.ShowDeleted {
		call = call.ShowDeleted(true)
	}
	if query.PageToken != "" {
		call = call.PageToken(query.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("unable to list events for %s: %w", calendarID, err)
	}

	page := &EventsPage{
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Items = append(page.Items, eventFromAPI(item))
	}
	return page, nil
}

// InsertEvent creates a remote event and returns it with the server id.
func (c *Client) InsertEvent(ctx context.Context, calendarID string, event *EventData) (*EventData, error) {
	created, err := c.srv.Events.Insert(calendarID, eventToAPI(event)).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to insert event: %w", err)
	}
	return eventFromAPI(created), nil
}

// PatchEvent applies a partial update guarded by the etag; a stale etag
// surfaces as a precondition failure.
func (c *Client) PatchEvent(ctx context.Context, calendarID, eventID string, event *EventData, etag string) (*EventData, error) {
	call := c.srv.Events.Patch(calendarID, eventID, eventToAPI(event)).Context(ctx)
	if etag != "" {
		call.Header().Set("If-Match", etag)
	}
	updated, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("unable to patch event %s: %w", eventID, err)
	}
	return eventFromAPI(updated), nil
}

// DeleteEvent removes a remote event.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.srv.Events.Delete(calendarID, eventID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to delete event %s: %w", eventID, err)
	}
	return nil
}

// FreeBusy queries busy intervals for the given calendars.
func (c *Client) FreeBusy(ctx context.Context, calendarIDs []string, from, to time.Time) (map[string][]BusyInterval, error) {
	items := make([]*calendar.FreeBusyRequestItem, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		items = append(items, &calendar.FreeBusyRequestItem{Id: id})
	}

	resp, err := c.srv.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   items,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("free/busy query failed: %w", err)
	}

	out := make(map[string][]BusyInterval, len(resp.Calendars))
	for id, cal := range resp.Calendars {
		var intervals []BusyInterval
		for _, period := range cal.Busy {
			start, startErr := time.Parse(time.RFC3339, period.Start)
			end, endErr := time.Parse(time.RFC3339, period.End)
			if startErr != nil || endErr != nil {
				continue
			}
			intervals = append(intervals, BusyInterval{Start: start, End: end})
		}
		out[id] = intervals
	}
	return out, nil
}

func eventFromAPI(ev *calendar.Event) *EventData {
	data := &EventData{
		ID:          ev.Id,
		Etag:        ev.Etag,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
	}
	if ev.Organizer != nil {
		data.Organizer = ev.Organizer.Email
	}
	if ev.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			data.Updated = updated
		}
	}
	data.Start, data.AllDay = parseEventTime(ev.Start)
	data.End, _ = parseEventTime(ev.End)
	return data
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt == nil {
		return time.Time{}, false
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return t, false
}

func eventToAPI(data *EventData) *calendar.Event {
	ev := &calendar.Event{
		Summary:     data.Summary,
		Description: data.Description,
		Location:    data.Location,
	}
	if data.AllDay {
		ev.Start = &calendar.EventDateTime{Date: data.Start.Format("2006-01-02")}
		ev.End = &calendar.EventDateTime{Date: data.End.Format("2006-01-02")}
	} else {
		if !data.Start.IsZero() {
			ev.Start = &calendar.EventDateTime{DateTime: data.Start.Format(time.RFC3339)}
		}
		if !data.End.IsZero() {
			ev.End = &calendar.EventDateTime{DateTime: data.End.Format(time.RFC3339)}
		}
	}
	return ev
}
