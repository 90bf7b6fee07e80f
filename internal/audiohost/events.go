package audiohost

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nestalert/internal/model"
)

// EventLister is the calendar view behind /api/events.
type EventLister interface {
	ListUpcomingEvents(ctx context.Context, start, end time.Time) ([]model.Event, error)
}

// eventsCacheTTL keeps repeated page loads from refetching every feed.
const eventsCacheTTL = 30 * time.Second

type eventsResponse struct {
	Events     []eventDTO `json:"events"`
	RangeStart time.Time  `json:"range_start"`
	RangeEnd   time.Time  `json:"range_end"`
}

type eventDTO struct {
	SourceID string    `json:"source_id"`
	UID      string    `json:"uid"`
	Summary  string    `json:"summary"`
	Location string    `json:"location,omitempty"`
	Status   string    `json:"status"`
	AllDay   bool      `json:"all_day"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type eventsCache struct {
	hours     int
	resp      eventsResponse
	updatedAt time.Time
}

// handleEvents returns the events the poll cycle would see.
//
// GET /api/events?hours=2
func (s *Server) handleEvents(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if s.events == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no calendar configured"})
		return
	}

	hours, err := strconv.Atoi(c.DefaultQuery("hours", "2"))
	if err != nil || hours <= 0 || hours > 24*7 {
		hours = 2
	}

	now := s.clock()
	s.eventsMu.Lock()
	ec := s.eventsCache
	s.eventsMu.Unlock()
	if ec != nil && ec.hours == hours && now.Sub(ec.updatedAt) < eventsCacheTTL {
		c.JSON(http.StatusOK, ec.resp)
		return
	}

	start, end := now, now.Add(time.Duration(hours)*time.Hour)
	events, err := s.events.ListUpcomingEvents(c.Request.Context(), start, end)
	if err != nil {
		s.log.Error("api events: listing failed", err, "hours", hours)
		c.JSON(http.StatusBadGateway, gin.H{"error": "calendar unavailable"})
		return
	}

	resp := eventsResponse{Events: make([]eventDTO, 0, len(events)), RangeStart: start, RangeEnd: end}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventDTO{
			SourceID: ev.SourceID,
			UID:      ev.UID,
			Summary:  ev.Summary,
			Location: ev.Location,
			Status:   string(ev.Status),
			AllDay:   ev.AllDay,
			Start:    ev.Start,
			End:      ev.End,
		})
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{hours: hours, resp: resp, updatedAt: now}
	s.eventsMu.Unlock()

	c.JSON(http.StatusOK, resp)
}
