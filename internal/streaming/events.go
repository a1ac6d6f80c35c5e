package streaming

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"apkscore-lab/internal/domain/models"
)

// EventType represents the type of score event
type EventType string

const (
	EventTypeScored EventType = "package_scored"
	EventTypeFailed EventType = "package_failed"
)

// ScoreEvent is emitted for every package the batch or API scores
type ScoreEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	ResultID   string    `json:"result_id"`
	Package    string    `json:"apk_name"`
	Label      int       `json:"label"`
	Score      float64   `json:"malware_score"`
	Degenerate bool      `json:"degenerate"`
	NodeCount  int       `json:"node_count"`
	EdgeCount  int       `json:"edge_count"`
	SizeClass  string    `json:"size_class,omitempty"`
	Warnings   []string  `json:"metric_warnings,omitempty"`

	// Kind and Error are set on failure events only
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewScoredEvent builds an event from an analysis result
func NewScoredEvent(res *models.AnalysisResult) *ScoreEvent {
	return &ScoreEvent{
		ID:         uuid.New().String(),
		Type:       EventTypeScored,
		Timestamp:  time.Now(),
		ResultID:   res.ID.String(),
		Package:    res.PackageName,
		Label:      res.Label,
		Score:      res.Score,
		Degenerate: res.Degenerate,
		NodeCount:  res.Metrics.NodeCount,
		EdgeCount:  res.Metrics.EdgeCount,
		SizeClass:  string(res.Breakdown.SizeClass),
		Warnings:   res.MetricWarnings,
	}
}

// NewFailedEvent builds an event for a package that could not be scored
func NewFailedEvent(name, kind string, cause error) *ScoreEvent {
	ev := &ScoreEvent{
		ID:        uuid.New().String(),
		Type:      EventTypeFailed,
		Timestamp: time.Now(),
		Package:   name,
		Label:     -1,
		Kind:      kind,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	return ev
}

// Subscription filters events delivered to a local subscriber
type Subscription struct {
	Types []EventType `json:"types,omitempty"`
	// MinScore drops scored events below the threshold
	MinScore float64 `json:"min_score,omitempty"`
}

// Matches reports whether the event passes the subscription filters
func (s *Subscription) Matches(ev *ScoreEvent) bool {
	if s == nil {
		return true
	}
	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if t == ev.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ev.Type == EventTypeScored && ev.Score < s.MinScore {
		return false
	}
	return true
}

// ParseSubscription builds a subscription from a comma separated list of
// event types and an optional minimum score. Empty inputs match everything.
func ParseSubscription(types, minScore string) (*Subscription, error) {
	sub := &Subscription{}
	for _, t := range strings.Split(types, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		switch et := EventType(t); et {
		case EventTypeScored, EventTypeFailed:
			sub.Types = append(sub.Types, et)
		default:
			return nil, fmt.Errorf("unknown event type %q", t)
		}
	}
	if minScore != "" {
		v, err := strconv.ParseFloat(minScore, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid min_score %q: %w", minScore, err)
		}
		sub.MinScore = v
	}
	return sub, nil
}
