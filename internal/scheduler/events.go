package scheduler

import (
	"time"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
)

type EventType string

const (
	EventRunStarted  EventType = "run_started"
	EventURLFinished EventType = "url_finished"
	EventRunFinished EventType = "run_finished"
)

// RunEvent reports progress of a run to subscribers.
type RunEvent struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`
	RunID string    `json:"run_id"`

	// Set for url_finished
	Result *model.ScrapeResult `json:"result,omitempty"`
	// Set for run_started and run_finished
	Run *model.JobRun `json:"run,omitempty"`

	At time.Time `json:"at"`
}

// Subscribe returns a channel receiving the events of jobID's runs, or of
// every job when jobID is empty. The returned func unsubscribes and closes
// the channel.
func (s *Scheduler) Subscribe(jobID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, s.cfg.EventBuffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[int]chan RunEvent)
	}
	s.subs[jobID][id] = ch
	s.mu.Unlock()

	var once bool
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(s.subs[jobID], id)
		if len(s.subs[jobID]) == 0 {
			delete(s.subs, jobID)
		}
		close(ch)
	}
}

func (s *Scheduler) emit(ev RunEvent) {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{ev.JobID, ""} {
		for _, ch := range s.subs[key] {
			select {
			case ch <- ev:
			default:
				s.logger.Debug("dropping run event for slow subscriber",
					logging.Field{Key: "job_id", Value: ev.JobID},
					logging.Field{Key: "type", Value: ev.Type})
			}
		}
	}
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), logging.Field{Key: "error", Value: err})
	l.logger.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logging.Field{Key: key, Value: kv[i+1]})
	}
	return fields
}
