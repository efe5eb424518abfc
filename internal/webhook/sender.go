package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/db"
)

type Event string

const (
	EventJobPrinted        Event = "job_printed"
	EventJobFailed         Event = "job_failed"
	EventDestinationStatus Event = "destination_status_changed"
)

type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type JobEventData struct {
	JobID       string `json:"job_id"`
	Queue       string `json:"queue"`
	Username    string `json:"username"`
	Pages       int    `json:"pages"`
	ColorPages  int    `json:"color_pages"`
	Destination *int64 `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
}

type DestinationEventData struct {
	DestinationID int64  `json:"destination_id"`
	Name          string `json:"name"`
	Up            bool   `json:"up"`
	Reason        string `json:"reason,omitempty"`
	Reporter      string `json:"reporter,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	event    Event
	payload  *Payload
	attempt  int
}

// Sender delivers job and destination events to the configured endpoints.
// Delivery is asynchronous over a small worker pool; a full queue drops the
// event rather than stall the caller.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *task
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

func NewSender(cfg config.WebhookConfig) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	s := &Sender{
		endpoints:  cfg.Endpoints,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	return s
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sender) JobPrinted(job *db.PrintJob) {
	s.enqueue(EventJobPrinted, jobData(job))
}

func (s *Sender) JobFailed(job *db.PrintJob) {
	s.enqueue(EventJobFailed, jobData(job))
}

func (s *Sender) DestinationStatusChanged(dest *db.Destination) {
	s.enqueue(EventDestinationStatus, &DestinationEventData{
		DestinationID: dest.ID,
		Name:          dest.Name,
		Up:            dest.Up,
		Reason:        dest.DownReason,
		Reporter:      dest.DownReporter,
	})
}

func jobData(job *db.PrintJob) *JobEventData {
	return &JobEventData{
		JobID:       job.ID,
		Queue:       job.Queue,
		Username:    job.Username,
		Pages:       job.Pages,
		ColorPages:  job.ColorPages,
		Destination: job.Destination,
		Error:       job.Error,
	}
}

func (s *Sender) enqueue(event Event, data interface{}) {
	for _, ep := range s.endpoints {
		if !ep.Wants(string(event)) {
			continue
		}

		t := &task{
			endpoint: ep,
			event:    event,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			log.WithFields(log.Fields{"event": event, "url": ep.URL}).
				Warn("webhook queue full, dropping event")
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"worker":   id,
					"event":    t.event,
					"url":      t.endpoint.URL,
					"attempts": t.attempt,
				}).Error("webhook delivery failed")
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		// A 4xx will not go away on retry.
		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ep config.WebhookEndpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if ep.Secret != "" {
		payload.Signature = signPayload(dataBytes, ep.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "http error: 4")
}
