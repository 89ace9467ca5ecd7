// Package rest talks to the room backend's HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrTrackNotFound = domain.ErrTrackNotFound

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

// TracksClient covers the media track endpoints of a room.
type TracksClient struct {
	base    *url.URL
	token   string
	http    *http.Client
	retries uint64
	logger  zerolog.Logger
}

func NewTracksClient(apiURL, token string) (*TracksClient, error) {
	base, err := url.Parse(strings.TrimRight(apiURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	return &TracksClient{
		base:    base,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		retries: 2,
		logger:  log.With().Str("module", "adapters.rest").Logger(),
	}, nil
}

type heartbeatRequest struct {
	TrackIDs  []string `json:"track_ids"`
	SessionID string   `json:"session_id,omitempty"`
}

type createTrackRequest struct {
	TrackType domain.TrackType `json:"track_type"`
	TrackID   string           `json:"track_id,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
}

type cleanupResponse struct {
	RoomID       string `json:"room_id"`
	RemovedCount int64  `json:"removed_count"`
}

type listResponse struct {
	RoomID string              `json:"room_id"`
	Tracks []domain.MediaTrack `json:"tracks"`
}

func (c *TracksClient) Heartbeat(ctx context.Context, room domain.RoomID, sessionID string, trackIDs []string) error {
	body := heartbeatRequest{TrackIDs: trackIDs, SessionID: sessionID}
	return c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, tracksPath(room, "heartbeat"), body, nil)
	})
}

// Cleanup asks the server to deactivate stale tracks and returns how many
// it removed. Not retried.
func (c *TracksClient) Cleanup(ctx context.Context, room domain.RoomID) (int64, error) {
	var out cleanupResponse
	if err := c.do(ctx, http.MethodPost, tracksPath(room, "cleanup"), nil, &out); err != nil {
		return 0, err
	}
	return out.RemovedCount, nil
}

// CreateTrack registers a local track in room and returns the
// registration. Not retried, a lost answer would leave a duplicate.
func (c *TracksClient) CreateTrack(ctx context.Context, room domain.RoomID, t domain.LocalTrack) (domain.MediaTrack, error) {
	var out domain.MediaTrack
	body := createTrackRequest{TrackType: t.Type, TrackID: t.ID, Metadata: t.Metadata}
	if err := c.do(ctx, http.MethodPost, tracksPath(room, ""), body, &out); err != nil {
		return domain.MediaTrack{}, err
	}
	return out, nil
}

// DeleteTrack deactivates a registration. A registration the server no
// longer knows reports ErrTrackNotFound.
func (c *TracksClient) DeleteTrack(ctx context.Context, room domain.RoomID, id string) error {
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodDelete, tracksPath(room, url.PathEscape(id)), nil, nil)
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", id, ErrTrackNotFound)
	}
	return err
}

func (c *TracksClient) ListTracks(ctx context.Context, room domain.RoomID) ([]domain.MediaTrack, error) {
	var out listResponse
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, tracksPath(room, ""), nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return out.Tracks, nil
}

// GetTrack looks an active track up in the room listing; the backend has
// no single-track read.
func (c *TracksClient) GetTrack(ctx context.Context, room domain.RoomID, id string) (domain.MediaTrack, error) {
	tracks, err := c.ListTracks(ctx, room)
	if err != nil {
		return domain.MediaTrack{}, err
	}
	for _, t := range tracks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.MediaTrack{}, fmt.Errorf("%s: %w", id, ErrTrackNotFound)
}

func (c *TracksClient) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", d).Msg("request failed")
	})
}

func (c *TracksClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request ok")
	return nil
}

func tracksPath(room domain.RoomID, action string) string {
	p := "api/v1/rooms/" + url.PathEscape(string(room)) + "/tracks"
	if action != "" {
		p += "/" + action
	}
	return p
}
