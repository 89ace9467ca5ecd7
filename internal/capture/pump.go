package capture

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/dkeye/tradingroom/internal/media"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
	videoPayload   = 96
	audioPayload   = 111
)

// placeholder is the payload of every synthetic frame.
var placeholder = []byte{0x00, 0x00, 0x00, 0x00}

type pumpTrack struct {
	track *media.Track
	pkt   rtp.Packet
	step  uint32
}

// Pump writes one placeholder RTP packet per frame into every live track
// of stream until the tracks are gone or ctx is done. It returns the number
// of packets written.
func Pump(ctx context.Context, stream *media.Stream, fps int) int {
	if fps <= 0 {
		fps = 30
	}
	logger := log.With().Str("module", "capture.pump").Str("stream", stream.ID()).Logger()

	live := make([]*pumpTrack, 0, 2)
	for _, t := range stream.Tracks() {
		clock, pt := uint32(videoClockRate), uint8(videoPayload)
		if t.Kind() == media.KindAudio {
			clock, pt = audioClockRate, audioPayload
		}
		live = append(live, &pumpTrack{
			track: t,
			step:  clock / uint32(fps),
			pkt: rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    pt,
					SequenceNumber: uint16(rand.Uint32()),
					Timestamp:      rand.Uint32(),
					SSRC:           rand.Uint32(),
					Marker:         true,
				},
				Payload: placeholder,
			},
		})
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	written := 0
	for len(live) > 0 {
		select {
		case <-ctx.Done():
			logger.Debug().Int("packets", written).Msg("pump ctx done")
			return written
		case <-ticker.C:
		}

		kept := live[:0]
		for _, pt := range live {
			err := pt.track.WriteRTP(&pt.pkt)
			switch {
			case errors.Is(err, media.ErrTrackClosed):
				continue
			case err != nil:
				logger.Warn().Err(err).Str("track", pt.track.ID()).Msg("write RTP failed, dropping track")
				continue
			}
			if pt.track.Enabled() {
				written++
			}
			pt.pkt.SequenceNumber++
			pt.pkt.Timestamp += pt.step
			kept = append(kept, pt)
		}
		live = kept
	}
	logger.Debug().Int("packets", written).Msg("pump finished")
	return written
}
